package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ShortcutsKey is the single configuration entry holding the bound shortcut names.
const ShortcutsKey = "bound-shortcuts"

// Store persists the ordered set of bound shortcut names.
type Store interface {
	LoadShortcuts() ([]string, error)
	SaveShortcuts(names []string) error
	Close() error
}

// shortcutsFile is the TOML layout of the file store.
type shortcutsFile struct {
	BoundShortcuts []string `toml:"bound-shortcuts"`
}

// FileStore keeps the shortcut set in a small TOML file.
type FileStore struct {
	path string
}

// NewFileStore stores the set at path; the file is created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// LoadShortcuts returns the persisted names, or nil if nothing was saved yet.
func (s *FileStore) LoadShortcuts() ([]string, error) {
	var data shortcutsFile
	if _, err := toml.DecodeFile(s.path, &data); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	return Dedupe(data.BoundShortcuts), nil
}

// SaveShortcuts replaces the persisted set. The file is swapped in atomically.
func (s *FileStore) SaveShortcuts(names []string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".shortcuts-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create temporary settings file: %w", err)
	}
	defer os.Remove(tmp.Name())

	data := shortcutsFile{BoundShortcuts: Dedupe(names)}
	if data.BoundShortcuts == nil {
		data.BoundShortcuts = []string{}
	}
	if err := toml.NewEncoder(tmp).Encode(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode shortcuts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

// Dedupe drops repeated names, keeping the first occurrence.
func Dedupe(names []string) []string {
	if names == nil {
		return nil
	}
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
