package shortcuts

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAccelerator is returned for shortcut names the host could never grab.
var ErrInvalidAccelerator = errors.New("invalid accelerator")

// knownModifiers maps lower-cased modifier names to their canonical spelling.
var knownModifiers = map[string]string{
	"shift":   "Shift",
	"control": "Control",
	"ctrl":    "Control",
	"primary": "Control",
	"alt":     "Alt",
	"mod1":    "Alt",
	"mod2":    "Mod2",
	"mod3":    "Mod3",
	"mod4":    "Super",
	"mod5":    "Mod5",
	"super":   "Super",
	"hyper":   "Hyper",
	"meta":    "Meta",
}

// Accelerator is a parsed GTK-style accelerator such as "<Control><Alt>t".
type Accelerator struct {
	Modifiers []string // canonical names, in the order given
	Key       string
}

// String renders the accelerator back into canonical textual form.
func (a Accelerator) String() string {
	var b strings.Builder
	for _, m := range a.Modifiers {
		b.WriteString("<" + m + ">")
	}
	b.WriteString(a.Key)
	return b.String()
}

// ParseAccelerator validates the textual accelerator syntax the shell accepts:
// zero or more <Modifier> groups followed by a key name.
func ParseAccelerator(s string) (Accelerator, error) {
	var acc Accelerator

	rest := strings.TrimSpace(s)
	if rest == "" {
		return acc, fmt.Errorf("%w: empty shortcut", ErrInvalidAccelerator)
	}

	seen := make(map[string]bool)
	for strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return acc, fmt.Errorf("%w: unterminated modifier in %q", ErrInvalidAccelerator, s)
		}
		name := rest[1:end]
		canonical, ok := knownModifiers[strings.ToLower(name)]
		if !ok {
			return acc, fmt.Errorf("%w: unknown modifier <%s> in %q", ErrInvalidAccelerator, name, s)
		}
		if !seen[canonical] {
			seen[canonical] = true
			acc.Modifiers = append(acc.Modifiers, canonical)
		}
		rest = rest[end+1:]
	}

	if rest == "" {
		return acc, fmt.Errorf("%w: missing key in %q", ErrInvalidAccelerator, s)
	}
	if strings.ContainsAny(rest, "<> \t") {
		return acc, fmt.Errorf("%w: malformed key %q in %q", ErrInvalidAccelerator, rest, s)
	}
	acc.Key = rest

	return acc, nil
}
