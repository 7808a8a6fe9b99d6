package main

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/Christopher-Hayes/kando-integration-mutter/postgres"
	"github.com/fatih/color"
)

func TestParseKeys(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    []keyEvent
		wantErr bool
	}{
		{
			name: "press and release with delay",
			args: []string{"38:down", "38:up:50", "56:press"},
			want: []keyEvent{
				{Code: 38, Pressed: true},
				{Code: 38, Pressed: false, DelayMs: 50},
				{Code: 56, Pressed: true},
			},
		},
		{name: "numeric state", args: []string{"9:1", "9:0"}, want: []keyEvent{{Code: 9, Pressed: true}, {Code: 9}}},
		{name: "no events", args: nil, wantErr: true},
		{name: "missing state", args: []string{"38"}, wantErr: true},
		{name: "bad code", args: []string{"x:down"}, wantErr: true},
		{name: "zero code", args: []string{"0:down"}, wantErr: true},
		{name: "bad state", args: []string{"38:sideways"}, wantErr: true},
		{name: "negative delay", args: []string{"38:up:-5"}, wantErr: true},
		{name: "too many fields", args: []string{"38:up:5:6"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseKeys(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseKeys() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseKeys() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// TestFormatWindowOutput tests the colored window output
func TestFormatWindowOutput(t *testing.T) {
	color.NoColor = true
	defer func() { color.NoColor = false }()

	tests := []struct {
		title, class string
		want         string
	}{
		{"README.md - VSCode", "code", "Active Window: README.md - VSCode (code)"},
		{"Untitled", "", "Active Window: Untitled"},
		{"", "", "Active Window: (none)"},
	}

	for _, tt := range tests {
		if got := formatWindowOutput(tt.title, tt.class); got != tt.want {
			t.Errorf("formatWindowOutput(%q, %q) = %q, want %q", tt.title, tt.class, got, tt.want)
		}
	}
}

func TestMethod(t *testing.T) {
	if got := method("BindShortcut"); !strings.HasSuffix(got, "KandoIntegration.BindShortcut") {
		t.Errorf("method() = %q", got)
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		args    []string
		want    int
		wantErr bool
	}{
		{args: nil, want: defaultHistoryLimit},
		{args: []string{"5"}, want: 5},
		{args: []string{"0"}, wantErr: true},
		{args: []string{"-3"}, wantErr: true},
		{args: []string{"many"}, wantErr: true},
		{args: []string{"1", "2"}, wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseLimit(tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLimit(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLimit(%v) = %d, want %d", tt.args, got, tt.want)
		}
	}
}

type fakeHistory struct {
	activations []postgres.Activation
	err         error
	limit       int
}

func (f *fakeHistory) GetRecentActivations(limit int) ([]postgres.Activation, error) {
	f.limit = limit
	return f.activations, f.err
}

func TestPrintHistory(t *testing.T) {
	color.NoColor = true
	defer func() { color.NoColor = false }()

	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.Local)
	history := &fakeHistory{activations: []postgres.Activation{
		{Name: "<Control><Alt>k", ActivatedAt: at},
		{Name: "<Super>space", ActivatedAt: at.Add(-time.Minute)},
	}}

	var out bytes.Buffer
	if err := printHistory(&out, history, 2); err != nil {
		t.Fatalf("printHistory() error = %v", err)
	}
	if history.limit != 2 {
		t.Errorf("limit = %d, want 2", history.limit)
	}

	want := "2024-05-01 12:30:00  <Control><Alt>k\n2024-05-01 12:29:00  <Super>space\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestPrintHistoryEmptyAndError(t *testing.T) {
	color.NoColor = true
	defer func() { color.NoColor = false }()

	var out bytes.Buffer
	if err := printHistory(&out, &fakeHistory{}, 5); err != nil {
		t.Fatalf("printHistory() error = %v", err)
	}
	if !strings.Contains(out.String(), "No recorded activations") {
		t.Errorf("output = %q", out.String())
	}

	if err := printHistory(&out, &fakeHistory{err: errors.New("connection refused")}, 5); err == nil {
		t.Error("printHistory() should return the query error")
	}
}
