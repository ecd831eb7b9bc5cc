package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteInputReplacesStaleFile(t *testing.T) {
	d, err := New(t.TempDir(), "svg")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := d.WriteInput("abc123", strings.NewReader("digraph { stale }")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	n, err := d.WriteInput("abc123", strings.NewReader("digraph { a -> b }"))
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if n != int64(len("digraph { a -> b }")) {
		t.Fatalf("unexpected byte count %d", n)
	}

	data, err := os.ReadFile(d.InputPath("abc123"))
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if string(data) != "digraph { a -> b }" {
		t.Fatalf("unexpected input content %q", data)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(d.Path())
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tmpPrefix) {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestPaths(t *testing.T) {
	dir := t.TempDir()
	d, err := New(dir, "png")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got, want := d.InputPath("h"), filepath.Join(dir, "h.dot"); got != want {
		t.Errorf("InputPath = %s, want %s", got, want)
	}
	if got, want := d.OutputPath("h"), filepath.Join(dir, "h.png"); got != want {
		t.Errorf("OutputPath = %s, want %s", got, want)
	}
	if got := d.OutputName("h"); got != "h.png" {
		t.Errorf("OutputName = %s", got)
	}
}

func TestNewRejectsInputFormat(t *testing.T) {
	for _, format := range []string{"", "dot", "DOT"} {
		if _, err := New(t.TempDir(), format); err == nil {
			t.Errorf("New with format %q: expected an error", format)
		}
	}
}

func TestRemoveIgnoresMissing(t *testing.T) {
	d, err := New(t.TempDir(), "svg")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := d.Remove("nothing"); err != nil {
		t.Fatalf("Remove of missing files: %v", err)
	}

	if _, err := d.WriteInput("h", strings.NewReader("x")); err != nil {
		t.Fatalf("WriteInput: %v", err)
	}
	if err := os.WriteFile(d.OutputPath("h"), []byte("<svg/>"), 0644); err != nil {
		t.Fatalf("write output: %v", err)
	}
	if err := d.Remove("h"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	for _, p := range []string{d.InputPath("h"), d.OutputPath("h")} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed", p)
		}
	}
}

func TestClearKeepsLockFile(t *testing.T) {
	d, err := New(t.TempDir(), "svg")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer d.Unlock()

	for _, name := range []string{"a.dot", "a.svg", "b.dot"} {
		if err := os.WriteFile(filepath.Join(d.Path(), name), []byte("x"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	if err := d.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	entries, err := os.ReadDir(d.Path())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != lockFileName {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only the lock file to remain, got %v", names)
	}
}

func TestLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	first, err := New(dir, "svg")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	second, err := New(dir, "svg")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := first.Lock(); err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	if err := second.Lock(); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := second.Lock(); err != nil {
		t.Fatalf("second Lock after unlock: %v", err)
	}
	second.Unlock()
}

func TestValidHash(t *testing.T) {
	tests := []struct {
		hash string
		want bool
	}{
		{"abc123", true},
		{"A-b_c.1", true},
		{"", false},
		{".", false},
		{"..", false},
		{".lock", false},
		{"../etc/passwd", false},
		{"a/b", false},
		{"a b", false},
		{strings.Repeat("a", 128), true},
		{strings.Repeat("a", 129), false},
	}

	for _, tt := range tests {
		if got := ValidHash(tt.hash); got != tt.want {
			t.Errorf("ValidHash(%q) = %v, want %v", tt.hash, got, tt.want)
		}
	}
}
