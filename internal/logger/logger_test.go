package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"ERROR":   LevelError,
		"none":    LevelNone,
		"bogus":   LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestFileSinkFiltersByLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plauderkasten.log")

	l, err := New(LevelWarn, path, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	l.Debug("hidden %d", 1)
	l.Info("hidden %d", 2)
	l.Warn("visible warning")
	l.Error("visible error")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	out := string(data)

	if strings.Contains(out, "hidden") {
		t.Errorf("log contains filtered messages: %q", out)
	}
	if !strings.Contains(out, "visible warning") || !strings.Contains(out, "visible error") {
		t.Errorf("log missing expected messages: %q", out)
	}
	if !strings.Contains(out, "[test]") {
		t.Errorf("log missing prefix: %q", out)
	}
}

func TestWithPrefixChains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chained.log")

	l, err := New(LevelDebug, path, "keypool")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	l.WithPrefix("discovery").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "[keypool:discovery]") {
		t.Errorf("expected chained prefix, got %q", string(data))
	}
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	l, err := New(LevelNone, "", "")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	// Must not panic or write anywhere.
	l.Error("nothing to see")
}
