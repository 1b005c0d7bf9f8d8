package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Info("hidden")
	l.Warn("shown", "key", "k1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "[WARN] shown key=k1") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestLogger_NamedSharesSink(t *testing.T) {
	var buf bytes.Buffer
	root := New(&buf, LevelInfo)
	child := root.Named("keys").Named("refresh")

	root.SetLevel(LevelError)
	child.Warn("dropped")
	child.Error("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("child should follow root level: %q", out)
	}
	if !strings.Contains(out, "[keys.refresh] kept") {
		t.Fatalf("expected component tag, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
