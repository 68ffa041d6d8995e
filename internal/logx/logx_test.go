package logx

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"unknown", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLogFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "dispatch", LevelWarn)

	l.Log(LevelInfo, "claimed item=%s", "a")
	if buf.Len() != 0 {
		t.Fatalf("info line should be filtered, got %q", buf.String())
	}

	l.Log(LevelError, "start_failed error=%v", "boom")
	out := buf.String()
	if !strings.Contains(out, "ERROR dispatch: start_failed error=boom") {
		t.Fatalf("unexpected line %q", out)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Log(LevelError, "ignored")
	if l.Std() != nil {
		t.Fatal("nil logger must expose nil std logger")
	}
}
