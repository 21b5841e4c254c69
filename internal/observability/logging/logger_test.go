package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := parseLevel(raw); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestTextLoggerQuietSuppressesErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTextLogger(&buf, "chat", "quiet")
	logger.Error("agent_transport_failed")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}

	logger = NewTextLogger(&buf, "chat", "info")
	logger.Info("agent_round", "round", 1)
	if !strings.Contains(buf.String(), "service=chat") || !strings.Contains(buf.String(), "agent_round") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}
