package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, nil))

	log.Info("replica created", "id", "abc", "count", 3)

	line := buf.String()
	if !strings.Contains(line, "[INF] replica created") {
		t.Errorf("missing level/message in %q", line)
	}

	if !strings.Contains(line, " id=abc") || !strings.Contains(line, " count=3") {
		t.Errorf("missing attributes in %q", line)
	}

	if !strings.HasSuffix(line, "\n") {
		t.Errorf("line not terminated: %q", line)
	}
}

func TestHandlerMinLevel(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)

	log := slog.New(NewHandler(&buf, lv))

	log.Info("dropped")
	log.Debug("dropped")
	log.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("records below min level written: %q", out)
	}

	if !strings.Contains(out, "[WRN] kept") {
		t.Errorf("warn record missing: %q", out)
	}
}

func TestHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, nil)).With("node", "n1").WithGroup("sync")

	log.Info("finished", "peer", "p2")

	out := buf.String()
	if !strings.Contains(out, " node=n1") {
		t.Errorf("bound attribute missing: %q", out)
	}

	if !strings.Contains(out, " sync.peer=p2") {
		t.Errorf("grouped attribute missing: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"loud", slog.LevelInfo, false},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseLevel(%q) error = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}

		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
