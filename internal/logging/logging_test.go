package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/vango-go/callmon/internal/logging"
)

func TestNewAutoUsesJSONForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "auto", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("connected", "user_id", "42")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected json output, got %q: %v", buf.String(), err)
	}
	if record["msg"] != "connected" || record["user_id"] != "42" {
		t.Fatalf("unexpected record: %v", record)
	}
	if _, ok := record["source"]; ok {
		t.Fatal("info logs should not carry source")
	}
}

func TestNewTextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "text", Level: "warn", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "attempt", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record should be filtered: %q", out)
	}
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "attempt=3") {
		t.Fatalf("unexpected text output: %q", out)
	}
}

func TestNewDebugAddsSource(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "text", Level: "debug", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("tick")
	if !strings.Contains(buf.String(), "logging_test.go:") {
		t.Fatalf("expected source location in debug output: %q", buf.String())
	}
}

func TestNewRejectsUnknownValues(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected format error")
	}
	if _, err := logging.New(logging.Options{Level: "trace"}); err == nil {
		t.Fatal("expected level error")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := logging.ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

func TestIsTerminalFalseForBuffer(t *testing.T) {
	if logging.IsTerminal(&bytes.Buffer{}) {
		t.Fatal("buffer is not a terminal")
	}
}
