package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON %q: %v", buf.String(), err)
	}
	return out
}

func TestSetupWriterLevel(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "warn", "json")

	Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	Warn("kept", "k", "v")
	out := decodeLine(t, &buf)
	if out["msg"] != "kept" || out["k"] != "v" {
		t.Errorf("unexpected record: %v", out)
	}
}

func TestSetupWriterText(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "TEXT")
	Debug("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"Error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")

	WithOp(WithComponent("service"), "op-1").Info("hello")
	out := decodeLine(t, &buf)
	if out["component"] != "service" {
		t.Errorf("Expected component 'service', got %v", out["component"])
	}
	if out["op_id"] != "op-1" {
		t.Errorf("Expected op_id 'op-1', got %v", out["op_id"])
	}

	buf.Reset()
	WithModule(Get(), "source:ticker").Info("created")
	out = decodeLine(t, &buf)
	if out["module"] != "source:ticker" {
		t.Errorf("Expected module 'source:ticker', got %v", out["module"])
	}
}
