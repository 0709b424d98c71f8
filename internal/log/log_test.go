package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestInitWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settler.log")
	if err := Init("warn", true, path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { Init("info", false, "") })

	Orchestrator.Info().Msg("dropped")
	netLog := WithNetwork("network", 7)
	netLog.Warn().Msg("kept")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), data)
	}
	var ev struct {
		Level     string `json:"level"`
		Component string `json:"component"`
		NetworkID uint32 `json:"network_id"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("file line is not JSON: %v", err)
	}
	if ev.Level != "warn" || ev.Component != "network" || ev.NetworkID != 7 || ev.Message != "kept" {
		t.Errorf("event = %+v", ev)
	}
}

func TestInitBadFile(t *testing.T) {
	if err := Init("info", false, filepath.Join(t.TempDir(), "missing", "x.log")); err == nil {
		t.Fatal("expected error for unwritable log file")
	}
}
