package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog/log"
)

func TestInitWritesFileAndConsole(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "scan.log")
	var console bytes.Buffer
	if err := Init(Options{Level: "debug", File: file, MaxSizeMB: 1, Console: &console}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	log.Info().Str("job_id", "j1").Msg("scan started")

	var ev map[string]any
	line := strings.TrimSpace(console.String())
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("console output is not JSON: %q", line)
	}
	if ev["service"] != "defectscan" || ev["job_id"] != "j1" || ev["message"] != "scan started" {
		t.Errorf("event = %v", ev)
	}

	b, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"scan started"`) {
		t.Errorf("log file = %q", b)
	}
}

func TestInitLevelFallback(t *testing.T) {
	var console bytes.Buffer
	if err := Init(Options{Level: "loud", Console: &console}); err != nil {
		t.Fatal(err)
	}
	log.Debug().Msg("hidden")
	if console.Len() != 0 {
		t.Errorf("debug line leaked at info level: %q", console.String())
	}
}
