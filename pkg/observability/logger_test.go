package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/wilhg/geotask/pkg/config"
)

func TestSetupLoggerWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "geotask.log")
	logger, err := SetupLogger(config.LogConfig{Level: "warning", Format: "json", Outputs: []string{path}})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("dropped")
	logger.Warn("kept", zap.String("run_id", "r1"))
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("lines=%d want 1: %s", len(lines), raw)
	}
	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatal(err)
	}
	if entry["msg"] != "kept" || entry["run_id"] != "r1" {
		t.Fatalf("entry=%v", entry)
	}
}

func TestSetupLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := SetupLogger(config.LogConfig{Level: "chatty"}); err == nil {
		t.Fatal("expected level error")
	}
}
