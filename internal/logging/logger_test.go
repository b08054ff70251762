// Package logging includes tests for the zap logger helpers.
package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

// TestBuildWritesRotatedFile checks the file core receives JSON entries.
func TestBuildWritesRotatedFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "webshot.log")
	logger, err := Build(Config{Level: "warn", File: FileConfig{Path: path}})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	logger.Info("filtered out")
	logger.Warn("pool exhausted", zap.Int("capacity", 4))
	_ = logger.Sync()

	data, err := os.ReadFile(path) // #nosec G304 -- test temp dir.
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(data), "filtered out") {
		t.Fatal("info entry should be below the configured level")
	}
	if !strings.Contains(string(data), `"msg":"pool exhausted"`) || !strings.Contains(string(data), `"capacity":4`) {
		t.Fatalf("expected JSON warn entry, got %s", data)
	}
}

// TestBuildRejectsUnknownLevel guards config typos.
func TestBuildRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := Build(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
