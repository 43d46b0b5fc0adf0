package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew_BuildsUsableLogger(t *testing.T) {
	logger, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer logger.Sync()
	logger.Sugar().Infow("test message", "k", "v")
}

func TestNewWithFile_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "node.log")
	logger, err := NewWithFile(path)
	if err != nil {
		t.Fatalf("new with file: %v", err)
	}
	logger.Sugar().Infow("hello", "k", "v")
	logger.Sync()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("expected non-empty log file")
	}
}
