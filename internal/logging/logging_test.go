package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInit_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photocache.log")
	if err := Init(Config{Level: "debug", Format: "json", OutputPath: path}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer InitDefault()

	Info("hello", zap.String("id", "a1"))
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"id":"a1"`) {
		t.Errorf("log line missing field: %s", data)
	}
}

func TestSetLevel(t *testing.T) {
	if err := Init(Config{Level: "info", OutputPath: "stderr"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer InitDefault()

	SetLevel("warn")
	if globalLevel.Level() != zapcore.WarnLevel {
		t.Errorf("level = %v, want warn", globalLevel.Level())
	}

	SetLevel("bogus")
	if globalLevel.Level() != zapcore.WarnLevel {
		t.Error("invalid level should be ignored")
	}
}

func TestSetLogger(t *testing.T) {
	nop := zap.NewNop()
	SetLogger(nop)
	defer InitDefault()
	if L() != nop {
		t.Error("L() did not return the injected logger")
	}
}
