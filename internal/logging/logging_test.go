package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevel(t *testing.T) {
	logger := NewLogger(Config{Level: "warn"})
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Fatalf("期望 warn 级别, 实际 %s", logger.GetLevel())
	}

	logger = NewLogger(Config{Level: "nonsense"})
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("unknown level should fall back to info, got %s", logger.GetLevel())
	}
}

func TestLogWriterTeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowwatch.log")
	var stdout bytes.Buffer

	w := logWriter(Config{File: path, MaxSizeMB: 1}, &stdout)
	logger := zerolog.New(w)
	logger.Info().Str("component", "test").Msg("hello")

	if !strings.Contains(stdout.String(), "hello") {
		t.Fatalf("stdout should receive the line, got %q", stdout.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Fatalf("log file should receive the line, got %q", string(data))
	}
}
