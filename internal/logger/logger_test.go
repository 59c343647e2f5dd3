package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithConfig(Config{Level: LevelWarn, Output: &buf})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	l.Info("hidden %d", 1)
	l.Debug("hidden too")
	l.Warn("shown %s", "warn")
	l.Error("shown error")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Expected info/debug lines to be filtered, got %q", out)
	}
	if !strings.Contains(out, "[WARN] shown warn") {
		t.Errorf("Expected warn line, got %q", out)
	}
	if !strings.Contains(out, "[ERROR] shown error") {
		t.Errorf("Expected error line, got %q", out)
	}
}

func TestContextLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l, _ := NewWithConfig(Config{Level: LevelDebug, Output: &buf})

	c := l.With("transport").WithFields(Fields{"session": 2})
	c.InfoWithFields("opened", Fields{"url": "ws://x"})

	line := buf.String()
	if !strings.Contains(line, "[INFO] [transport] opened") {
		t.Errorf("Missing component tag: %q", line)
	}
	if !strings.Contains(line, "| session=2 url=ws://x") {
		t.Errorf("Expected sorted fields, got %q", line)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, _ := NewWithConfig(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})

	l.With("call").InfoWithFields("state changed", Fields{"state": "listening"})

	var e entry
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatalf("Expected JSON line, got %q: %v", buf.String(), err)
	}
	if e.Component != "call" || e.Level != "INFO" || e.Message != "state changed" {
		t.Errorf("Unexpected entry: %+v", e)
	}
	if e.Fields["state"] != "listening" {
		t.Errorf("Expected state field, got %v", e.Fields)
	}
}

func TestFileMirrorTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")
	var buf bytes.Buffer
	l, err := NewWithConfig(Config{Level: LevelInfo, Output: &buf, FilePath: path, MaxFileSize: 200})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer l.Close()

	for i := 0; i < 20; i++ {
		l.Info("line number %d with some padding to grow the file", i)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Log file missing: %v", err)
	}
	if info.Size() > 400 {
		t.Errorf("Expected file to be truncated near 200 bytes, got %d", info.Size())
	}
	if strings.Count(buf.String(), "\n") != 20 {
		t.Errorf("Expected all 20 lines on stdout writer")
	}
}

func TestFatalCallsExit(t *testing.T) {
	var buf bytes.Buffer
	l, _ := NewWithConfig(Config{Level: LevelInfo, Output: &buf})
	code := -1
	l.out.exit = func(c int) { code = c }

	l.With("main").Fatal("boom")
	if code != 1 {
		t.Errorf("Expected exit(1), got %d", code)
	}
}

func TestParseHelpers(t *testing.T) {
	if ParseLevel("WARNING") != LevelWarn || ParseLevel("nope") != LevelInfo {
		t.Error("ParseLevel mismatch")
	}
	if ParseFormat("JSON") != FormatJSON || ParseFormat("") != FormatText {
		t.Error("ParseFormat mismatch")
	}
}
