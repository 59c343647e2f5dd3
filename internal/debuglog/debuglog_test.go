package debuglog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/lucianHymer/voicecall/internal/logger"
)

func TestNew(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "calls.log")

	j, err := New(logPath, 0, logger.Discard())
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}
	defer j.Close()

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Error("Journal file was not created")
	}
	if j.maxSize != DefaultMaxSize {
		t.Errorf("Expected default max size, got %d", j.maxSize)
	}
}

func TestDisabledJournal(t *testing.T) {
	j, err := New("", 0, logger.Discard())
	if err != nil {
		t.Fatalf("Failed to create disabled journal: %v", err)
	}
	defer j.Close()

	if err := j.Write("segment", nil); err != nil {
		t.Errorf("Disabled journal should not error: %v", err)
	}
	j.Record("segment", map[string]interface{}{"reason": "silence"})
}

func TestRecord(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "calls.log")

	j, err := New(logPath, 0, logger.Discard())
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}

	j.Record("call_start", map[string]interface{}{"format": "wav"})
	j.Record("segment", map[string]interface{}{"reason": "silence", "final_bytes": 3200})
	j.Record("call_end", nil)
	j.Close()

	entries := readEntries(t, logPath)
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}

	kinds := []string{"call_start", "segment", "call_end"}
	for i, entry := range entries {
		if entry.Type != kinds[i] {
			t.Errorf("Entry %d: expected type %s, got %s", i, kinds[i], entry.Type)
		}
		if entry.Seq != i+1 {
			t.Errorf("Entry %d: expected seq %d, got %d", i, i+1, entry.Seq)
		}
		if entry.Timestamp == "" {
			t.Errorf("Entry %d: missing timestamp", i)
		}
	}

	if entries[1].Fields["reason"] != "silence" {
		t.Errorf("Expected reason silence, got %v", entries[1].Fields["reason"])
	}
	// JSON numbers decode as float64
	if entries[1].Fields["final_bytes"] != float64(3200) {
		t.Errorf("Expected final_bytes 3200, got %v", entries[1].Fields["final_bytes"])
	}
	if entries[2].Fields != nil {
		t.Errorf("Expected no fields on call_end, got %v", entries[2].Fields)
	}
}

func TestRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "calls.log")
	rotatedPath := logPath + RotatedSuffix
	const maxSize = 4096

	j, err := New(logPath, maxSize, logger.Discard())
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}
	defer j.Close()

	for i := 0; i < 200; i++ {
		if err := j.Write("playback", map[string]interface{}{"ref": "http://localhost:8080/audio/reply.wav"}); err != nil {
			t.Fatalf("Failed to write entry %d: %v", i, err)
		}
	}

	rotatedInfo, err := os.Stat(rotatedPath)
	if err != nil {
		t.Fatalf("Rotated journal was not created: %v", err)
	}
	if rotatedInfo.Size() == 0 {
		t.Error("Rotated journal is empty")
	}

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("Failed to stat journal: %v", err)
	}
	if info.Size() >= maxSize {
		t.Errorf("Journal size %d exceeds max size %d after rotation", info.Size(), maxSize)
	}
}

func TestHomeDirectoryExpansion(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	j, err := New("~/.voicecall/calls.log", 0, logger.Discard())
	if err != nil {
		t.Fatalf("Failed to create journal with ~ path: %v", err)
	}
	defer j.Close()

	expected := filepath.Join(home, ".voicecall", "calls.log")
	if j.Path() != expected {
		t.Errorf("Expected path %s, got %s", expected, j.Path())
	}
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("Failed to unmarshal entry: %v", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Scanner error: %v", err)
	}
	return entries
}
