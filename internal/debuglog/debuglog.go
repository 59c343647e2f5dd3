// Package debuglog keeps a JSON-lines journal of call events on disk.
// Only events and counters are recorded, never audio or transcript text.
package debuglog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lucianHymer/voicecall/internal/logger"
)

const (
	// DefaultMaxSize is the size at which the journal rotates
	DefaultMaxSize = 8 * 1024 * 1024

	// RotatedSuffix is appended to the journal path on rotation
	RotatedSuffix = ".1"
)

// Entry is a single journal line
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Type      string                 `json:"type"`
	Seq       int                    `json:"seq"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Journal appends entries with size-based rotation
type Journal struct {
	file     *os.File
	mu       sync.Mutex
	path     string
	maxSize  int64
	seq      int
	disabled bool
	logger   *logger.ContextLogger
}

// New opens the journal at path.
// If path is empty string, journaling is disabled
func New(path string, maxSize int64, log *logger.Logger) (*Journal, error) {
	if path == "" {
		return &Journal{disabled: true}, nil
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	j := &Journal{
		file:    file,
		path:    path,
		maxSize: maxSize,
		logger:  log.With("journal"),
	}

	// Rotate on startup if the previous run left a full file
	if err := j.checkRotation(); err != nil {
		file.Close()
		return nil, err
	}

	return j, nil
}

// Path returns the expanded journal path
func (j *Journal) Path() string { return j.path }

// Record implements call.Journal. Write failures are logged, not returned.
func (j *Journal) Record(kind string, fields map[string]interface{}) {
	if err := j.Write(kind, fields); err != nil {
		j.logger.Warn("Journal write failed: %v", err)
	}
}

// Write appends one entry and syncs it to disk
func (j *Journal) Write(kind string, fields map[string]interface{}) error {
	if j.disabled {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      kind,
		Seq:       j.seq,
		Fields:    fields,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}

	return j.checkRotation()
}

// checkRotation moves a full journal aside and starts a new one
func (j *Journal) checkRotation() error {
	info, err := j.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat journal: %w", err)
	}

	if info.Size() < j.maxSize {
		return nil
	}

	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}

	rotatedPath := j.path + RotatedSuffix
	os.Remove(rotatedPath)
	if err := os.Rename(j.path, rotatedPath); err != nil {
		return fmt.Errorf("failed to rotate journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open new journal: %w", err)
	}

	j.file = file
	return nil
}

// Close closes the journal file
func (j *Journal) Close() error {
	if j.disabled {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	return j.file.Close()
}
