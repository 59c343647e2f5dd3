package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log line
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// String returns the upper-case level name
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string to a Level, defaulting to info
func ParseLevel(level string) Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Format selects text or JSON lines
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat converts a config string to a Format, defaulting to text
func ParseFormat(format string) Format {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return FormatJSON
	}
	return FormatText
}

// Fields are structured key/value pairs attached to a log line
type Fields map[string]interface{}

// Config holds logger configuration
type Config struct {
	Level  Level
	Format Format
	Output io.Writer

	// FilePath, when set, mirrors every line into the file.
	FilePath string
	// MaxFileSize truncates the file once it grows past this many bytes.
	MaxFileSize int64
}

// Logger writes leveled lines to stdout and an optional log file
type Logger struct {
	level  Level
	format Format
	out    *output
	fields Fields
}

// output is shared between a Logger and the loggers derived from it
type output struct {
	mu       sync.Mutex
	w        io.Writer
	stdout   io.Writer
	file     *os.File
	filePath string
	maxSize  int64
	exit     func(int)
}

// New creates a text logger on stdout at info level, or debug level when debug is set
func New(debug bool) *Logger {
	level := LevelInfo
	if debug {
		level = LevelDebug
	}
	l, _ := NewWithConfig(Config{Level: level, Format: FormatText})
	return l
}

// NewWithConfig creates a logger from an explicit configuration
func NewWithConfig(cfg Config) (*Logger, error) {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	out := &output{
		w:        cfg.Output,
		stdout:   cfg.Output,
		filePath: cfg.FilePath,
		maxSize:  cfg.MaxFileSize,
		exit:     os.Exit,
	}

	if cfg.FilePath != "" {
		if err := out.openFile(); err != nil {
			return nil, err
		}
	}

	return &Logger{
		level:  cfg.Level,
		format: cfg.Format,
		out:    out,
		fields: Fields{},
	}, nil
}

// openFile opens the mirror file and points the writer at stdout+file.
// Must be called with mu held or before the logger is shared.
func (o *output) openFile() error {
	file, err := os.OpenFile(o.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	o.file = file
	o.w = io.MultiWriter(o.stdout, file)
	return nil
}

// truncateIfFull resets the mirror file once it passes maxSize.
// Must be called with mu held.
func (o *output) truncateIfFull() {
	if o.file == nil || o.maxSize <= 0 {
		return
	}

	info, err := o.file.Stat()
	if err != nil || info.Size() < o.maxSize {
		return
	}

	o.file.Close()
	if err := os.Truncate(o.filePath, 0); err != nil {
		o.file = nil
		o.w = o.stdout
		return
	}
	if err := o.openFile(); err != nil {
		o.file = nil
		o.w = o.stdout
	}
}

type entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component,omitempty"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
}

func (l *Logger) log(level Level, component, message string, fields Fields) {
	if level < l.level {
		return
	}

	all := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}

	e := entry{
		Timestamp: time.Now().Format("2006/01/02 15:04:05.000000"),
		Level:     level.String(),
		Component: component,
		Message:   message,
	}
	if len(all) > 0 {
		e.Fields = all
	}

	var line string
	switch l.format {
	case FormatJSON:
		data, err := json.Marshal(e)
		if err != nil {
			line = fmt.Sprintf("%s [%s] %s\n", e.Timestamp, e.Level, message)
		} else {
			line = string(data) + "\n"
		}
	default:
		var b strings.Builder
		b.WriteString(e.Timestamp)
		b.WriteString(" [" + e.Level + "]")
		if component != "" {
			b.WriteString(" [" + component + "]")
		}
		b.WriteString(" " + message)
		if len(all) > 0 {
			keys := make([]string, 0, len(all))
			for k := range all {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			b.WriteString(" |")
			for _, k := range keys {
				fmt.Fprintf(&b, " %s=%v", k, all[k])
			}
		}
		b.WriteString("\n")
		line = b.String()
	}

	l.out.mu.Lock()
	l.out.truncateIfFull()
	fmt.Fprint(l.out.w, line)
	l.out.mu.Unlock()

	if level == LevelFatal {
		l.out.exit(1)
	}
}

// WithFields returns a logger that attaches fields to every line
func (l *Logger) WithFields(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{level: l.level, format: l.format, out: l.out, fields: merged}
}

// DebugEnabled reports whether debug lines are written
func (l *Logger) DebugEnabled() bool {
	return l.level <= LevelDebug
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, "", fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, "", fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, "", fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, "", fmt.Sprintf(format, args...), nil)
}

// Fatal logs and exits the process
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.log(LevelFatal, "", fmt.Sprintf(format, args...), nil)
}

// Close closes the mirror file, if any
func (l *Logger) Close() error {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	if l.out.file == nil {
		return nil
	}
	err := l.out.file.Close()
	l.out.file = nil
	l.out.w = l.out.stdout
	return err
}

// With returns a logger that tags every line with a component name
func (l *Logger) With(component string) *ContextLogger {
	return &ContextLogger{logger: l, component: component}
}

// ContextLogger is a Logger bound to one component
type ContextLogger struct {
	logger    *Logger
	component string
	fields    Fields
}

// WithFields returns a copy carrying additional fields
func (c *ContextLogger) WithFields(fields Fields) *ContextLogger {
	return &ContextLogger{
		logger:    c.logger,
		component: c.component,
		fields:    c.merge(fields),
	}
}

func (c *ContextLogger) merge(fields Fields) Fields {
	all := make(Fields, len(c.fields)+len(fields))
	for k, v := range c.fields {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}
	return all
}

func (c *ContextLogger) Info(format string, args ...interface{}) {
	c.logger.log(LevelInfo, c.component, fmt.Sprintf(format, args...), c.fields)
}

func (c *ContextLogger) InfoWithFields(message string, fields Fields) {
	c.logger.log(LevelInfo, c.component, message, c.merge(fields))
}

func (c *ContextLogger) Error(format string, args ...interface{}) {
	c.logger.log(LevelError, c.component, fmt.Sprintf(format, args...), c.fields)
}

func (c *ContextLogger) ErrorWithFields(message string, fields Fields) {
	c.logger.log(LevelError, c.component, message, c.merge(fields))
}

func (c *ContextLogger) Debug(format string, args ...interface{}) {
	c.logger.log(LevelDebug, c.component, fmt.Sprintf(format, args...), c.fields)
}

func (c *ContextLogger) DebugWithFields(message string, fields Fields) {
	c.logger.log(LevelDebug, c.component, message, c.merge(fields))
}

func (c *ContextLogger) Warn(format string, args ...interface{}) {
	c.logger.log(LevelWarn, c.component, fmt.Sprintf(format, args...), c.fields)
}

func (c *ContextLogger) WarnWithFields(message string, fields Fields) {
	c.logger.log(LevelWarn, c.component, message, c.merge(fields))
}

func (c *ContextLogger) Fatal(format string, args ...interface{}) {
	c.logger.log(LevelFatal, c.component, fmt.Sprintf(format, args...), c.fields)
}

// Discard returns a logger that drops every line, fatal included
func Discard() *Logger {
	l, _ := NewWithConfig(Config{Level: LevelFatal + 1, Output: io.Discard})
	return l
}
