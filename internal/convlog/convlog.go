// Package convlog writes NDJSON conversation logs, one file per
// user/session plus an optional global feed. Writes are asynchronous
// through a bounded queue; overflow drops events rather than blocking
// the chat path.
package convlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Event is one logged conversation event.
type Event struct {
	Timestamp  string         `json:"timestamp"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger records conversation events.
type Logger interface {
	Log(event Event)
	Close() error
}

// Config controls the NDJSON logger.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// NopLogger discards all events.
type NopLogger struct{}

func (NopLogger) Log(Event)    {}
func (NopLogger) Close() error { return nil }

type fileLogger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Event
	done   chan struct{}
}

// New creates a conversation logger. When disabled it returns a
// NopLogger so callers never need a nil check.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return NopLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create conversation log directory: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0755); err != nil {
			return nil, fmt.Errorf("create global log directory: %w", err)
		}
	}

	l := &fileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go l.drain()
	return l, nil
}

// Log enqueues an event. Drops on a full queue.
func (l *fileLogger) Log(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" {
		event.Content = CleanForReadability(event.ContentRaw)
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("conversation log queue full, dropping event",
			"user_id", event.UserID,
			"event_type", event.EventType,
		)
	}
}

// Close stops the writer after flushing queued events.
func (l *fileLogger) Close() error {
	close(l.queue)
	<-l.done
	return nil
}

func (l *fileLogger) drain() {
	defer close(l.done)
	for event := range l.queue {
		l.write(event)
	}
}

func (l *fileLogger) write(event Event) {
	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("failed to marshal conversation event", "error", err)
		return
	}
	line = append(line, '\n')

	userID := sanitizePathComponent(event.UserID)
	sessionID := sanitizePathComponent(event.SessionID)

	dir := filepath.Join(l.cfg.Dir, userID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		l.logger.Warn("failed to create conversation log directory", "error", err, "dir", dir)
		return
	}
	appendLine(l.logger, filepath.Join(dir, sessionID+".ndjson"), line)

	if l.cfg.GlobalEnabled {
		appendLine(l.logger, l.cfg.GlobalPath, line)
	}
}

func appendLine(logger *slog.Logger, path string, line []byte) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Warn("failed to open conversation log file", "error", err, "path", path)
		return
	}
	if _, err := f.Write(line); err != nil {
		logger.Warn("failed to write conversation log line", "error", err, "path", path)
	}
	if err := f.Close(); err != nil {
		logger.Warn("failed to close conversation log file", "error", err, "path", path)
	}
}

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._:-]`)
)

// CleanForReadability strips ANSI escape sequences and control
// characters so log lines stay readable in a pager.
func CleanForReadability(raw string) string {
	clean := ansiPattern.ReplaceAllString(raw, "")
	clean = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, clean)
	return clean
}

func sanitizePathComponent(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}
