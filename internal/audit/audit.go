// Package audit records gateway events such as failed logins and upstream outcomes.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an audit entry.
type EventType string

const (
	EventAction         EventType = "action"
	EventAuthFailed     EventType = "auth_failed"
	EventRateLimited    EventType = "rate_limited"
	EventOrderPlaced    EventType = "order_placed"
	EventDispatchOK     EventType = "dispatch_ok"
	EventDispatchFailed EventType = "dispatch_failed"
)

// Entry is one audit record.
type Entry struct {
	ID          string
	RequestID   string
	Event       EventType
	Client      string // client origin used for rate limiting
	Username    string
	Action      string
	ReferenceID string
	Message     string
	CreatedAt   time.Time
}

// NewEntry creates an Entry with a fresh id and timestamp.
func NewEntry(event EventType) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		Event:     event,
		CreatedAt: time.Now().UTC(),
	}
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, entry *Entry) error
}

// LogRecorder writes entries to the diagnostic log.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder creates a LogRecorder writing to logger.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

// Record implements Recorder.
func (r *LogRecorder) Record(ctx context.Context, entry *Entry) error {
	attrs := []any{"request_id", entry.RequestID}
	if entry.Client != "" {
		attrs = append(attrs, "client", entry.Client)
	}
	if entry.Username != "" {
		attrs = append(attrs, "username", entry.Username)
	}
	if entry.Action != "" {
		attrs = append(attrs, "action", entry.Action)
	}
	if entry.ReferenceID != "" {
		attrs = append(attrs, "reference_id", entry.ReferenceID)
	}
	if entry.Message != "" {
		attrs = append(attrs, "message", entry.Message)
	}

	level := slog.LevelInfo
	if entry.Event == EventAuthFailed || entry.Event == EventDispatchFailed {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, strings.ToUpper(string(entry.Event)), attrs...)
	return nil
}

// Multi fans an entry out to several recorders.
type Multi []Recorder

// Record implements Recorder. Every recorder is tried; errors are joined.
func (m Multi) Record(ctx context.Context, entry *Entry) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every entry.
type Discard struct{}

// Record implements Recorder.
func (Discard) Record(context.Context, *Entry) error { return nil }
