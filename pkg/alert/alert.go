// Package alert raises operator-visible notifications for ETL failures that
// need intervention. Delivery is delegated to a Sink.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type classifies an alert
type Type string

const (
	// TypeTransformationError is raised when a transform definition is broken
	TypeTransformationError Type = "etl_transformation_error"
	// TypeLoadError is raised when a sink keeps rejecting batches
	TypeLoadError Type = "etl_load_error"
)

// Severity of an alert
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert is a single notification
type Alert struct {
	ID        string
	Type      Type
	Severity  Severity
	Key       string // deduplication key, the process name
	Tag       string
	Title     string
	Message   string
	CreatedAt time.Time
}

// New creates an alert with a fresh ID and timestamp
func New(typ Type, severity Severity, tag, key, title, message string) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Type:      typ,
		Severity:  severity,
		Key:       key,
		Tag:       tag,
		Title:     title,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}

// Sink delivers alerts
type Sink interface {
	Raise(ctx context.Context, a Alert) error
}

// LogSink writes alerts to a zap logger
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.With(zap.String("component", "alerts"))}
}

// Raise implements Sink
func (s *LogSink) Raise(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("key", a.Key),
		zap.String("tag", a.Tag),
		zap.String("title", a.Title),
		zap.String("message", a.Message),
	}
	switch a.Severity {
	case SeverityError:
		s.logger.Error("alert raised", fields...)
	case SeverityWarning:
		s.logger.Warn("alert raised", fields...)
	default:
		s.logger.Info("alert raised", fields...)
	}
	return nil
}

// MemorySink records alerts in memory
type MemorySink struct {
	mu     sync.Mutex
	alerts []Alert
}

// Raise implements Sink
func (s *MemorySink) Raise(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

// Alerts returns a copy of the recorded alerts
func (s *MemorySink) Alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

// Multi fans an alert out to several sinks. Every sink is tried; the first
// error is returned.
type Multi []Sink

// Raise implements Sink
func (m Multi) Raise(ctx context.Context, a Alert) error {
	var first error
	for _, s := range m {
		if err := s.Raise(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}
