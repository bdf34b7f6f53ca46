// Package notify delivers end-of-run events. Delivery is best-effort: callers
// record a failed Notify, they never abort on it.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/tradepipe/pkg/models"
)

type Sink interface {
	Notify(ctx context.Context, event models.Event) error
	Name() string
}

// NewEvent stamps an event with an N- prefixed id and the current time.
func NewEvent(eventType models.EventType, title, message string) models.Event {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return models.Event{
		ID:      "N-" + id[:12],
		Title:   title,
		Type:    eventType,
		Message: message,
		Time:    time.Now().UTC(),
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Notify(ctx context.Context, event models.Event) error {
	s.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"title":      event.Title,
	}).Info(event.Message)
	return nil
}

// New resolves a sink by configured method name.
func New(method string, tg TelegramConfig, logger *logrus.Logger) (Sink, error) {
	switch strings.ToLower(method) {
	case "", "log", "stdout":
		return NewLogSink(logger), nil
	case "telegram":
		return NewTelegramSink(tg, logger), nil
	default:
		return nil, fmt.Errorf("unknown notify method %q", method)
	}
}
