// Package notify delivers user-facing event notifications. Delivery is
// best-effort: the system of record is the database, notifications are a
// courtesy.
package notify

import (
	"context"
	"encoding/json"
	"log"
)

// Sender pushes one event to whatever channel is configured (SMS gateway,
// push service). Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, topic string, payload map[string]any) error
}

// LogSender writes events to the process log. It is the default sender in
// development and a fallback when no gateway is configured.
type LogSender struct {
	logger *log.Logger
}

func NewLogSender(logger *log.Logger) *LogSender {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, topic string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.logger.Printf("notify %s %s", topic, b)
	return nil
}
