package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nkiryanov/schoolgate/internal/logger"
	"github.com/nkiryanov/schoolgate/internal/metrics"
)

// Topics and event types
const (
	TopicUsers      = "users"
	TopicAuthEvents = "auth.events"

	TypeUserCreated    = "CREATE"
	TypeUserUpdated    = "UPDATE"
	TypeUserDeleted    = "DELETE"
	TypeSessionRevoked = "session.revoked"
)

// Message shape shared by every topic
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type EventHandler func(ctx context.Context, data json.RawMessage) error

// Dispatcher routes messages of one topic to handlers by event type
type Dispatcher struct {
	topic    string
	handlers map[string]EventHandler
	logger   logger.Logger
}

func NewDispatcher(topic string, l logger.Logger) *Dispatcher {
	return &Dispatcher{
		topic:    topic,
		handlers: make(map[string]EventHandler),
		logger:   l.With("component", "events.dispatcher", "topic", topic),
	}
}

func (d *Dispatcher) On(eventType string, h EventHandler) *Dispatcher {
	d.handlers[eventType] = h
	return d
}

// Handle decodes message and runs its handler
// Malformed and unknown messages are dropped: redelivery won't fix them
func (d *Dispatcher) Handle(ctx context.Context, _ []byte, value []byte) error {
	var e Envelope
	if err := json.Unmarshal(value, &e); err != nil || e.Type == "" {
		d.logger.Warn("Malformed event dropped", "error", err)
		metrics.EventsConsumed.WithLabelValues(d.topic, "malformed").Inc()
		return nil
	}

	h, ok := d.handlers[e.Type]
	if !ok {
		d.logger.Debug("Event type ignored", "type", e.Type)
		metrics.EventsConsumed.WithLabelValues(d.topic, "ignored").Inc()
		return nil
	}

	if err := h(ctx, e.Data); err != nil {
		metrics.EventsConsumed.WithLabelValues(d.topic, "failed").Inc()
		return fmt.Errorf("%s handler failed: %w", e.Type, err)
	}

	metrics.EventsConsumed.WithLabelValues(d.topic, "ok").Inc()
	return nil
}

// User id sent either as number or as numeric string
type UserID int64

func (id *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}

	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", b, err)
	}
	*id = UserID(v)
	return nil
}
