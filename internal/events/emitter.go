package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is one outbound record. The kafka producer is the production
// Sender; Recorder keeps messages in memory.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	EventType string
}

type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Emitter wraps payloads in an Envelope and hands them to a Sender. A nil
// Emitter, or one without a Sender, drops everything.
type Emitter struct {
	sender   Sender
	producer string
	logger   *slog.Logger
}

func NewEmitter(sender Sender, producer string, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{sender: sender, producer: producer, logger: logger}
}

func (e *Emitter) Emit(ctx context.Context, topic, eventType, correlationID string, payload any) error {
	if e == nil || e.sender == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal %s payload: %w", eventType, err)
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  EnvelopeVersion,
		OccurredAt:    time.Now().UTC(),
		Producer:      e.producer,
		TraceID:       TraceID(ctx),
		CorrelationID: correlationID,
		Payload:       raw,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}

	if err := e.sender.Send(ctx, Message{
		Topic:     topic,
		Key:       PartitionKey(correlationID),
		Value:     b,
		EventType: eventType,
	}); err != nil {
		e.logger.Warn("event not sent", "topic", topic, "event_type", eventType, "correlation_id", correlationID, "err", err)
		return err
	}
	return nil
}

type traceKey struct{}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// Recorder is an in-memory Sender.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *Recorder) Send(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// Envelopes decodes the recorded messages sent to topic.
func (r *Recorder) Envelopes(topic string) []Envelope {
	var out []Envelope
	for _, m := range r.Messages() {
		if m.Topic != topic {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(m.Value, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}
