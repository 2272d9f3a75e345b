package inventory

import (
	"context"
	"fmt"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-prepaid-orders/internal/events"
	kafkax "github.com/ariefcatur/go-prepaid-orders/internal/kafka"
)

// Deduper remembers which events were already handled.
type Deduper interface {
	FirstSeen(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// Worker runs a full resync for every inventory.resync.requested event.
type Worker struct {
	Reconciler *Reconciler
	Dedup      Deduper
	Logger     *slog.Logger
}

// HandleResyncRequested is installed as the consumer handler.
func (w *Worker) HandleResyncRequested(ctx context.Context, m kafkago.Message) error {
	log := w.Logger
	if log == nil {
		log = slog.Default()
	}

	env, err := kafkax.DecodeEnvelope(m)
	if err != nil {
		// poison message; committing it is the only way past it
		log.Error("drop undecodable message", "offset", m.Offset, "err", err)
		return nil
	}
	if env.EventType != events.EventResyncRequested {
		return nil
	}

	if w.Dedup != nil {
		first, err := w.Dedup.FirstSeen(ctx, env.EventID)
		if err != nil {
			return fmt.Errorf("dedup %s: %w", env.EventID, err)
		}
		if !first {
			log.Info("resync request already handled", "event_id", env.EventID)
			return nil
		}
	}

	var p events.ResyncRequestedPayload
	if len(env.Payload) > 0 {
		if p, err = kafkax.UnwrapPayload[events.ResyncRequestedPayload](env.Payload); err != nil {
			log.Warn("resync request payload unreadable", "event_id", env.EventID, "err", err)
		}
	}

	ctx = events.WithTraceID(ctx, env.TraceID)
	rep, err := w.Reconciler.FullResync(ctx)
	if err != nil {
		if w.Dedup != nil {
			_ = w.Dedup.Forget(ctx, env.EventID)
		}
		return fmt.Errorf("resync for %s: %w", env.EventID, err)
	}

	log.Info("resync request handled",
		"event_id", env.EventID,
		"requested_by", p.RequestedBy,
		"run_id", rep.RunID,
		"synced", rep.SyncedCount,
		"errors", rep.ErrorCount,
	)
	return nil
}
