package kafka

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// Handler returns nil only when the message is done and its offset may be
// committed.
type Handler func(ctx context.Context, m kafka.Message) error

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	laneBuffer      = 64
	handlerAttempts = 3
)

// Consumer fans messages out to a fixed set of workers. Messages with the same
// key always land on the same worker, so per-key order is kept. Offsets are
// committed per partition only up to the first message that has not
// succeeded yet.
type Consumer struct {
	r         reader
	workers   int
	attempts  uint
	retryBase time.Duration
	logger    *slog.Logger

	offsets *offsetTracker
	commitM sync.Mutex
}

func NewConsumer(brokers []string, group, topic string, workers int, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if logger == nil {
		logger = slog.Default()
	}
	return newConsumer(r, workers, logger.With("topic", topic, "group", group))
}

func newConsumer(r reader, workers int, logger *slog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		r:         r,
		workers:   workers,
		attempts:  handlerAttempts,
		retryBase: 200 * time.Millisecond,
		logger:    logger,
		offsets:   newOffsetTracker(),
	}
}

// Start blocks until ctx is cancelled or fetching fails. A cancelled context
// is a clean stop and returns nil. Start returns only after every worker has
// finished, so no commit is in flight when it does.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	lanes := make([]chan kafka.Message, c.workers)
	var g errgroup.Group
	for i := range lanes {
		lane := make(chan kafka.Message, laneBuffer)
		lanes[i] = lane
		g.Go(func() error {
			for m := range lane {
				c.process(ctx, h, m)
			}
			return nil
		})
	}

	var fetchErr error
	for ctx.Err() == nil {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				fetchErr = err
			}
			break
		}
		c.offsets.fetched(m)
		select {
		case lanes[laneOf(m, len(lanes))] <- m:
		case <-ctx.Done():
		}
	}

	for _, lane := range lanes {
		close(lane)
	}
	_ = g.Wait()
	return fetchErr
}

// process retries h with backoff. A message that still fails is never marked
// done, which holds its partition's commit below it; the group redelivers it
// and everything after it on the next rebalance or restart.
func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) {
	if ctx.Err() != nil {
		return
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBase
	b.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, h(ctx, m)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.attempts))
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("message not handled, partition commit held",
				"partition", m.Partition, "offset", m.Offset, "key", string(m.Key), "err", err)
		}
		return
	}

	upTo, ok := c.offsets.done(m)
	if !ok {
		return
	}
	c.commit(ctx, upTo)
}

// commit serializes commits so a lane never moves a partition backwards.
func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	c.commitM.Lock()
	defer c.commitM.Unlock()
	if !c.offsets.advance(m) {
		return
	}
	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		c.logger.Warn("commit failed", "partition", m.Partition, "offset", m.Offset, "err", err)
	}
}

func laneOf(m kafka.Message, n int) int {
	if len(m.Key) == 0 {
		return m.Partition % n
	}
	h := fnv.New32a()
	_, _ = h.Write(m.Key)
	return int(h.Sum32() % uint32(n))
}

// ─── offsets ────────────────────────────────────────────────────────────────

type partitionQueue struct {
	inflight []kafka.Message // fetch order
	done     map[int64]bool
}

// offsetTracker follows fetch order per partition. Offsets are not assumed to
// be contiguous, since compaction and transaction markers leave gaps.
type offsetTracker struct {
	mu        sync.Mutex
	parts     map[int]*partitionQueue
	committed map[int]int64
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: map[int]*partitionQueue{}, committed: map[int]int64{}}
}

func (t *offsetTracker) fetched(m kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.parts[m.Partition]
	if q == nil {
		q = &partitionQueue{done: map[int64]bool{}}
		t.parts[m.Partition] = q
	}
	q.inflight = append(q.inflight, m)
}

// done marks m finished and returns the last message of the finished prefix
// of its partition, if the prefix grew.
func (t *offsetTracker) done(m kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.parts[m.Partition]
	if q == nil {
		return kafka.Message{}, false
	}
	q.done[m.Offset] = true

	var last kafka.Message
	popped := false
	for len(q.inflight) > 0 && q.done[q.inflight[0].Offset] {
		last = q.inflight[0]
		delete(q.done, last.Offset)
		q.inflight = q.inflight[1:]
		popped = true
	}
	return last, popped
}

// advance records m as committed unless a later offset already was.
func (t *offsetTracker) advance(m kafka.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.committed[m.Partition]; ok && prev >= m.Offset {
		return false
	}
	t.committed[m.Partition] = m.Offset
	return true
}
