package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

// fakeBroker keeps one log and a group offset per partition. A commit sets the
// group offset to the committed message's offset plus one, as Kafka does.
type fakeBroker struct {
	mu        sync.Mutex
	log       []kafka.Message
	committed map[int]int64
}

func newFakeBroker(msgs ...kafka.Message) *fakeBroker {
	return &fakeBroker{log: msgs, committed: map[int]int64{}}
}

func (b *fakeBroker) offset(partition int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed[partition]
}

// reader starts a new group member that resumes from the committed offsets.
func (b *fakeBroker) reader() *fakeReader {
	b.mu.Lock()
	defer b.mu.Unlock()
	fr := &fakeReader{b: b}
	for _, m := range b.log {
		if m.Offset >= b.committed[m.Partition] {
			fr.queue = append(fr.queue, m)
		}
	}
	return fr
}

type fakeReader struct {
	b      *fakeBroker
	mu     sync.Mutex
	queue  []kafka.Message
	closed bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		m := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.b.mu.Lock()
	defer f.b.mu.Unlock()
	for _, m := range msgs {
		f.b.committed[m.Partition] = m.Offset + 1
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConsumer_CommitsAndKeepsKeyOrder(t *testing.T) {
	var msgs []kafka.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, kafka.Message{
			Key:    []byte(fmt.Sprintf("order-%d", i%3)),
			Value:  []byte(fmt.Sprint(i)),
			Offset: int64(i),
		})
	}
	broker := newFakeBroker(msgs...)
	fr := broker.reader()
	c := newConsumer(fr, 4, quietLogger())

	var mu sync.Mutex
	seen := map[string][]int64{}
	h := func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		seen[string(m.Key)] = append(seen[string(m.Key)], m.Offset)
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, h) }()

	waitFor(t, func() bool { return broker.offset(0) == 20 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned %v", err)
	}
	if !fr.closed {
		t.Fatal("reader not closed")
	}

	mu.Lock()
	defer mu.Unlock()
	for key, offs := range seen {
		for i := 1; i < len(offs); i++ {
			if offs[i] < offs[i-1] {
				t.Fatalf("key %s handled out of order: %v", key, offs)
			}
		}
	}
}

func TestConsumer_FailedMessageIsRedelivered(t *testing.T) {
	broker := newFakeBroker(
		kafka.Message{Key: []byte("bad"), Offset: 1},
		kafka.Message{Key: []byte("good"), Offset: 2},
		kafka.Message{Key: []byte("good"), Offset: 3},
	)

	var mu sync.Mutex
	calls := map[int64]int{}
	failing := true
	h := func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls[m.Offset]++
		if failing && string(m.Key) == "bad" {
			return errors.New("boom")
		}
		return nil
	}
	handled := func(off int64, n int) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return calls[off] >= n
		}
	}

	// Later offsets succeed on another lane but must not move the group
	// offset past the failed one.
	c := newConsumer(broker.reader(), 2, quietLogger())
	c.retryBase = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, h) }()

	waitFor(t, handled(1, handlerAttempts))
	waitFor(t, handled(3, 1))
	cancel()
	<-done

	if got := broker.offset(0); got != 0 {
		t.Fatalf("group offset = %d after failure, want 0", got)
	}

	// A restarted member fetches the failed offset again.
	mu.Lock()
	failing = false
	mu.Unlock()
	c = newConsumer(broker.reader(), 2, quietLogger())
	ctx, cancel = context.WithCancel(context.Background())
	go func() { done <- c.Start(ctx, h) }()

	waitFor(t, func() bool { return broker.offset(0) == 4 })
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if calls[1] != handlerAttempts+1 {
		t.Fatalf("offset 1 handled %d times, want %d", calls[1], handlerAttempts+1)
	}
}

func TestOffsetTracker_CommitsContiguousPrefix(t *testing.T) {
	tr := newOffsetTracker()
	m1 := kafka.Message{Partition: 0, Offset: 10}
	m2 := kafka.Message{Partition: 0, Offset: 12} // gap left by compaction
	m3 := kafka.Message{Partition: 1, Offset: 5}
	for _, m := range []kafka.Message{m1, m2, m3} {
		tr.fetched(m)
	}

	if _, ok := tr.done(m2); ok {
		t.Fatal("offset 12 committable before 10 finished")
	}
	if got, ok := tr.done(m3); !ok || got.Offset != 5 {
		t.Fatalf("partition 1 prefix = %v/%v, want 5", got.Offset, ok)
	}
	got, ok := tr.done(m1)
	if !ok || got.Offset != 12 {
		t.Fatalf("partition 0 prefix = %v/%v, want 12", got.Offset, ok)
	}

	if !tr.advance(got) {
		t.Fatal("first advance rejected")
	}
	if tr.advance(m1) {
		t.Fatal("advance moved partition 0 backwards")
	}
}

func TestLaneOf(t *testing.T) {
	a := laneOf(kafka.Message{Key: []byte("k1")}, 8)
	for i := 0; i < 5; i++ {
		if laneOf(kafka.Message{Key: []byte("k1")}, 8) != a {
			t.Fatal("same key routed to different lanes")
		}
	}
	if got := laneOf(kafka.Message{Partition: 5}, 4); got != 1 {
		t.Fatalf("keyless lane = %d, want 1", got)
	}
}
