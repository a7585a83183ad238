package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"trader/internal/schema"
)

func TestTryPublishAndDrain(t *testing.T) {
	q := NewQueue(2)
	if err := q.TryPublish(Event{Header: schema.EventHeader{Seq: 1}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := q.TryPublish(Event{Header: schema.EventHeader{Seq: 2}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := q.TryPublish(Event{Header: schema.EventHeader{Seq: 3}}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}

	q.Close()
	var seqs []uint64
	q.Run(context.Background(), func(e Event) {
		seqs = append(seqs, e.Header.Seq)
	})
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("drain order mismatch: %v", seqs)
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	if err := q.TryPublish(Event{}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected queue closed, got %v", err)
	}
	if err := q.Publish(context.Background(), Event{}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected queue closed, got %v", err)
	}
	// double close is safe
	q.Close()
}

func TestPublishBlocksUntilContextDone(t *testing.T) {
	q := NewQueue(1)
	if err := q.TryPublish(Event{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, Event{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, func(Event) {})
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop on cancel")
	}
}
