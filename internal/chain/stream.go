package chain

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Stream merges the head and event subscriptions into one bounded, ordered
// channel. Sends block when the channel is full.
type Stream struct {
	ch   chan Notification
	seen *lru.Cache[uint64, struct{}]
}

func NewStream(queueSize, seenHeads int) (*Stream, error) {
	if queueSize < 1 {
		return nil, fmt.Errorf("queue size must be positive, got %d", queueSize)
	}
	seen, err := lru.New[uint64, struct{}](seenHeads)
	if err != nil {
		return nil, fmt.Errorf("failed to create head cache: %w", err)
	}
	return &Stream{
		ch:   make(chan Notification, queueSize),
		seen: seen,
	}, nil
}

// C is the consumer side of the stream.
func (s *Stream) C() <-chan Notification {
	return s.ch
}

// PushHead enqueues a head unless its block number was already delivered.
// Returns false if ctx ended before the head could be queued.
func (s *Stream) PushHead(ctx context.Context, h Header) bool {
	if found, _ := s.seen.ContainsOrAdd(h.Number, struct{}{}); found {
		return true
	}
	return s.push(ctx, Notification{Kind: KindHead, Header: h})
}

// PushEvents enqueues an event batch. Empty batches are dropped.
func (s *Stream) PushEvents(ctx context.Context, events []Event) bool {
	if len(events) == 0 {
		return true
	}
	return s.push(ctx, Notification{Kind: KindEvents, Events: events})
}

func (s *Stream) push(ctx context.Context, n Notification) bool {
	select {
	case s.ch <- n:
		return true
	case <-ctx.Done():
		return false
	}
}
