package session

import (
	"context"
	"sync"
)

// mailbox is the unbounded FIFO queue feeding a session's processing loop.
// Push never blocks the caller; Wait parks until a message or cancellation
// arrives.
type mailbox struct {
	mu     sync.Mutex
	items  []string
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// Push appends a message to the queue.
func (b *mailbox) Push(text string) {
	b.mu.Lock()
	b.items = append(b.items, text)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Wait returns the next queued message in arrival order. It blocks until a
// message is available, or returns false once ctx is cancelled.
func (b *mailbox) Wait(ctx context.Context) (string, bool) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			item := b.items[0]
			b.items = b.items[1:]
			remaining := len(b.items)
			b.mu.Unlock()

			if remaining > 0 {
				// Keep the signal armed for the next Wait.
				select {
				case b.signal <- struct{}{}:
				default:
				}
			}
			return item, true
		}
		b.mu.Unlock()

		select {
		case <-b.signal:
		case <-ctx.Done():
			return "", false
		}
	}
}

// Len reports how many messages are queued.
func (b *mailbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
