package events

import (
	"sync"

	"github.com/prime-system/prime-agent/internal/metrics"
)

// NoCursor is the cursor sentinel: strictly less than every assigned event
// id, so a first poll with NoCursor receives event id 0.
const NoCursor int64 = -1

// BufferedEvent is an event with its buffer-assigned id.
type BufferedEvent struct {
	ID int64 `json:"event_id"`
	Event
}

// Buffer is a bounded FIFO of events with monotonic ids and a drop counter.
// On overflow the oldest entry is evicted and DroppedBefore advances to the
// evicted id plus one. Ids are never reused, including across Clear.
type Buffer struct {
	mu            sync.Mutex
	entries       []BufferedEvent
	capacity      int
	nextID        int64
	droppedBefore int64
}

// NewBuffer creates a buffer holding at most capacity events.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{capacity: capacity}
}

// Append adds an event and returns its assigned id, evicting the oldest
// entry first when the buffer is full.
func (b *Buffer) Append(ev Event) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) >= b.capacity {
		evicted := b.entries[0]
		b.entries = b.entries[1:]
		b.droppedBefore = evicted.ID + 1
		metrics.EventsDropped.Inc()
	}

	id := b.nextID
	b.nextID++
	b.entries = append(b.entries, BufferedEvent{ID: id, Event: ev})
	metrics.EventsBuffered.Inc()
	return id
}

// Since returns all events with id strictly greater than cursor, the largest
// id ever assigned (NoCursor when nothing has been appended), and the current
// drop counter. Pass NoCursor to receive everything still buffered.
func (b *Buffer) Since(cursor int64) ([]BufferedEvent, int64, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	nextCursor := NoCursor
	if b.nextID > 0 {
		nextCursor = b.nextID - 1
	}

	var out []BufferedEvent
	for _, entry := range b.entries {
		if entry.ID > cursor {
			out = append(out, entry)
		}
	}
	return out, nextCursor, b.droppedBefore
}

// Snapshot returns the buffered events in order without removing them.
func (b *Buffer) Snapshot() []BufferedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]BufferedEvent, len(b.entries))
	copy(out, b.entries)
	return out
}

// SnapshotAndClear removes and returns the buffered events in order. Ids and
// the drop counter are preserved so later appends stay monotonic.
func (b *Buffer) SnapshotAndClear() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, len(b.entries))
	for i, entry := range b.entries {
		out[i] = entry.Event
	}
	b.entries = nil
	return out
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// DroppedBefore returns the lowest event id still retrievable. Zero means
// nothing has been evicted.
func (b *Buffer) DroppedBefore() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.droppedBefore
}
