package registry

import (
	"context"
	"sync"
)

// DefaultQueueCapacity bounds each team's offline queue.
const DefaultQueueCapacity = 100

// Queue holds encoded messages for teams that are not connected.
// Implementations must be safe for concurrent use.
type Queue interface {
	// Enqueue appends msg to team's queue. It returns false, without error,
	// when the queue is full and msg was dropped.
	Enqueue(ctx context.Context, team string, msg []byte) (bool, error)
	// Drain removes and returns team's queued messages in enqueue order.
	Drain(ctx context.Context, team string) ([][]byte, error)
	// Len reports how many messages are queued for team.
	Len(ctx context.Context, team string) (int, error)
}

// MemoryQueue is an in-process Queue. Queues are created lazily on first
// enqueue and deleted when drained.
type MemoryQueue struct {
	mu       sync.Mutex
	capacity int
	queues   map[string][][]byte
}

// NewMemoryQueue creates a MemoryQueue holding at most capacity messages per team.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &MemoryQueue{capacity: capacity, queues: make(map[string][][]byte)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, team string, msg []byte) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queues[team]) >= q.capacity {
		return false, nil
	}
	q.queues[team] = append(q.queues[team], msg)
	return true, nil
}

func (q *MemoryQueue) Drain(_ context.Context, team string) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.queues[team]
	delete(q.queues, team)
	return msgs, nil
}

func (q *MemoryQueue) Len(_ context.Context, team string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[team]), nil
}
