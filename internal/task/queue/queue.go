// Package queue implements the ready queue: strict priority across tiers and
// FIFO within a tier.
package queue

import (
	"context"
	"errors"
	"sync"

	"taskd/internal/task"
)

var ErrClosed = errors.New("queue closed")

// Queue is safe for concurrent use. Pop blocks while the queue is empty.
type Queue struct {
	mu     sync.Mutex
	tiers  map[task.Tier][]string
	size   int
	closed bool
	wake   chan struct{}
}

func New() *Queue {
	return &Queue{
		tiers: make(map[task.Tier][]string, len(task.Tiers)),
		wake:  make(chan struct{}),
	}
}

// Push appends id behind every other entry of the same tier.
func (q *Queue) Push(id string, tier task.Tier) error {
	if !tier.Valid() {
		tier = task.TierNormal
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.tiers[tier] = append(q.tiers[tier], id)
	q.size++
	q.broadcastLocked()
	return nil
}

// Pop removes the oldest entry of the highest non-empty tier. It returns
// ErrClosed once the queue is closed, even if entries remain.
func (q *Queue) Pop(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return "", ErrClosed
		}
		if id, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return id, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wake:
		}
	}
}

// TryPop is the non-blocking form of Pop.
func (q *Queue) TryPop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", false
	}
	return q.popLocked()
}

func (q *Queue) popLocked() (string, bool) {
	for _, tier := range task.Tiers {
		items := q.tiers[tier]
		if len(items) == 0 {
			continue
		}
		id := items[0]
		items[0] = ""
		if len(items) == 1 {
			q.tiers[tier] = items[:0]
		} else {
			q.tiers[tier] = items[1:]
		}
		q.size--
		return id, true
	}
	return "", false
}

// Close wakes every blocked Pop. Further pushes fail with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
