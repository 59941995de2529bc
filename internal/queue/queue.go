// Package queue implements the transfer queue shared by the reader task and
// the delivery loop.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/X2k16/tracking-firmware/internal/metrics"
	"github.com/X2k16/tracking-firmware/internal/models"
)

// ErrEmpty is returned by Pop when the timeout elapses with nothing queued.
var ErrEmpty = errors.New("queue empty")

// Queue is an unbounded FIFO. Push never blocks; the reader is limited by the
// hardware to one touch at a time so no backpressure is applied.
type Queue struct {
	mu     sync.Mutex
	items  []*models.Event
	notify chan struct{}
}

func New() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
	}
}

// Push appends event to the tail.
func (q *Queue) Push(event *models.Event) {
	q.mu.Lock()
	q.items = append(q.items, event)
	// set under the lock so the gauge cannot lag behind a concurrent pop
	metrics.QueueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Requeue puts a failed event back at the tail: after everything already
// queued and before anything pushed later.
func (q *Queue) Requeue(event *models.Event) {
	event.Attempts++
	metrics.Requeues.Inc()
	q.Push(event)
}

// Pop removes the head of the queue, waiting up to timeout for one to arrive.
// timeout <= 0 waits until an item arrives or ctx is done.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*models.Event, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if event, ok := q.tryPop(); ok {
			return event, nil
		}

		select {
		case <-q.notify:
		case <-expired:
			// an item may have landed together with the deadline
			if event, ok := q.tryPop(); ok {
				return event, nil
			}
			return nil, ErrEmpty
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) tryPop() (*models.Event, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	event := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	metrics.QueueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()

	return event, true
}
