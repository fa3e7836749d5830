package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PollTask asks for one inbox cycle of a sender account.
type PollTask struct {
	ID         string    `json:"id"`
	SenderID   uint      `json:"sender_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func NewPollTask(senderID uint) PollTask {
	return PollTask{ID: uuid.NewString(), SenderID: senderID, EnqueuedAt: time.Now()}
}

// Queue delivers poll tasks after a delay. Each poll is a discrete unit of
// work; the handler re-enqueues the next one.
type Queue interface {
	Enqueue(ctx context.Context, task PollTask, delay time.Duration) error
	// Consume calls handle for every delivered task until ctx ends.
	Consume(ctx context.Context, handle func(context.Context, PollTask) error) error
	Close() error
}

// MemoryQueue is an in-process Queue. Pending tasks are lost on restart,
// so the server re-enqueues active accounts on startup.
type MemoryQueue struct {
	mu     sync.Mutex
	ready  chan PollTask
	timers map[string]*time.Timer
	closed bool
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryQueue{ready: make(chan PollTask, buffer), timers: map[string]*time.Timer{}}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task PollTask, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if delay <= 0 {
		select {
		case q.ready <- task:
			return nil
		default:
		}
		delay = time.Millisecond
	}
	q.timers[task.ID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, task.ID)
		closed := q.closed
		q.mu.Unlock()
		if !closed {
			q.ready <- task
		}
	})
	return nil
}

func (q *MemoryQueue) Consume(ctx context.Context, handle func(context.Context, PollTask) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-q.ready:
			// Errors are the handler's to log; the queue keeps consuming.
			_ = handle(ctx, task)
		}
	}
}

// Pending reports how many tasks are waiting on their delay.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	return nil
}
