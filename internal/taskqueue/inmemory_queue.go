package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue backed by a min-heap ordered by NotBefore.
// It is safe for concurrent use.
type InMemoryQueue struct {
	mu    sync.Mutex
	tasks taskHeap
	seq   uint64
	// wake is closed and replaced whenever the head of the heap may change.
	wake chan struct{}
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{wake: make(chan struct{})}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t = prepare(t, time.Now())

	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	heap.Push(&q.tasks, heapItem{task: t, order: q.seq})
	close(q.wake)
	q.wake = make(chan struct{})
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		q.mu.Lock()
		wake := q.wake
		var wait time.Duration = -1
		if len(q.tasks) > 0 {
			head := q.tasks[0].task
			if d := time.Until(head.NotBefore); d > 0 {
				wait = d
			} else {
				item := heap.Pop(&q.tasks).(heapItem)
				q.mu.Unlock()
				return &item.task, nil
			}
		}
		q.mu.Unlock()

		var timeout <-chan time.Time
		if wait >= 0 {
			tmr.Reset(wait)
			timeout = tmr.C
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-timeout:
		}
		if wait >= 0 && !tmr.Stop() {
			select {
			case <-tmr.C:
			default:
			}
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type heapItem struct {
	task  Task
	order uint64
}

// taskHeap orders by NotBefore, then by enqueue order.
type taskHeap []heapItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if c := h[i].task.NotBefore.Compare(h[j].task.NotBefore); c != 0 {
		return c < 0
	}
	return h[i].order < h[j].order
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(heapItem)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
