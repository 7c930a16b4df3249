package queue

import (
	"container/heap"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type item struct {
	executionID string
	priority    int
	seq         uint64
	redelivered bool
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// MemoryQueue is an in-process Queue. It is not durable and exists for tests
// and single process runs.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  itemHeap
	queued   map[string]struct{}
	inFlight map[string]*item
	seq      uint64
	notify   chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queued:   make(map[string]struct{}),
		inFlight: make(map[string]*item),
		notify:   make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Publish(_ context.Context, executionID string, priority int) error {
	if executionID == "" {
		return errors.New("execution id is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[executionID]; ok {
		return nil
	}
	q.push(&item{executionID: executionID, priority: ClampPriority(priority)})
	return nil
}

func (q *MemoryQueue) push(it *item) {
	q.seq++
	it.seq = q.seq
	heap.Push(&q.pending, it)
	q.queued[it.executionID] = struct{}{}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if d := q.tryPop(); d != nil {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) tryPop() *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return nil
	}
	it := heap.Pop(&q.pending).(*item)
	delete(q.queued, it.executionID)
	tag := strconv.FormatUint(it.seq, 10)
	q.inFlight[tag] = it
	if q.pending.Len() > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return &Delivery{ExecutionID: it.executionID, Priority: it.priority, Tag: tag, Redelivered: it.redelivered}
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[d.Tag]; !ok {
		return errors.Errorf("unknown delivery %s", d.Tag)
	}
	delete(q.inFlight, d.Tag)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, d *Delivery, requeue bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.inFlight[d.Tag]
	if !ok {
		return errors.Errorf("unknown delivery %s", d.Tag)
	}
	delete(q.inFlight, d.Tag)
	if requeue {
		if _, pending := q.queued[it.executionID]; !pending {
			it.redelivered = true
			q.push(it)
		}
	}
	return nil
}

func (q *MemoryQueue) Contains(_ context.Context, executionID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[executionID]; ok {
		return true, nil
	}
	for _, it := range q.inFlight {
		if it.executionID == executionID {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of pending messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}
