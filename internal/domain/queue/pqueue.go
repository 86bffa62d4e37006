package queue

import (
	"container/heap"
	"sync"
)

// itemHeap orders high before normal, then by arrival.
type itemHeap []*QueuedItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if ri, rj := h[i].Priority.rank(), h[j].Priority.rank(); ri != rj {
		return ri < rj
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*QueuedItem)) }

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// pqueue is a goroutine-safe priority queue.
type pqueue struct {
	mu   sync.Mutex
	h    itemHeap
	seq  uint64
	wake chan struct{}
}

func newPQueue() *pqueue {
	return &pqueue{wake: make(chan struct{}, 1)}
}

func (q *pqueue) push(it *QueuedItem) {
	q.mu.Lock()
	q.seq++
	it.seq = q.seq
	heap.Push(&q.h, it)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop returns the next item, or nil when empty.
func (q *pqueue) pop() *QueuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*QueuedItem)
}

// drain removes and returns every queued item in dequeue order.
func (q *pqueue) drain() []*QueuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*QueuedItem, 0, len(q.h))
	for len(q.h) > 0 {
		out = append(out, heap.Pop(&q.h).(*QueuedItem))
	}
	return out
}

// depth returns queued item counts by priority.
func (q *pqueue) depth() map[Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[Priority]int{PriorityHigh: 0, PriorityNormal: 0}
	for _, it := range q.h {
		out[it.Priority]++
	}
	return out
}

// keyedLock serializes work per resource key.
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[string]*keyEntry)}
}

func (k *keyedLock) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
