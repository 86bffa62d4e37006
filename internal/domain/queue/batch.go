package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// BatchContext holds the live state of one batch. Counters are atomics;
// state, the pause gate and subscribers sit behind mu.
type BatchContext struct {
	ID        string
	opts      BatchOptions
	startedAt time.Time
	now       func() time.Time
	q         *pqueue

	total     atomic.Int64
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	errors    atomic.Int64
	warnings  atomic.Int64

	mu         sync.RWMutex
	state      BatchState
	gate       chan struct{} // closed unless paused
	finishedAt time.Time
	subs       map[int]chan Progress
	nextSub    int

	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

func newBatchContext(id string, opts BatchOptions, now func() time.Time) *BatchContext {
	gate := make(chan struct{})
	close(gate)
	return &BatchContext{
		ID:        id,
		opts:      opts,
		startedAt: now(),
		now:       now,
		q:         newPQueue(),
		state:     StateRunning,
		gate:      gate,
		subs:      make(map[int]chan Progress),
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (b *BatchContext) State() BatchState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Done is closed once every item is terminal.
func (b *BatchContext) Done() <-chan struct{} { return b.done }

func (b *BatchContext) pause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StatePaused:
		return nil
	case StateRunning:
		b.state = StatePaused
		b.gate = make(chan struct{})
		return nil
	default:
		return ErrBatchFinished
	}
}

func (b *BatchContext) resume() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateRunning:
		return nil
	case StatePaused:
		b.state = StateRunning
		close(b.gate)
		return nil
	default:
		return ErrBatchFinished
	}
}

func (b *BatchContext) cancel() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Terminal() {
		return ErrBatchFinished
	}
	if b.state == StatePaused {
		close(b.gate)
	}
	b.state = StateCancelling
	b.cancelOnce.Do(func() { close(b.cancelCh) })
	return nil
}

func (b *BatchContext) cancelling() bool {
	select {
	case <-b.cancelCh:
		return true
	default:
		return false
	}
}

// waitRunnable blocks while the batch is paused. It reports false once
// the batch is cancelled or ctx is done.
func (b *BatchContext) waitRunnable(ctx context.Context) bool {
	for {
		b.mu.RLock()
		state, gate := b.state, b.gate
		b.mu.RUnlock()

		switch state {
		case StateRunning:
			return ctx.Err() == nil
		case StatePaused:
			select {
			case <-gate:
			case <-b.cancelCh:
				return false
			case <-ctx.Done():
				return false
			}
		default:
			return false
		}
	}
}

func (b *BatchContext) record(r ItemResult) {
	switch r.Status {
	case ItemSucceeded:
		b.processed.Add(1)
		b.succeeded.Add(1)
	case ItemFailed:
		b.processed.Add(1)
		b.failed.Add(1)
	case ItemCancelled:
		b.cancelled.Add(1)
		return
	}
	if r.Result != nil {
		b.errors.Add(int64(r.Result.ErrorCount))
		b.warnings.Add(int64(r.Result.WarningCount))
	}
}

// Progress returns a snapshot of the batch.
func (b *BatchContext) Progress() Progress {
	b.mu.RLock()
	state := b.state
	b.mu.RUnlock()

	total := int(b.total.Load())
	processed := b.processed.Load()
	p := Progress{
		BatchID:   b.ID,
		Processed: processed,
		Total:     total,
		Succeeded: b.succeeded.Load(),
		Failed:    b.failed.Load(),
		Errors:    b.errors.Load(),
		Warnings:  b.warnings.Load(),
		State:     state,
		StartedAt: b.startedAt,
	}

	size := b.opts.BatchSize
	if size <= 0 {
		size = total
	}
	if size > 0 && total > 0 {
		p.TotalBatches = (total + size - 1) / size
		p.CurrentBatch = int(processed)/size + 1
		if p.CurrentBatch > p.TotalBatches {
			p.CurrentBatch = p.TotalBatches
		}
	}

	if state.Terminal() {
		return p
	}
	remaining := int64(total) - processed - b.cancelled.Load()
	if processed > 0 && remaining > 0 {
		elapsed := b.now().Sub(b.startedAt)
		p.EstimatedTimeRemaining = elapsed.Milliseconds() * remaining / processed
	}
	return p
}

// subscribe registers a progress channel. Each channel holds at most one
// snapshot; a slow reader sees the latest one only.
func (b *BatchContext) subscribe() (<-chan Progress, func()) {
	ch := make(chan Progress, 1)

	b.mu.Lock()
	if b.state.Terminal() {
		b.mu.Unlock()
		ch <- b.Progress()
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *BatchContext) broadcast(p Progress) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		offer(ch, p)
	}
}

func offer(ch chan Progress, p Progress) {
	select {
	case ch <- p:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- p:
	default:
	}
}

// finish moves the batch to its terminal state and closes subscribers
// after handing them the final snapshot.
func (b *BatchContext) finish(state BatchState) Progress {
	b.mu.Lock()
	b.state = state
	b.finishedAt = b.now()
	b.cancelOnce.Do(func() { close(b.cancelCh) })
	subs := b.subs
	b.subs = make(map[int]chan Progress)
	b.mu.Unlock()

	final := b.Progress()
	for _, ch := range subs {
		offer(ch, final)
		close(ch)
	}
	close(b.done)
	return final
}
