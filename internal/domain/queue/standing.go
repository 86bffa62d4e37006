package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/validator/internal/domain/validation"
	"github.com/ehr/validator/internal/platform/metrics"
)

// StandingBatchID names the long-lived batch behind Enqueue. Its progress,
// pause and resume go through the same calls as any batch.
const StandingBatchID = "standing"

type standingQueue struct {
	p    *Processor
	bc   *BatchContext
	hook func(ItemResult)

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func (s *standingQueue) init(p *Processor) {
	s.p = p
	s.bc = newBatchContext(StandingBatchID, p.defaults, p.now)
	s.bc.opts.BatchSize = 0
	s.stop = make(chan struct{})
	p.register(s.bc)
}

func (s *standingQueue) updateDepth() {
	for pr, n := range s.bc.q.depth() {
		metrics.QueueDepth.WithLabelValues(string(pr)).Set(float64(n))
	}
}

// Enqueue adds one resource to the standing queue. High priority items are
// dequeued ahead of every queued normal item; running work is never
// interrupted.
func (p *Processor) Enqueue(key validation.ResourceKey, priority Priority) (QueuedItem, error) {
	if key.ServerID == "" || key.ResourceType == "" || key.FhirID == "" {
		return QueuedItem{}, fmt.Errorf("enqueue %s: incomplete resource key", key)
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return QueuedItem{}, fmt.Errorf("enqueue %s: unknown priority %q", key, priority)
	}

	s := &p.standing
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || s.bc.cancelling() {
		return QueuedItem{}, ErrQueueStopped
	}

	it := &QueuedItem{
		ID:         uuid.NewString(),
		Key:        key,
		Priority:   priority,
		EnqueuedAt: p.now(),
	}
	s.bc.total.Add(1)
	s.bc.q.push(it)
	s.updateDepth()
	return *it, nil
}

// Start runs the standing queue's workers until ctx is done or Stop is
// called. Calling it twice is a no-op.
func (p *Processor) Start(ctx context.Context) {
	s := &p.standing
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	bc := s.bc
	jobs := make(chan *QueuedItem)
	for w := 0; w < bc.opts.Concurrency; w++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for it := range jobs {
				r := p.process(ctx, bc, it)
				bc.record(r)
				p.emit(ctx, bc)
				if s.hook != nil {
					s.hook(r)
				}
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		leftover := p.dispatch(ctx, bc, jobs, s.stop)
		for range leftover {
			bc.record(ItemResult{Status: ItemCancelled})
			metrics.QueueItems.WithLabelValues(string(ItemCancelled)).Inc()
		}
		p.logger.Info().Int("dropped", len(leftover)).Msg("standing queue dispatcher exited")
	}()
	p.logger.Info().Int("concurrency", bc.opts.Concurrency).Msg("standing queue started")
}

// Stop refuses new items, lets workers finish what is queued and waits for
// them.
func (p *Processor) Stop() {
	s := &p.standing
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	close(s.stop)
	s.mu.Unlock()

	_ = s.bc.resume()

	if started {
		s.wg.Wait()
	}
	state := StateCompleted
	if s.bc.cancelling() {
		state = StateCancelled
	}
	s.bc.finish(state)
	p.logger.Info().Msg("standing queue stopped")
}
