// Package queue runs validation work through a fixed-size worker pool.
//
// RunBatch validates a known list of resources and reports once every item
// is terminal; the standing queue (Enqueue, Start, Stop) keeps a long-lived
// pool fed with ad hoc revalidation requests. Both share the retry and
// per-resource serialization machinery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/validator/internal/domain/validation"
	"github.com/ehr/validator/internal/platform/metrics"
)

// Runner performs one full validation pass for a resource key.
type Runner interface {
	ValidateKey(ctx context.Context, key validation.ResourceKey) (validation.ResourceResult, error)
}

// Publisher forwards progress snapshots outside the process.
type Publisher interface {
	Publish(ctx context.Context, p Progress) error
}

// finishedRetention bounds how long finished batches stay queryable.
const finishedRetention = time.Hour

type Processor struct {
	runner    Runner
	defaults  BatchOptions
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time
	locks     *keyedLock

	mu      sync.RWMutex
	batches map[string]*BatchContext

	standing standingQueue
}

type Option func(*Processor)

func WithPublisher(p Publisher) Option {
	return func(pr *Processor) { pr.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(pr *Processor) { pr.now = now }
}

// WithResultHook is called for every item the standing queue finishes.
func WithResultHook(fn func(ItemResult)) Option {
	return func(pr *Processor) { pr.standing.hook = fn }
}

func NewProcessor(runner Runner, defaults BatchOptions, logger zerolog.Logger, opts ...Option) *Processor {
	p := &Processor{
		runner:   runner,
		defaults: defaults.withDefaults(BatchOptions{}),
		logger:   logger.With().Str("component", "queue").Logger(),
		now:      time.Now,
		locks:    newKeyedLock(),
		batches:  make(map[string]*BatchContext),
	}
	for _, o := range opts {
		o(p)
	}
	p.standing.init(p)
	return p
}

// RunBatch validates refs and blocks until every item is terminal or the
// batch is cancelled. It never fails: per-item failures are reported in
// the returned report.
func (p *Processor) RunBatch(ctx context.Context, refs []validation.ResourceKey, opts BatchOptions) *BatchReport {
	bc := p.NewBatch(refs, opts)
	return p.Run(ctx, bc)
}

// NewBatch registers a batch without starting it, so callers can hand out
// the id before work begins.
func (p *Processor) NewBatch(refs []validation.ResourceKey, opts BatchOptions) *BatchContext {
	opts = opts.withDefaults(p.defaults)
	bc := newBatchContext(uuid.NewString(), opts, p.now)
	for i, ref := range refs {
		bc.q.push(&QueuedItem{
			ID:         uuid.NewString(),
			Key:        ref,
			Priority:   opts.Priority,
			EnqueuedAt: bc.startedAt,
			index:      i,
		})
	}
	bc.total.Store(int64(len(refs)))
	p.register(bc)
	return bc
}

// Run drives a batch created by NewBatch to completion.
func (p *Processor) Run(ctx context.Context, bc *BatchContext) *BatchReport {
	log := p.logger.With().Str("batch_id", bc.ID).Logger()
	total := int(bc.total.Load())
	log.Info().Int("total", total).Int("concurrency", bc.opts.Concurrency).Msg("batch started")

	results := make([]ItemResult, total)
	jobs := make(chan *QueuedItem)

	var wg sync.WaitGroup
	for w := 0; w < bc.opts.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range jobs {
				r := p.process(ctx, bc, it)
				results[it.index] = r
				bc.record(r)
				p.emit(ctx, bc)
			}
		}()
	}

	leftover := p.dispatch(ctx, bc, jobs, nil)
	wg.Wait()

	for _, it := range leftover {
		r := ItemResult{Key: it.Key, Status: ItemCancelled}
		results[it.index] = r
		bc.record(r)
		metrics.QueueItems.WithLabelValues(string(ItemCancelled)).Inc()
	}

	state := StateCompleted
	if bc.cancelling() || ctx.Err() != nil {
		state = StateCancelled
	}
	final := bc.finish(state)
	p.publish(context.WithoutCancel(ctx), final)

	report := &BatchReport{
		BatchID:    bc.ID,
		State:      state,
		Total:      total,
		Items:      results,
		StartedAt:  bc.startedAt,
		FinishedAt: p.now(),
	}
	report.DurationMs = report.FinishedAt.Sub(report.StartedAt).Milliseconds()
	for _, r := range results {
		switch r.Status {
		case ItemSucceeded:
			report.Succeeded++
		case ItemFailed:
			report.Failed++
		case ItemCancelled:
			report.Cancelled++
		}
	}
	log.Info().
		Str("state", string(state)).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("cancelled", report.Cancelled).
		Int64("duration_ms", report.DurationMs).
		Msg("batch finished")
	return report
}

// dispatch feeds jobs from bc's queue, honouring pause and cancel, and
// closes jobs when done. With follow set it waits for new items until
// stop is closed instead of ending on an empty queue. Items never handed
// to a worker are returned.
func (p *Processor) dispatch(ctx context.Context, bc *BatchContext, jobs chan<- *QueuedItem, stop <-chan struct{}) []*QueuedItem {
	defer close(jobs)
	var leftover []*QueuedItem
	for {
		if !bc.waitRunnable(ctx) {
			break
		}
		it := bc.q.pop()
		if stop != nil {
			p.standing.updateDepth()
		}
		if it == nil {
			if stop == nil {
				break
			}
			select {
			case <-bc.q.wake:
				continue
			case <-stop:
				// drain what is left before exiting
				if it = bc.q.pop(); it == nil {
					return leftover
				}
				p.standing.updateDepth()
			case <-ctx.Done():
				return append(leftover, bc.q.drain()...)
			}
		}
		select {
		case jobs <- it:
		case <-bc.cancelCh:
			leftover = append(leftover, it)
		case <-ctx.Done():
			leftover = append(leftover, it)
		}
	}
	return append(leftover, bc.q.drain()...)
}

// process validates one item with retries. The per-key lock keeps two
// workers off the same resource.
func (p *Processor) process(ctx context.Context, bc *BatchContext, it *QueuedItem) ItemResult {
	unlock := p.locks.lock(it.Key.String())
	defer unlock()

	metrics.QueueInFlight.Inc()
	defer metrics.QueueInFlight.Dec()

	res := ItemResult{Key: it.Key, Status: ItemRunning}
	var last validation.ResourceResult
	op := func() error {
		n := len(res.Attempts) + 1
		start := p.now()
		r, err := p.attempt(ctx, it.Key, bc.opts.ResourceTimeout)
		a := Attempt{AttemptNumber: n, Success: err == nil, DurationMs: p.now().Sub(start).Milliseconds()}
		if err != nil {
			a.ErrorMessage = err.Error()
		}
		res.Attempts = append(res.Attempts, a)
		if err == nil {
			last = r
			return nil
		}
		if errors.Is(err, validation.ErrNonTransient) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.QueueRetries.Inc()
		p.logger.Debug().Err(err).
			Str("key", it.Key.String()).
			Int("attempt", len(res.Attempts)).
			Dur("wait", wait).
			Msg("retrying validation")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(newBackOff(bc.opts), ctx), notify)
	res.RetryAttemptCount = len(res.Attempts)
	switch {
	case err == nil:
		res.Status = ItemSucceeded
		res.Result = &last
	case ctx.Err() != nil && !errors.Is(err, validation.ErrNonTransient):
		res.Status = ItemCancelled
		res.Error = err.Error()
	default:
		res.Status = ItemFailed
		res.Error = err.Error()
		p.logger.Warn().Err(err).Str("key", it.Key.String()).Int("attempts", res.RetryAttemptCount).Msg("validation failed")
	}
	metrics.QueueItems.WithLabelValues(string(res.Status)).Inc()
	return res
}

type attemptOutcome struct {
	result validation.ResourceResult
	err    error
}

// attempt runs one validation pass under timeout. On expiry the pass's
// context is cancelled, its result discarded and a retryable
// ErrResourceTimeout returned. attempt does not return before the pass
// exits, so the caller's worker slot and key lock stay held until then.
func (p *Processor) attempt(ctx context.Context, key validation.ResourceKey, timeout time.Duration) (validation.ResourceResult, error) {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	ch := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- attemptOutcome{err: fmt.Errorf("validate %s: panic: %v", key, rec)}
			}
		}()
		r, err := p.runner.ValidateKey(actx, key)
		ch <- attemptOutcome{result: r, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && ctx.Err() == nil && errors.Is(out.err, context.DeadlineExceeded) {
			return out.result, fmt.Errorf("validate %s after %s: %w", key, timeout, ErrResourceTimeout)
		}
		return out.result, out.err
	case <-actx.Done():
		<-ch
		if err := ctx.Err(); err != nil {
			return validation.ResourceResult{}, err
		}
		return validation.ResourceResult{}, fmt.Errorf("validate %s after %s: %w", key, timeout, ErrResourceTimeout)
	}
}

// ValidateNow runs fn under the key lock batch and standing workers use,
// so a synchronous validation never overlaps queued work on the same
// resource.
func (p *Processor) ValidateNow(ctx context.Context, key validation.ResourceKey, fn func(context.Context) validation.ResourceResult) validation.ResourceResult {
	unlock := p.locks.lock(key.String())
	defer unlock()
	return fn(ctx)
}

func (p *Processor) emit(ctx context.Context, bc *BatchContext) {
	prog := bc.Progress()
	bc.broadcast(prog)
	p.publish(ctx, prog)
}

func (p *Processor) publish(ctx context.Context, prog Progress) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, prog); err != nil {
		p.logger.Warn().Err(err).Str("batch_id", prog.BatchID).Msg("failed to publish progress")
	}
}

func (p *Processor) register(bc *BatchContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-finishedRetention)
	for id, b := range p.batches {
		b.mu.RLock()
		expired := b.state.Terminal() && b.finishedAt.Before(cutoff)
		b.mu.RUnlock()
		if expired {
			delete(p.batches, id)
		}
	}
	p.batches[bc.ID] = bc
}

func (p *Processor) batch(id string) (*BatchContext, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bc, ok := p.batches[id]
	if !ok {
		return nil, fmt.Errorf("lookup batch %s: %w", id, ErrBatchNotFound)
	}
	return bc, nil
}

func (p *Processor) Progress(batchID string) (Progress, error) {
	bc, err := p.batch(batchID)
	if err != nil {
		return Progress{}, err
	}
	return bc.Progress(), nil
}

// Subscribe returns a channel of progress snapshots for a batch, closed
// when the batch finishes or the returned cancel func is called.
func (p *Processor) Subscribe(batchID string) (<-chan Progress, func(), error) {
	bc, err := p.batch(batchID)
	if err != nil {
		return nil, nil, err
	}
	ch, unsub := bc.subscribe()
	return ch, unsub, nil
}

func (p *Processor) Pause(batchID string) error {
	bc, err := p.batch(batchID)
	if err != nil {
		return err
	}
	if err := bc.pause(); err != nil {
		return fmt.Errorf("pause batch %s: %w", batchID, err)
	}
	p.emit(context.Background(), bc)
	return nil
}

func (p *Processor) Resume(batchID string) error {
	bc, err := p.batch(batchID)
	if err != nil {
		return err
	}
	if err := bc.resume(); err != nil {
		return fmt.Errorf("resume batch %s: %w", batchID, err)
	}
	p.emit(context.Background(), bc)
	return nil
}

// Cancel stops dispatch for a batch. In-flight items finish; items not yet
// handed to a worker are reported cancelled.
func (p *Processor) Cancel(batchID string) error {
	bc, err := p.batch(batchID)
	if err != nil {
		return err
	}
	if err := bc.cancel(); err != nil {
		return fmt.Errorf("cancel batch %s: %w", batchID, err)
	}
	p.emit(context.Background(), bc)
	return nil
}
