package queue

import (
	"errors"
	"time"

	"github.com/ehr/validator/internal/domain/validation"
)

var (
	ErrBatchNotFound   = errors.New("batch not found")
	ErrBatchFinished   = errors.New("batch already finished")
	ErrResourceTimeout = errors.New("resource validation timed out")
	ErrQueueStopped    = errors.New("queue stopped")
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

func (p Priority) Valid() bool { return p == PriorityHigh || p == PriorityNormal }

func (p Priority) rank() int {
	if p == PriorityHigh {
		return 0
	}
	return 1
}

type ItemStatus string

const (
	ItemQueued    ItemStatus = "queued"
	ItemRunning   ItemStatus = "running"
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
	ItemCancelled ItemStatus = "cancelled"
)

type BatchState string

const (
	StateRunning    BatchState = "running"
	StatePaused     BatchState = "paused"
	StateCancelling BatchState = "cancelling"
	StateCompleted  BatchState = "completed"
	StateCancelled  BatchState = "cancelled"
)

// Terminal reports whether no more work will happen in this state.
func (s BatchState) Terminal() bool { return s == StateCompleted || s == StateCancelled }

type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear      BackoffKind = "linear"
)

// QueuedItem is one resource waiting for validation.
type QueuedItem struct {
	ID         string                 `json:"id"`
	Key        validation.ResourceKey `json:"key"`
	Priority   Priority               `json:"priority"`
	EnqueuedAt time.Time              `json:"enqueuedAt"`
	seq        uint64
	index      int
}

// Attempt records one try at validating an item.
type Attempt struct {
	AttemptNumber int    `json:"attemptNumber"`
	Success       bool   `json:"success"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
	DurationMs    int64  `json:"durationMs"`
}

// ItemResult is the terminal outcome of one item.
type ItemResult struct {
	Key               validation.ResourceKey     `json:"key"`
	Status            ItemStatus                 `json:"status"`
	RetryAttemptCount int                        `json:"retryAttemptCount"`
	Attempts          []Attempt                  `json:"attempts,omitempty"`
	Error             string                     `json:"error,omitempty"`
	Result            *validation.ResourceResult `json:"result,omitempty"`
}

type BatchOptions struct {
	Concurrency     int           `json:"concurrency"`
	MaxAttempts     int           `json:"maxAttempts"`
	Backoff         time.Duration `json:"backoff"`
	BackoffKind     BackoffKind   `json:"backoffKind"`
	Priority        Priority      `json:"priority"`
	BatchSize       int           `json:"batchSize"`
	ResourceTimeout time.Duration `json:"resourceTimeout"`
}

// OptionsFromSettings derives batch options from a server's performance settings.
func OptionsFromSettings(s validation.Settings) BatchOptions {
	return BatchOptions{
		Concurrency:     s.Performance.Concurrency,
		MaxAttempts:     s.Performance.MaxAttempts,
		Backoff:         time.Duration(s.Performance.BackoffMs) * time.Millisecond,
		BackoffKind:     BackoffExponential,
		Priority:        PriorityNormal,
		BatchSize:       s.Performance.BatchSize,
		ResourceTimeout: s.ResourceTimeout(),
	}
}

func (o BatchOptions) withDefaults(d BatchOptions) BatchOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxAttempts < 0 {
		o.MaxAttempts = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = d.Backoff
	}
	if o.BackoffKind == "" {
		o.BackoffKind = d.BackoffKind
	}
	if o.BackoffKind == "" {
		o.BackoffKind = BackoffExponential
	}
	if !o.Priority.Valid() {
		o.Priority = PriorityNormal
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.ResourceTimeout <= 0 {
		o.ResourceTimeout = d.ResourceTimeout
	}
	return o
}

// BatchReport is returned by RunBatch once every item is terminal.
type BatchReport struct {
	BatchID    string       `json:"batchId"`
	State      BatchState   `json:"state"`
	Total      int          `json:"total"`
	Succeeded  int          `json:"succeeded"`
	Failed     int          `json:"failed"`
	Cancelled  int          `json:"cancelled"`
	Items      []ItemResult `json:"items"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	DurationMs int64        `json:"durationMs"`
}

// Progress is a point-in-time view of a batch.
type Progress struct {
	BatchID                string     `json:"batchId"`
	Processed              int64      `json:"processed"`
	Total                  int        `json:"total"`
	Succeeded              int64      `json:"succeeded"`
	Failed                 int64      `json:"failed"`
	Errors                 int64      `json:"errors"`
	Warnings               int64      `json:"warnings"`
	CurrentBatch           int        `json:"currentBatch"`
	TotalBatches           int        `json:"totalBatches"`
	EstimatedTimeRemaining int64      `json:"estimatedTimeRemainingMs"`
	State                  BatchState `json:"state"`
	StartedAt              time.Time  `json:"startedAt"`
}
