// Package rules runs configured business-rule expressions against
// resources. Expressions are screened against a denylist, syntax-checked,
// and evaluated under a wall-clock budget. Every failure mode yields a
// false result.
package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/validator/internal/platform/fhirpath"
)

// MaxExpressionLength is the longest expression accepted.
const MaxExpressionLength = 2000

// DefaultTimeout bounds a single evaluation when the caller passes zero.
const DefaultTimeout = 2 * time.Second

var (
	ErrEvaluationTimeout = errors.New("rule evaluation timed out")
	ErrDenylisted        = errors.New("expression contains a forbidden construct")
	ErrTooLong           = errors.New("expression too long")
)

var denylist = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`(?i)\bfunction\s*\(`),
	regexp.MustCompile(`=>`),
	regexp.MustCompile(`(?i)constructor`),
	regexp.MustCompile(`(?i)__proto__`),
	regexp.MustCompile(`(?i)prototype`),
	regexp.MustCompile(`(?i)\brequire\s*\(`),
	regexp.MustCompile(`(?i)\bimport\s*\(`),
	regexp.MustCompile(`(?i)\bprocess\.`),
	regexp.MustCompile(`(?i)globalThis`),
	regexp.MustCompile(`(?i)setTimeout`),
	regexp.MustCompile(`(?i)setInterval`),
	regexp.MustCompile(`(?i)new\s+Function`),
	regexp.MustCompile(`;`),
	regexp.MustCompile("`"),
	regexp.MustCompile(`\$\{`),
}

// Engine is the expression engine contract.
type Engine interface {
	ValidateSyntax(expr string) error
	EvaluateBoolean(ctx context.Context, resource map[string]interface{}, expr string) (bool, error)
}

// SyntaxResult is the outcome of ValidateSyntax.
type SyntaxResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// EvalResult is the outcome of EvaluateBoolean. Err is set whenever the
// expression could not be evaluated; Result is then false.
type EvalResult struct {
	Result          bool   `json:"result"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	Error           string `json:"error,omitempty"`
	Err             error  `json:"-"`
}

type Evaluator struct {
	engine Engine
	logger zerolog.Logger
}

// NewEvaluator wraps engine. A nil engine uses the built-in FHIRPath engine.
func NewEvaluator(engine Engine, logger zerolog.Logger) *Evaluator {
	if engine == nil {
		engine = fhirpath.NewEngine()
	}
	return &Evaluator{
		engine: engine,
		logger: logger.With().Str("component", "rules").Logger(),
	}
}

// Screen rejects expressions that are too long or match the denylist.
func Screen(expr string) error {
	if len(expr) > MaxExpressionLength {
		return fmt.Errorf("%w: %d > %d characters", ErrTooLong, len(expr), MaxExpressionLength)
	}
	for _, re := range denylist {
		if loc := re.FindStringIndex(expr); loc != nil {
			return fmt.Errorf("%w: %q", ErrDenylisted, expr[loc[0]:loc[1]])
		}
	}
	return nil
}

// ValidateSyntax screens expr and then asks the engine to parse it.
func (e *Evaluator) ValidateSyntax(expr string) SyntaxResult {
	if err := Screen(expr); err != nil {
		return SyntaxResult{Error: err.Error()}
	}
	if err := e.engine.ValidateSyntax(expr); err != nil {
		return SyntaxResult{Error: err.Error()}
	}
	return SyntaxResult{Valid: true}
}

// EvaluateBoolean evaluates expr against doc. It returns within timeout
// even if the engine does not; the abandoned evaluation sees a cancelled
// context.
func (e *Evaluator) EvaluateBoolean(ctx context.Context, doc map[string]interface{}, expr string, timeout time.Duration) EvalResult {
	start := time.Now()
	fail := func(err error) EvalResult {
		return EvalResult{
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			Error:           err.Error(),
			Err:             err,
		}
	}

	if err := Screen(expr); err != nil {
		e.logger.Warn().Err(err).Msg("rejected rule expression")
		return fail(err)
	}
	if err := e.engine.ValidateSyntax(expr); err != nil {
		return fail(fmt.Errorf("parse expression: %w", err))
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		ok  bool
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("evaluate expression: panic: %v", r)}
			}
		}()
		ok, err := e.engine.EvaluateBoolean(ctx, doc, expr)
		done <- outcome{ok: ok, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return fail(fmt.Errorf("%w after %s", ErrEvaluationTimeout, timeout))
			}
			return fail(out.err)
		}
		return EvalResult{Result: out.ok, ExecutionTimeMs: time.Since(start).Milliseconds()}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fail(fmt.Errorf("%w after %s", ErrEvaluationTimeout, timeout))
		}
		return fail(fmt.Errorf("evaluate expression: %w", ctx.Err()))
	}
}
