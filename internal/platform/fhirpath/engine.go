// Package fhirpath evaluates the FHIRPath subset used by business rules:
// path navigation, comparison, boolean logic, union and the common
// collection and string functions. Evaluation honours context
// cancellation and a per-call node budget.
package fhirpath

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmptyExpression is returned for blank expressions.
var ErrEmptyExpression = errors.New("fhirpath: empty expression")

// DefaultMaxSteps bounds the number of nodes visited per evaluation.
const DefaultMaxSteps = 100000

// Expression is a parsed, reusable expression.
type Expression struct {
	src  string
	root *node
}

func (e *Expression) String() string { return e.src }

// Engine compiles and evaluates expressions.
type Engine struct {
	now      func() time.Time
	maxSteps int
}

type Option func(*Engine)

// WithClock overrides the clock used by now() and today().
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMaxSteps overrides DefaultMaxSteps. Zero disables the limit.
func WithMaxSteps(n int) Option {
	return func(e *Engine) { e.maxSteps = n }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: time.Now, maxSteps: DefaultMaxSteps}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Compile parses expr and checks function names and arity.
func (e *Engine) Compile(expr string) (*Expression, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, ErrEmptyExpression
	}
	root, err := parse(expr)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: %w", err)
	}
	if err := checkFunctions(root); err != nil {
		return nil, fmt.Errorf("fhirpath: %w", err)
	}
	return &Expression{src: expr, root: root}, nil
}

// ValidateSyntax reports whether expr compiles.
func (e *Engine) ValidateSyntax(expr string) error {
	_, err := e.Compile(expr)
	return err
}

// Evaluate runs a compiled expression against resource and returns the
// resulting collection.
func (e *Engine) Evaluate(ctx context.Context, resource map[string]interface{}, x *Expression) ([]interface{}, error) {
	if resource == nil {
		return nil, nil
	}
	ev := &evaluator{
		ctx:      ctx,
		resource: resource,
		now:      e.now().UTC(),
		maxSteps: e.maxSteps,
	}
	out, err := ev.eval(x.root, []interface{}{resource})
	if err != nil {
		return nil, fmt.Errorf("fhirpath: eval: %w", err)
	}
	return out, nil
}

// EvaluateBoolean compiles and evaluates expr, converting the result with
// the singleton-evaluation rules.
func (e *Engine) EvaluateBoolean(ctx context.Context, resource map[string]interface{}, expr string) (bool, error) {
	x, err := e.Compile(expr)
	if err != nil {
		return false, err
	}
	out, err := e.Evaluate(ctx, resource, x)
	if err != nil {
		return false, err
	}
	return toBool(out), nil
}
