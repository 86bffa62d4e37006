package aspects

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/validator/internal/domain/rules"
	"github.com/ehr/validator/internal/domain/validation"
	"github.com/ehr/validator/internal/platform/fhir"
)

// RuleTimeout bounds one rule evaluation.
const RuleTimeout = 2 * time.Second

// BusinessRules evaluates the configured rules for the resource type. A
// rule that evaluates false, or cannot be evaluated, yields an issue.
type BusinessRules struct {
	eval *rules.Evaluator
}

func NewBusinessRules(eval *rules.Evaluator) *BusinessRules {
	if eval == nil {
		eval = rules.NewEvaluator(nil, zerolog.Nop())
	}
	return &BusinessRules{eval: eval}
}

func (b *BusinessRules) Aspect() validation.Aspect      { return validation.AspectBusinessRule }
func (b *BusinessRules) DependsOn() []validation.Aspect { return nil }

func (b *BusinessRules) Validate(ctx context.Context, in Input) ([]validation.Issue, error) {
	rt := resourceType(in.Resource)
	var issues []validation.Issue
	for _, r := range in.Settings.RulesFor(rt) {
		if err := ctx.Err(); err != nil {
			return issues, err
		}
		res := b.eval.EvaluateBoolean(ctx, in.Resource, r.Expression, RuleTimeout)
		if res.Result {
			continue
		}

		sev := r.Severity
		if sev == "" {
			sev = validation.SeverityError
		}
		msg := r.Message
		if msg == "" {
			msg = fmt.Sprintf("rule %s failed", r.ID)
		}
		code := fhir.IssueTypeBusinessRule
		if res.Err != nil {
			code = fhir.IssueTypeProcessing
			msg = fmt.Sprintf("rule %s could not be evaluated: %s", r.ID, res.Error)
		}
		issues = append(issues, validation.Issue{
			Aspect:        validation.AspectBusinessRule,
			Severity:      sev,
			Code:          code,
			CanonicalPath: rt,
			Message:       msg,
			RuleID:        r.ID,
		})
	}
	return issues, nil
}
