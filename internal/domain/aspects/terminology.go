package aspects

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ehr/validator/internal/domain/validation"
	"github.com/ehr/validator/internal/platform/fhir"
	"github.com/ehr/validator/internal/platform/upstream"
)

// CodeTerminologyCheckDeferred marks codings left unchecked because the
// terminology server is degraded.
const CodeTerminologyCheckDeferred = "terminology-check-deferred"

// Terminology checks every Coding. Code systems held locally are checked
// in process; the rest go to the terminology server.
type Terminology struct {
	local  *fhir.InMemoryTerminology
	remote CodeValidator

	mu    sync.RWMutex
	cache map[string]upstream.CodeValidation
}

func NewTerminology(local *fhir.InMemoryTerminology, remote CodeValidator) *Terminology {
	if local == nil {
		local = fhir.NewInMemoryTerminology()
	}
	return &Terminology{
		local:  local,
		remote: remote,
		cache:  make(map[string]upstream.CodeValidation),
	}
}

func (t *Terminology) Aspect() validation.Aspect      { return validation.AspectTerminology }
func (t *Terminology) DependsOn() []validation.Aspect { return nil }
func (t *Terminology) Upstream() string               { return UpstreamTerminology }

func (t *Terminology) NeedsUpstream(in Input) bool {
	if t.remote == nil {
		return false
	}
	for _, fc := range fhir.CollectCodings(in.Resource) {
		if !t.local.HasSystem(fc.Coding.System) {
			return true
		}
	}
	return false
}

func (t *Terminology) Validate(ctx context.Context, in Input) ([]validation.Issue, error) {
	var issues []validation.Issue
	add := func(sev validation.Severity, code, path, msg string) {
		issues = append(issues, validation.Issue{
			Aspect:        validation.AspectTerminology,
			Severity:      sev,
			Code:          code,
			CanonicalPath: path,
			Message:       msg,
		})
	}

	deferred := 0
	for _, fc := range fhir.CollectCodings(in.Resource) {
		c := fc.Coding
		if lk := t.local.Lookup(c.System, c.Code); lk.KnownSystem {
			switch {
			case !lk.Valid:
				add(validation.SeverityError, fhir.IssueTypeCodeInvalid, fc.Path,
					fmt.Sprintf("code '%s' is not defined in %s", c.Code, c.System))
			case c.Display != "" && lk.Display != "" && !strings.EqualFold(c.Display, lk.Display):
				add(validation.SeverityWarning, fhir.IssueTypeValue, fc.Path+".display",
					fmt.Sprintf("display '%s' does not match '%s' for %s#%s", c.Display, lk.Display, c.System, c.Code))
			}
			continue
		}

		if t.remote == nil {
			continue
		}
		if in.Capability.Degraded {
			deferred++
			continue
		}
		res, err := t.lookupRemote(ctx, c)
		if err != nil {
			return nil, err
		}
		if !res.Valid {
			msg := fmt.Sprintf("code '%s' is not valid in %s", c.Code, c.System)
			if res.Message != "" {
				msg += ": " + res.Message
			}
			add(validation.SeverityError, fhir.IssueTypeCodeInvalid, fc.Path, msg)
		}
	}

	if deferred > 0 {
		add(validation.SeverityInformation, CodeTerminologyCheckDeferred, resourceType(in.Resource),
			fmt.Sprintf("%d coding(s) not checked while the terminology server is degraded", deferred))
	}
	return issues, nil
}

func (t *Terminology) lookupRemote(ctx context.Context, c fhir.Coding) (upstream.CodeValidation, error) {
	key := c.System + "|" + c.Code
	t.mu.RLock()
	res, ok := t.cache[key]
	t.mu.RUnlock()
	if ok {
		return res, nil
	}

	res, err := t.remote.ValidateCode(ctx, c.System, c.Code, "")
	if err != nil {
		return upstream.CodeValidation{}, fmt.Errorf("validate code %s: %w", key, err)
	}
	t.mu.Lock()
	t.cache[key] = res
	t.mu.Unlock()
	return res, nil
}
