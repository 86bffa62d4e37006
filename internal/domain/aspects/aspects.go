// Package aspects holds the six aspect validators. Each one inspects a
// read-only view of a resource and returns issues; none of them persist
// anything or know about other aspects beyond declared dependencies.
package aspects

import (
	"context"

	"github.com/ehr/validator/internal/domain/validation"
	"github.com/ehr/validator/internal/platform/fhir"
)

// Upstream names used when mapping an aspect to the server it depends on.
const (
	UpstreamData        = "fhir"
	UpstreamTerminology = "terminology"
)

// Capability tells a validator what the orchestrator could offer this run.
type Capability struct {
	// Degraded is set when the aspect's upstream is slow or recovering;
	// validators fall back to local checks where they can.
	Degraded bool
}

// Input is everything a validator may look at. Resource is a private copy;
// validators must still treat it as read-only.
type Input struct {
	Key        validation.ResourceKey
	Resource   map[string]interface{}
	Settings   validation.Settings
	Capability Capability
	// Deps carries the issues of aspects named by DependsOn.
	Deps map[validation.Aspect][]validation.Issue
}

type Validator interface {
	Aspect() validation.Aspect
	DependsOn() []validation.Aspect
	Validate(ctx context.Context, in Input) ([]validation.Issue, error)
}

// Remote is implemented by validators that may call an upstream server.
// NeedsUpstream lets a validator opt out for inputs it can handle locally.
type Remote interface {
	Upstream() string
	NeedsUpstream(in Input) bool
}

// Default returns the six validators wired to the given collaborators.
// Any collaborator may be nil; the affected validators then run local
// checks only.
func Default(deps Deps) []Validator {
	return []Validator{
		NewStructural(),
		NewMetadata(deps.Now),
		NewBusinessRules(deps.Rules),
		NewReference(deps.References),
		NewProfile(deps.Profiles, deps.ProfileResolver, deps.Terminology),
		NewTerminology(deps.Terminology, deps.CodeValidator),
	}
}

func fromFHIR(aspect validation.Aspect, in []fhir.Issue) []validation.Issue {
	if len(in) == 0 {
		return nil
	}
	out := make([]validation.Issue, 0, len(in))
	for _, is := range in {
		out = append(out, validation.Issue{
			Aspect:        aspect,
			Severity:      validation.Severity(is.Severity),
			Code:          is.Code,
			CanonicalPath: is.Path,
			Message:       is.Message,
		})
	}
	return out
}

func resourceType(res map[string]interface{}) string {
	rt, _ := res["resourceType"].(string)
	return rt
}
