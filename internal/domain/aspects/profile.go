package aspects

import (
	"context"
	"fmt"
	"sort"

	"github.com/ehr/validator/internal/domain/validation"
	"github.com/ehr/validator/internal/platform/fhir"
)

// Profile enforces declared meta.profile entries and the profiles listed
// in settings. Profiles not held locally are looked up on the terminology
// server; only those need an upstream.
type Profile struct {
	registry *fhir.ProfileRegistry
	v        *fhir.ProfileValidator
	resolver ProfileResolver
}

// NewProfile builds the aspect. A nil registry gets the built-in US Core
// subset; codes may be nil.
func NewProfile(registry *fhir.ProfileRegistry, resolver ProfileResolver, codes *fhir.InMemoryTerminology) *Profile {
	if registry == nil {
		registry = fhir.NewProfileRegistry()
		fhir.RegisterUSCoreProfiles(registry)
	}
	var membership fhir.CodeMembership
	if codes != nil {
		membership = codes
	}
	return &Profile{
		registry: registry,
		v:        fhir.NewProfileValidator(registry, membership),
		resolver: resolver,
	}
}

func (p *Profile) Aspect() validation.Aspect      { return validation.AspectProfile }
func (p *Profile) DependsOn() []validation.Aspect { return nil }
func (p *Profile) Upstream() string               { return UpstreamTerminology }

func (p *Profile) NeedsUpstream(in Input) bool {
	if p.resolver == nil {
		return false
	}
	for _, url := range declaredProfiles(in.Resource) {
		if _, ok := p.registry.Lookup(url); !ok {
			return true
		}
	}
	return false
}

func (p *Profile) Validate(ctx context.Context, in Input) ([]validation.Issue, error) {
	rt := resourceType(in.Resource)
	var issues []validation.Issue

	for _, url := range p.applicable(in) {
		found, ok := p.v.Validate(in.Resource, url)
		if ok {
			issues = append(issues, fromFHIR(validation.AspectProfile, found)...)
			continue
		}
		is, err := p.unknown(ctx, rt, url, in.Capability.Degraded)
		if err != nil {
			return nil, err
		}
		issues = append(issues, is)
	}
	return issues, nil
}

// applicable returns declared profiles plus settings profiles registered
// for this resource type, deduplicated and sorted.
func (p *Profile) applicable(in Input) []string {
	rt := resourceType(in.Resource)
	set := make(map[string]bool)
	for _, url := range declaredProfiles(in.Resource) {
		set[url] = true
	}
	for _, url := range in.Settings.Profiles {
		if def, ok := p.registry.Lookup(url); ok && def.Type == rt {
			set[url] = true
		}
	}
	out := make([]string, 0, len(set))
	for url := range set {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

func (p *Profile) unknown(ctx context.Context, rt, url string, degraded bool) (validation.Issue, error) {
	is := validation.Issue{
		Aspect:        validation.AspectProfile,
		Severity:      validation.SeverityWarning,
		Code:          fhir.IssueTypeNotSupported,
		CanonicalPath: rt + ".meta.profile",
		Message:       fmt.Sprintf("profile %s is not available; resource not checked against it", url),
	}
	if p.resolver == nil || degraded {
		return is, nil
	}
	exists, err := p.resolver.ProfileExists(ctx, url)
	if err != nil {
		return validation.Issue{}, fmt.Errorf("resolve profile %s: %w", url, err)
	}
	if !exists {
		is.Severity = validation.SeverityError
		is.Code = fhir.IssueTypeNotFound
		is.Message = fmt.Sprintf("profile %s is unknown", url)
		return is, nil
	}
	is.Severity = validation.SeverityInformation
	is.Message = fmt.Sprintf("profile %s is published but not loaded locally; resource not checked against it", url)
	return is, nil
}

func declaredProfiles(res map[string]interface{}) []string {
	meta, _ := res["meta"].(map[string]interface{})
	list, _ := meta["profile"].([]interface{})
	var out []string
	for _, v := range list {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
