package aspects

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehr/validator/internal/domain/validation"
	"github.com/ehr/validator/internal/platform/fhir"
)

// CodeReferenceCheckDeferred marks references left unchecked because the
// data server is degraded.
const CodeReferenceCheckDeferred = "reference-check-deferred"

// targetTypes restricts what well-known reference elements may point to.
var targetTypes = map[string][]string{
	"patient": {"Patient"},
	"subject": {
		"Patient", "Group", "Device", "Location", "Organization", "Practitioner",
		"PractitionerRole", "Medication", "Substance", "ResearchStudy", "ResearchSubject",
	},
}

// Reference resolves references. Inside a Bundle they are resolved
// against the entries; contained references against the parent; relative
// references optionally against the data server.
type Reference struct {
	checker ReferenceChecker
}

func NewReference(checker ReferenceChecker) *Reference {
	return &Reference{checker: checker}
}

func (r *Reference) Aspect() validation.Aspect      { return validation.AspectReference }
func (r *Reference) DependsOn() []validation.Aspect { return nil }
func (r *Reference) Upstream() string               { return UpstreamData }

func (r *Reference) NeedsUpstream(Input) bool { return r.checker != nil }

func (r *Reference) Validate(ctx context.Context, in Input) ([]validation.Issue, error) {
	rc := &refCheck{checker: r.checker, degraded: in.Capability.Degraded}
	if resourceType(in.Resource) == "Bundle" {
		if err := rc.bundle(ctx, in.Resource); err != nil {
			return nil, err
		}
	} else {
		if err := rc.resource(ctx, in.Resource); err != nil {
			return nil, err
		}
	}
	if rc.deferred > 0 {
		rc.add(validation.SeverityInformation, CodeReferenceCheckDeferred, resourceType(in.Resource),
			fmt.Sprintf("%d reference existence check(s) deferred while the data server is degraded", rc.deferred))
	}
	return rc.issues, nil
}

type refCheck struct {
	checker  ReferenceChecker
	degraded bool
	deferred int
	issues   []validation.Issue
}

func (rc *refCheck) add(sev validation.Severity, code, path, msg string) {
	rc.issues = append(rc.issues, validation.Issue{
		Aspect:        validation.AspectReference,
		Severity:      sev,
		Code:          code,
		CanonicalPath: path,
		Message:       msg,
	})
}

func (rc *refCheck) resource(ctx context.Context, res map[string]interface{}) error {
	for _, ref := range fhir.CollectReferences(res) {
		p := fhir.ParseReference(ref.Reference)
		switch p.Kind {
		case fhir.RefContained:
			if _, ok := fhir.FindContained(res, p.ID); !ok {
				rc.add(validation.SeverityError, fhir.IssueTypeNotFound, ref.Path,
					fmt.Sprintf("contained resource %s not found", ref.Reference))
			}
		case fhir.RefURN:
			rc.add(validation.SeverityWarning, fhir.IssueTypeNotFound, ref.Path,
				fmt.Sprintf("reference %s cannot be resolved outside a Bundle", ref.Reference))
		case fhir.RefRelative:
			rc.checkTarget(ref, p.ResourceType)
			if err := rc.exists(ctx, ref.Path, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (rc *refCheck) bundle(ctx context.Context, res map[string]interface{}) error {
	b, err := fhir.BundleFromMap(res)
	if err != nil {
		// Structural reports the malformed Bundle.
		return nil
	}
	for _, o := range fhir.ResolveBundleReferences(b) {
		found := fhir.FoundReference{Path: o.Path, Reference: o.Reference}
		if o.Result.Resolved {
			if o.Result.Entry != nil {
				rc.checkTarget(found, o.Result.Entry.ResourceType)
			}
			continue
		}
		if o.Result.Error == "" {
			continue
		}
		p := fhir.ParseReference(o.Reference)
		if o.Result.Method == fhir.MethodRelative && p.Kind == fhir.RefRelative {
			rc.checkTarget(found, p.ResourceType)
			if rc.checker != nil {
				if err := rc.exists(ctx, o.Path, p); err != nil {
					return err
				}
				continue
			}
		}
		rc.add(validation.SeverityError, fhir.IssueTypeNotFound, o.Path, o.Result.Error)
	}
	return nil
}

func (rc *refCheck) exists(ctx context.Context, path string, p fhir.ParsedReference) error {
	if rc.checker == nil {
		return nil
	}
	if rc.degraded {
		rc.deferred++
		return nil
	}
	ok, err := rc.checker.Exists(ctx, p.ResourceType, p.ID)
	if err != nil {
		return fmt.Errorf("check reference %s: %w", p.Raw, err)
	}
	if !ok {
		rc.add(validation.SeverityError, fhir.IssueTypeNotFound, path,
			fmt.Sprintf("referenced resource %s does not exist", p.TypeID()))
	}
	return nil
}

func (rc *refCheck) checkTarget(ref fhir.FoundReference, actual string) {
	if actual == "" {
		return
	}
	if ref.TargetType != "" && ref.TargetType != actual {
		rc.add(validation.SeverityError, fhir.IssueTypeValue, ref.Path,
			fmt.Sprintf("reference %s points to %s but declares type %s", ref.Reference, actual, ref.TargetType))
		return
	}
	allowed, ok := targetTypes[elementName(ref.Path)]
	if !ok {
		return
	}
	for _, t := range allowed {
		if t == actual {
			return
		}
	}
	rc.add(validation.SeverityError, fhir.IssueTypeValue, ref.Path,
		fmt.Sprintf("%s may not reference %s", elementName(ref.Path), actual))
}

// elementName returns the element holding the reference: "subject" for
// "Observation.subject.reference".
func elementName(path string) string {
	path = strings.TrimSuffix(path, ".reference")
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		path = path[i+1:]
	}
	if i := strings.IndexByte(path, '['); i >= 0 {
		path = path[:i]
	}
	return path
}
