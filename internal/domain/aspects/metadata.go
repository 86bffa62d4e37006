package aspects

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/validator/internal/domain/validation"
	"github.com/ehr/validator/internal/platform/fhir"
)

// Metadata checks the meta element. It depends on structural output: when
// the resource is structurally broken its metadata is flagged unreliable.
type Metadata struct {
	now func() time.Time
}

func NewMetadata(now func() time.Time) *Metadata {
	if now == nil {
		now = time.Now
	}
	return &Metadata{now: now}
}

func (m *Metadata) Aspect() validation.Aspect { return validation.AspectMetadata }

func (m *Metadata) DependsOn() []validation.Aspect {
	return []validation.Aspect{validation.AspectStructural}
}

func (m *Metadata) Validate(_ context.Context, in Input) ([]validation.Issue, error) {
	rt := resourceType(in.Resource)
	if rt == "" {
		rt = "Resource"
	}
	var issues []validation.Issue
	add := func(sev validation.Severity, code, path, msg string) {
		issues = append(issues, validation.Issue{
			Aspect:        validation.AspectMetadata,
			Severity:      sev,
			Code:          code,
			CanonicalPath: path,
			Message:       msg,
		})
	}

	for _, is := range in.Deps[validation.AspectStructural] {
		if is.Severity == validation.SeverityError {
			add(validation.SeverityInformation, fhir.IssueTypeInformational, rt+".meta",
				"resource is structurally invalid; metadata checks may be unreliable")
			break
		}
	}

	meta, ok := in.Resource["meta"].(map[string]interface{})
	if !ok {
		return issues, nil
	}

	if raw, present := meta["lastUpdated"]; present {
		path := rt + ".meta.lastUpdated"
		s, isStr := raw.(string)
		switch {
		case !isStr || !fhir.ValidTemporal("instant", s):
			add(validation.SeverityError, fhir.IssueTypeValue, path,
				fmt.Sprintf("lastUpdated %v is not a valid instant", raw))
		default:
			if t, err := fhir.ParseTemporal(s); err == nil && t.After(m.now().Add(time.Minute)) {
				add(validation.SeverityWarning, fhir.IssueTypeValue, path,
					fmt.Sprintf("lastUpdated %s is in the future", s))
			}
		}
	}

	if raw, present := meta["versionId"]; present {
		if s, isStr := raw.(string); !isStr || s == "" {
			add(validation.SeverityError, fhir.IssueTypeValue, rt+".meta.versionId",
				"versionId must be a non-empty string")
		}
	}

	if raw, present := meta["profile"]; present {
		list, isList := raw.([]interface{})
		if !isList {
			add(validation.SeverityError, fhir.IssueTypeStructure, rt+".meta.profile",
				"meta.profile must be an array of canonical URLs")
		}
		for i, p := range list {
			s, _ := p.(string)
			if !isCanonical(s) {
				add(validation.SeverityError, fhir.IssueTypeValue, fmt.Sprintf("%s.meta.profile[%d]", rt, i),
					fmt.Sprintf("profile %v is not a canonical URL", p))
			}
		}
	}

	for _, field := range []string{"security", "tag"} {
		list, _ := meta[field].([]interface{})
		for i, item := range list {
			c, _ := item.(map[string]interface{})
			sys, _ := c["system"].(string)
			code, _ := c["code"].(string)
			if sys == "" || code == "" {
				add(validation.SeverityWarning, fhir.IssueTypeRequired, fmt.Sprintf("%s.meta.%s[%d]", rt, field, i),
					fmt.Sprintf("meta.%s coding should carry both system and code", field))
			}
		}
	}

	return issues, nil
}

func isCanonical(s string) bool {
	if i := strings.IndexByte(s, '|'); i >= 0 {
		s = s[:i]
	}
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "urn:")
}
