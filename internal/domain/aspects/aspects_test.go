package aspects

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/validator/internal/domain/validation"
	"github.com/ehr/validator/internal/platform/fhir"
	"github.com/ehr/validator/internal/platform/upstream"
)

func input(res map[string]interface{}) Input {
	rt, id := fhir.ResourceTypeAndID(res)
	return Input{
		Key:      validation.ResourceKey{ServerID: "srv", ResourceType: rt, FhirID: id},
		Resource: res,
		Settings: validation.DefaultSettings("srv"),
	}
}

func codes(issues []validation.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, is := range issues {
		out = append(out, is.Code)
	}
	return out
}

type fakeRefs map[string]bool

func (f fakeRefs) Exists(_ context.Context, rt, id string) (bool, error) {
	return f[rt+"/"+id], nil
}

type fakeCodes struct {
	calls int
	valid bool
	err   error
}

func (f *fakeCodes) ValidateCode(context.Context, string, string, string) (upstream.CodeValidation, error) {
	f.calls++
	if f.err != nil {
		return upstream.CodeValidation{}, f.err
	}
	return upstream.CodeValidation{Valid: f.valid, Message: "unknown"}, nil
}

type fakeProfiles map[string]bool

func (f fakeProfiles) ProfileExists(_ context.Context, url string) (bool, error) {
	return f[url], nil
}

func TestDefault_CoversEveryAspect(t *testing.T) {
	vs := Default(Deps{})
	require.Len(t, vs, len(validation.AllAspects()))
	seen := map[validation.Aspect]bool{}
	for _, v := range vs {
		seen[v.Aspect()] = true
	}
	for _, a := range validation.AllAspects() {
		assert.True(t, seen[a], a)
	}
}

func TestStructural(t *testing.T) {
	s := NewStructural()
	issues, err := s.Validate(context.Background(), input(map[string]interface{}{"id": "x"}))
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, validation.AspectStructural, issues[0].Aspect)
	assert.Equal(t, validation.SeverityError, issues[0].Severity)

	issues, err = s.Validate(context.Background(), input(map[string]interface{}{
		"resourceType": "Observation", "id": "o1", "status": "bogus",
	}))
	require.NoError(t, err)
	assert.NotEmpty(t, issues)
}

func TestStructural_BundleDuplicateFullURL(t *testing.T) {
	bundle := map[string]interface{}{
		"resourceType": "Bundle", "id": "b1", "type": "collection",
		"entry": []interface{}{
			map[string]interface{}{"fullUrl": "urn:uuid:1", "resource": map[string]interface{}{"resourceType": "Patient"}},
			map[string]interface{}{"fullUrl": "urn:uuid:1", "resource": map[string]interface{}{"resourceType": "Patient"}},
		},
	}
	issues, err := NewStructural().Validate(context.Background(), input(bundle))
	require.NoError(t, err)
	assert.Contains(t, codes(issues), fhir.IssueTypeDuplicate)
}

func TestMetadata(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m := NewMetadata(func() time.Time { return now })
	assert.Equal(t, []validation.Aspect{validation.AspectStructural}, m.DependsOn())

	in := input(map[string]interface{}{
		"resourceType": "Patient", "id": "p1",
		"meta": map[string]interface{}{
			"lastUpdated": "2030-01-01T00:00:00Z",
			"versionId":   "",
			"profile":     []interface{}{"not a url", "http://example.org/sd|1.0"},
			"tag":         []interface{}{map[string]interface{}{"code": "x"}},
		},
	})
	issues, err := m.Validate(context.Background(), in)
	require.NoError(t, err)

	paths := map[string]validation.Severity{}
	for _, is := range issues {
		paths[is.CanonicalPath] = is.Severity
	}
	assert.Equal(t, validation.SeverityWarning, paths["Patient.meta.lastUpdated"])
	assert.Equal(t, validation.SeverityError, paths["Patient.meta.versionId"])
	assert.Equal(t, validation.SeverityError, paths["Patient.meta.profile[0]"])
	assert.NotContains(t, paths, "Patient.meta.profile[1]")
	assert.Equal(t, validation.SeverityWarning, paths["Patient.meta.tag[0]"])
}

func TestMetadata_UsesStructuralOutput(t *testing.T) {
	m := NewMetadata(nil)
	in := input(map[string]interface{}{"resourceType": "Patient", "id": "p1"})
	in.Deps = map[validation.Aspect][]validation.Issue{
		validation.AspectStructural: {{Severity: validation.SeverityError, Code: "structure"}},
	}
	issues, err := m.Validate(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, validation.SeverityInformation, issues[0].Severity)
}

func TestBusinessRules(t *testing.T) {
	b := NewBusinessRules(nil)
	in := input(map[string]interface{}{"resourceType": "Patient", "id": "p1", "gender": "female"})
	in.Settings.Rules = []validation.BusinessRule{
		{ID: "r2", ResourceType: "Patient", Expression: "birthDate.exists()", Severity: validation.SeverityWarning, Message: "birth date missing"},
		{ID: "r1", ResourceType: "Patient", Expression: "gender = 'female'"},
		{ID: "r3", ResourceType: "*", Expression: "x => x"},
		{ID: "r4", ResourceType: "Observation", Expression: "false"},
	}
	issues, err := b.Validate(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, issues, 2)

	assert.Equal(t, "r2", issues[0].RuleID)
	assert.Equal(t, validation.SeverityWarning, issues[0].Severity)
	assert.Equal(t, "birth date missing", issues[0].Message)
	assert.Equal(t, fhir.IssueTypeBusinessRule, issues[0].Code)

	assert.Equal(t, "r3", issues[1].RuleID)
	assert.Equal(t, validation.SeverityError, issues[1].Severity)
	assert.Equal(t, fhir.IssueTypeProcessing, issues[1].Code)
}

func TestReference_Standalone(t *testing.T) {
	r := NewReference(fakeRefs{"Patient/p1": true})
	res := map[string]interface{}{
		"resourceType": "Observation", "id": "o1",
		"subject":   map[string]interface{}{"reference": "Patient/p1"},
		"performer": []interface{}{map[string]interface{}{"reference": "Practitioner/gone"}},
		"specimen":  map[string]interface{}{"reference": "#missing"},
		"device":    map[string]interface{}{"reference": "https://other.example/fhir/Device/d1"},
	}
	assert.True(t, r.NeedsUpstream(input(res)))
	issues, err := r.Validate(context.Background(), input(res))
	require.NoError(t, err)

	paths := map[string]string{}
	for _, is := range issues {
		paths[is.CanonicalPath] = is.Code
	}
	assert.Equal(t, fhir.IssueTypeNotFound, paths["Observation.performer[0].reference"])
	assert.Equal(t, fhir.IssueTypeNotFound, paths["Observation.specimen.reference"])
	assert.NotContains(t, paths, "Observation.subject.reference")
	assert.NotContains(t, paths, "Observation.device.reference")
}

func TestReference_TargetType(t *testing.T) {
	r := NewReference(nil)
	res := map[string]interface{}{
		"resourceType": "Immunization", "id": "i1",
		"patient": map[string]interface{}{"reference": "Practitioner/x"},
	}
	issues, err := r.Validate(context.Background(), input(res))
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "Immunization.patient.reference", issues[0].CanonicalPath)
}

func TestReference_DegradedDefers(t *testing.T) {
	r := NewReference(fakeRefs{})
	in := input(map[string]interface{}{
		"resourceType": "Observation", "id": "o1",
		"subject": map[string]interface{}{"reference": "Patient/p1"},
	})
	in.Capability.Degraded = true
	issues, err := r.Validate(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, CodeReferenceCheckDeferred, issues[0].Code)
	assert.Equal(t, validation.SeverityInformation, issues[0].Severity)
}

func TestReference_Bundle(t *testing.T) {
	r := NewReference(nil)
	bundle := map[string]interface{}{
		"resourceType": "Bundle", "id": "b1", "type": "transaction",
		"entry": []interface{}{
			map[string]interface{}{
				"fullUrl":  "urn:uuid:11111111-1111-1111-1111-111111111111",
				"resource": map[string]interface{}{"resourceType": "Patient"},
			},
			map[string]interface{}{
				"fullUrl": "urn:uuid:22222222-2222-2222-2222-222222222222",
				"resource": map[string]interface{}{
					"resourceType": "Observation",
					"subject":      map[string]interface{}{"reference": "urn:uuid:11111111-1111-1111-1111-111111111111"},
					"encounter":    map[string]interface{}{"reference": "urn:uuid:99999999-9999-9999-9999-999999999999"},
					"performer":    []interface{}{map[string]interface{}{"reference": "Practitioner/nowhere"}},
				},
			},
		},
	}
	issues, err := r.Validate(context.Background(), input(bundle))
	require.NoError(t, err)
	require.Len(t, issues, 2)
	paths := []string{issues[0].CanonicalPath, issues[1].CanonicalPath}
	assert.Contains(t, paths, "Bundle.entry[1].resource.encounter.reference")
	assert.Contains(t, paths, "Bundle.entry[1].resource.performer[0].reference")
}

func TestProfile(t *testing.T) {
	p := NewProfile(nil, fakeProfiles{"http://example.org/published": true}, fhir.NewInMemoryTerminology())
	res := map[string]interface{}{
		"resourceType": "Patient", "id": "p1",
		"meta": map[string]interface{}{"profile": []interface{}{
			fhir.USCorePatientURL,
			"http://example.org/published",
			"http://example.org/missing",
		}},
	}
	in := input(res)
	assert.True(t, p.NeedsUpstream(in))

	issues, err := p.Validate(context.Background(), in)
	require.NoError(t, err)

	var sawUSCore, sawPublished, sawMissing bool
	for _, is := range issues {
		switch {
		case is.Code == fhir.IssueTypeNotFound:
			sawMissing = true
			assert.Equal(t, validation.SeverityError, is.Severity)
		case is.Severity == validation.SeverityInformation:
			sawPublished = true
		case is.CanonicalPath != "Patient.meta.profile":
			sawUSCore = true
		}
	}
	assert.True(t, sawUSCore, "US Core constraints should fire on an empty patient")
	assert.True(t, sawPublished)
	assert.True(t, sawMissing)

	in.Capability.Degraded = true
	issues, err = p.Validate(context.Background(), in)
	require.NoError(t, err)
	for _, is := range issues {
		assert.NotEqual(t, fhir.IssueTypeNotFound, is.Code)
	}
}

func TestProfile_LocalOnlyNeedsNoUpstream(t *testing.T) {
	p := NewProfile(nil, fakeProfiles{}, nil)
	in := input(map[string]interface{}{
		"resourceType": "Patient", "id": "p1",
		"meta": map[string]interface{}{"profile": []interface{}{fhir.USCorePatientURL}},
	})
	assert.False(t, p.NeedsUpstream(in))
}

func TestTerminology(t *testing.T) {
	remote := &fakeCodes{valid: false}
	tm := NewTerminology(nil, remote)
	res := map[string]interface{}{
		"resourceType": "Observation", "id": "o1",
		"category": []interface{}{map[string]interface{}{"coding": []interface{}{
			map[string]interface{}{"system": "http://terminology.hl7.org/CodeSystem/observation-category", "code": "nope"},
		}}},
		"code": map[string]interface{}{"coding": []interface{}{
			map[string]interface{}{"system": "http://loinc.org", "code": "0000-0"},
		}},
	}
	in := input(res)
	assert.True(t, tm.NeedsUpstream(in))

	issues, err := tm.Validate(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, issues, 2)
	for _, is := range issues {
		assert.Equal(t, fhir.IssueTypeCodeInvalid, is.Code)
	}

	_, err = tm.Validate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, remote.calls, "remote results are cached")
}

func TestTerminology_DegradedDefers(t *testing.T) {
	remote := &fakeCodes{}
	tm := NewTerminology(nil, remote)
	in := input(map[string]interface{}{
		"resourceType": "Observation", "id": "o1",
		"code": map[string]interface{}{"coding": []interface{}{
			map[string]interface{}{"system": "http://loinc.org", "code": "1"},
		}},
	})
	in.Capability.Degraded = true
	issues, err := tm.Validate(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, CodeTerminologyCheckDeferred, issues[0].Code)
	assert.Equal(t, 0, remote.calls)
}

func TestTerminology_RemoteErrorPropagates(t *testing.T) {
	tm := NewTerminology(nil, &fakeCodes{err: errors.New("connection refused")})
	in := input(map[string]interface{}{
		"resourceType": "Observation", "id": "o1",
		"code": map[string]interface{}{"coding": []interface{}{
			map[string]interface{}{"system": "http://snomed.info/sct", "code": "1"},
		}},
	})
	_, err := tm.Validate(context.Background(), in)
	assert.Error(t, err)
}

func TestMemoryResourceStore(t *testing.T) {
	s := NewMemoryResourceStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, map[string]interface{}{"resourceType": "Patient", "id": "p1"}))
	assert.Error(t, s.Upsert(ctx, map[string]interface{}{"resourceType": "Patient"}))

	got, err := s.Get(ctx, "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got["id"])

	_, err = s.Get(ctx, "Patient", "p2")
	assert.ErrorIs(t, err, fhir.ErrResourceNotFound)

	ok, err := s.Exists(ctx, "Patient", "p2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}
