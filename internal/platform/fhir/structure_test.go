package fhir

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func findIssue(issues []Issue, path string) *Issue {
	for i := range issues {
		if issues[i].Path == path {
			return &issues[i]
		}
	}
	return nil
}

func TestStructural_ValidPatient(t *testing.T) {
	v := NewStructuralValidator()
	issues := v.Validate(decode(t, `{"resourceType":"Patient","id":"123","birthDate":"1980-02-29"}`))
	if len(issues) != 0 {
		t.Errorf("expected no issues, got %+v", issues)
	}
}

func TestStructural_MissingResourceType(t *testing.T) {
	v := NewStructuralValidator()
	issues := v.Validate(decode(t, `{"id":"123"}`))
	if len(issues) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(issues))
	}
	if issues[0].Code != IssueTypeRequired {
		t.Errorf("expected code 'required', got '%s'", issues[0].Code)
	}
}

func TestStructural_UnknownResourceType(t *testing.T) {
	v := NewStructuralValidator()
	issues := v.Validate(decode(t, `{"resourceType":"FakeResource","id":"123"}`))
	if is := findIssue(issues, "resourceType"); is == nil || is.Code != IssueTypeValue {
		t.Errorf("expected a value issue for resourceType, got %+v", issues)
	}
}

func TestStructural_BadID(t *testing.T) {
	v := NewStructuralValidator()
	issues := v.Validate(decode(t, `{"resourceType":"Patient","id":"has spaces"}`))
	if findIssue(issues, "Patient.id") == nil {
		t.Errorf("expected issue at Patient.id, got %+v", issues)
	}
}

func TestStructural_RequiredElements(t *testing.T) {
	v := NewStructuralValidator()
	issues := v.Validate(decode(t, `{"resourceType":"Observation","id":"o1"}`))
	if findIssue(issues, "Observation.status") == nil {
		t.Error("expected Observation.status to be required")
	}
	if findIssue(issues, "Observation.code") == nil {
		t.Error("expected Observation.code to be required")
	}
}

func TestStructural_InvalidStatus(t *testing.T) {
	v := NewStructuralValidator()
	issues := v.Validate(decode(t, `{"resourceType":"Observation","status":"done","code":{"text":"x"}}`))
	is := findIssue(issues, "Observation.status")
	if is == nil {
		t.Fatal("expected a status issue")
	}
	if is.Code != IssueTypeCodeInvalid {
		t.Errorf("expected code-invalid, got %s", is.Code)
	}
}

func TestStructural_DateFormats(t *testing.T) {
	v := NewStructuralValidator()
	tests := []struct {
		name  string
		raw   string
		path  string
		valid bool
	}{
		{"year only", `{"resourceType":"Patient","birthDate":"1980"}`, "Patient.birthDate", true},
		{"bad month", `{"resourceType":"Patient","birthDate":"1980-13-01"}`, "Patient.birthDate", false},
		{"non leap day", `{"resourceType":"Patient","birthDate":"1981-02-29"}`, "Patient.birthDate", false},
		{"datetime with zone", `{"resourceType":"Observation","status":"final","code":{},"effectiveDateTime":"2024-01-02T10:00:00Z"}`, "Observation.effectiveDateTime", true},
		{"datetime missing zone", `{"resourceType":"Observation","status":"final","code":{},"effectiveDateTime":"2024-01-02T10:00:00"}`, "Observation.effectiveDateTime", false},
		{"number instead of string", `{"resourceType":"Patient","birthDate":1980}`, "Patient.birthDate", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := findIssue(v.Validate(decode(t, tt.raw)), tt.path) == nil
			if got != tt.valid {
				t.Errorf("valid = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestStructural_ReferenceFormat(t *testing.T) {
	v := NewStructuralValidator()
	issues := v.Validate(decode(t, `{"resourceType":"Condition","subject":{"reference":"not a ref"}}`))
	if findIssue(issues, "Condition.subject.reference") == nil {
		t.Errorf("expected reference format issue, got %+v", issues)
	}
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		ref  string
		kind ReferenceKind
		tid  string
	}{
		{"Patient/123", RefRelative, "Patient/123"},
		{"Patient/123/_history/2", RefRelative, "Patient/123"},
		{"https://fhir.example/r4/Patient/abc", RefAbsolute, "Patient/abc"},
		{"https://fhir.example/metadata", RefAbsolute, ""},
		{"urn:uuid:6b1f", RefURN, ""},
		{"#contained1", RefContained, ""},
		{"patient/123", RefInvalid, ""},
		{"", RefInvalid, ""},
	}
	for _, tt := range tests {
		p := ParseReference(tt.ref)
		if p.Kind != tt.kind {
			t.Errorf("ParseReference(%q).Kind = %s, want %s", tt.ref, p.Kind, tt.kind)
		}
		if p.TypeID() != tt.tid {
			t.Errorf("ParseReference(%q).TypeID() = %q, want %q", tt.ref, p.TypeID(), tt.tid)
		}
	}
}

func TestCollectReferences_SkipsContained(t *testing.T) {
	refs := CollectReferences(decode(t, `{
		"resourceType":"MedicationRequest",
		"contained":[{"resourceType":"Medication","id":"m","manufacturer":{"reference":"Organization/x"}}],
		"subject":{"reference":"Patient/1"},
		"performer":[{"reference":"Practitioner/2"}]
	}`))
	if len(refs) != 2 {
		t.Fatalf("expected 2 references, got %d: %+v", len(refs), refs)
	}
	if refs[0].Path != "MedicationRequest.performer[0].reference" {
		t.Errorf("unexpected first path %s", refs[0].Path)
	}
	if refs[1].Path != "MedicationRequest.subject.reference" {
		t.Errorf("unexpected second path %s", refs[1].Path)
	}
}
