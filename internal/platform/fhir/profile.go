package fhir

import (
	"fmt"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// US Core IG v6.1.0 canonical profile URLs
// ---------------------------------------------------------------------------

const (
	USCorePatientURL            = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-patient"
	USCoreConditionURL          = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-condition-problems-health-concerns"
	USCoreObservationLabURL     = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-observation-lab"
	USCoreAllergyIntoleranceURL = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-allergyintolerance"
	USCoreMedicationRequestURL  = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-medicationrequest"
	USCoreEncounterURL          = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-encounter"
	USCoreImmunizationURL       = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-immunization"
)

// ---------------------------------------------------------------------------
// Profile Definition Model
// ---------------------------------------------------------------------------

// ProfileDefinition is the subset of a StructureDefinition the profile check enforces.
type ProfileDefinition struct {
	URL         string
	Name        string
	Type        string // base resource type
	Version     string
	Constraints []ProfileConstraint
}

// ProfileConstraint is an element-level rule.
type ProfileConstraint struct {
	Path        string // "Patient.identifier.system"; choice types as "value[x]"
	Min         int
	Max         string // "1", "*", "0"
	MustSupport bool
	Binding     *ProfileBinding
	Pattern     map[string]interface{} // required Coding pattern, matched on system+code
}

// ProfileBinding represents a value set binding on a coded element.
type ProfileBinding struct {
	Strength string // required|extensible|preferred|example
	ValueSet string
}

// CodeMembership answers whether a code belongs to a value set. It returns
// known=false when the value set is not available locally.
type CodeMembership interface {
	InValueSet(valueSet, system, code string) (member bool, known bool)
}

// ---------------------------------------------------------------------------
// Profile Registry
// ---------------------------------------------------------------------------

// ProfileRegistry stores and looks up profile definitions.
type ProfileRegistry struct {
	mu     sync.RWMutex
	byURL  map[string]*ProfileDefinition
	byType map[string][]*ProfileDefinition
}

func NewProfileRegistry() *ProfileRegistry {
	return &ProfileRegistry{
		byURL:  make(map[string]*ProfileDefinition),
		byType: make(map[string][]*ProfileDefinition),
	}
}

// Register adds or replaces a profile definition.
func (r *ProfileRegistry) Register(profile ProfileDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := profile
	if existing, ok := r.byURL[p.URL]; ok {
		list := r.byType[existing.Type]
		for i, pp := range list {
			if pp.URL == p.URL {
				r.byType[existing.Type] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	r.byURL[p.URL] = &p
	r.byType[p.Type] = append(r.byType[p.Type], &p)
}

// Lookup returns the profile with the given canonical URL. A trailing
// "|version" is ignored.
func (r *ProfileRegistry) Lookup(url string) (*ProfileDefinition, bool) {
	if i := strings.IndexByte(url, '|'); i >= 0 {
		url = url[:i]
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byURL[url]
	return p, ok
}

// Len returns the number of registered profiles.
func (r *ProfileRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byURL)
}

// ---------------------------------------------------------------------------
// Profile Validator
// ---------------------------------------------------------------------------

// ProfileValidator validates resources against registered profiles.
type ProfileValidator struct {
	registry *ProfileRegistry
	codes    CodeMembership
}

// NewProfileValidator creates a ProfileValidator. codes may be nil, in
// which case required bindings are not checked.
func NewProfileValidator(registry *ProfileRegistry, codes CodeMembership) *ProfileValidator {
	return &ProfileValidator{registry: registry, codes: codes}
}

// Validate checks resource against the profile identified by profileURL.
// The boolean is false when the profile is not registered.
func (v *ProfileValidator) Validate(resource map[string]interface{}, profileURL string) ([]Issue, bool) {
	profile, ok := v.registry.Lookup(profileURL)
	if !ok {
		return nil, false
	}

	rt, _ := resource["resourceType"].(string)
	if rt != profile.Type {
		return []Issue{{
			Severity: SeverityError,
			Code:     IssueTypeStructure,
			Path:     rt,
			Message:  fmt.Sprintf("profile %s applies to %s, not %s", profile.Name, profile.Type, rt),
		}}, true
	}

	var issues []Issue
	for _, c := range profile.Constraints {
		issues = append(issues, v.evaluateConstraint(resource, profile, c)...)
	}
	if profile.URL == USCorePatientURL {
		issues = append(issues, patientNameRule(resource)...)
	}
	return issues, true
}

func (v *ProfileValidator) evaluateConstraint(resource map[string]interface{}, profile *ProfileDefinition, c ProfileConstraint) []Issue {
	parts := strings.Split(c.Path, ".")
	if len(parts) < 2 {
		return nil
	}
	fieldParts := parts[1:]

	var (
		val     interface{}
		present bool
	)
	if strings.HasSuffix(fieldParts[0], "[x]") && len(fieldParts) == 1 {
		val, present = resolveChoice(resource, strings.TrimSuffix(fieldParts[0], "[x]"))
	} else {
		val, present = resolveFieldPath(resource, fieldParts)
	}
	empty := !present || isEmptyValue(val)

	if c.Min > 0 && empty {
		return []Issue{{
			Severity: SeverityError,
			Code:     IssueTypeRequired,
			Path:     c.Path,
			Message:  fmt.Sprintf("element '%s' is required (min=%d) by profile '%s'", c.Path, c.Min, profile.Name),
		}}
	}

	var issues []Issue
	if c.MustSupport && c.Min == 0 && empty {
		issues = append(issues, Issue{
			Severity: SeverityInformation,
			Code:     IssueTypeInformational,
			Path:     c.Path,
			Message:  fmt.Sprintf("must-support element '%s' is not present", c.Path),
		})
	}
	if empty {
		return issues
	}

	if c.Max == "0" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     IssueTypeStructure,
			Path:     c.Path,
			Message:  fmt.Sprintf("element '%s' is prohibited by profile '%s'", c.Path, profile.Name),
		})
	}
	if c.Max == "1" {
		if arr, ok := val.([]interface{}); ok && len(arr) > 1 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Code:     IssueTypeStructure,
				Path:     c.Path,
				Message:  fmt.Sprintf("element '%s' allows at most 1 repetition, found %d", c.Path, len(arr)),
			})
		}
	}
	if c.Pattern != nil && !matchesCodingPattern(val, c.Pattern) {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     IssueTypeValue,
			Path:     c.Path,
			Message:  fmt.Sprintf("element '%s' does not carry the coding required by profile '%s'", c.Path, profile.Name),
		})
	}
	if c.Binding != nil && c.Binding.Strength == "required" && v.codes != nil {
		issues = append(issues, v.checkRequiredBinding(val, c)...)
	}
	return issues
}

func (v *ProfileValidator) checkRequiredBinding(val interface{}, c ProfileConstraint) []Issue {
	var issues []Issue
	for _, coding := range ExtractCodings(val) {
		member, known := v.codes.InValueSet(c.Binding.ValueSet, coding.System, coding.Code)
		if !known || member {
			continue
		}
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     IssueTypeCodeInvalid,
			Path:     c.Path,
			Message:  fmt.Sprintf("code '%s' is not in required value set %s", coding.Code, c.Binding.ValueSet),
		})
	}
	return issues
}

func resolveChoice(resource map[string]interface{}, base string) (interface{}, bool) {
	for key, val := range resource {
		if len(key) > len(base) && strings.HasPrefix(key, base) {
			suffix := key[len(base):]
			if suffix[0] >= 'A' && suffix[0] <= 'Z' {
				return val, true
			}
		}
	}
	return nil, false
}

// resolveFieldPath walks the resource map to find a value at the given path.
// For arrays the first item that has the remaining path wins.
func resolveFieldPath(resource map[string]interface{}, parts []string) (interface{}, bool) {
	val, ok := resource[parts[0]]
	if !ok {
		return nil, false
	}
	if len(parts) == 1 {
		return val, true
	}

	switch typed := val.(type) {
	case map[string]interface{}:
		return resolveFieldPath(typed, parts[1:])
	case []interface{}:
		for _, item := range typed {
			if m, ok := item.(map[string]interface{}); ok {
				if found, ok := resolveFieldPath(m, parts[1:]); ok {
					return found, true
				}
			}
		}
	}
	return nil, false
}

func matchesCodingPattern(val interface{}, pattern map[string]interface{}) bool {
	wantSystem, _ := pattern["system"].(string)
	wantCode, _ := pattern["code"].(string)
	items, ok := val.([]interface{})
	if !ok {
		items = []interface{}{val}
	}
	for _, item := range items {
		for _, c := range ExtractCodings(item) {
			if c.Code == wantCode && (wantSystem == "" || c.System == wantSystem) {
				return true
			}
		}
	}
	return false
}

func patientNameRule(resource map[string]interface{}) []Issue {
	names, _ := resource["name"].([]interface{})
	if len(names) == 0 {
		return nil
	}
	for _, raw := range names {
		n, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if f, _ := n["family"].(string); f != "" {
			return nil
		}
		if g, _ := n["given"].([]interface{}); len(g) > 0 {
			return nil
		}
	}
	return []Issue{{
		Severity: SeverityError,
		Code:     IssueTypeRequired,
		Path:     "Patient.name",
		Message:  "US Core Patient requires name to have at least family or given",
	}}
}

// ---------------------------------------------------------------------------
// Built-in US Core Profile Registration
// ---------------------------------------------------------------------------

// RegisterUSCoreProfiles registers the built-in subset of US Core IG v6.1.0.
func RegisterUSCoreProfiles(reg *ProfileRegistry) {
	reg.Register(ProfileDefinition{
		URL: USCorePatientURL, Name: "USCorePatient", Type: "Patient", Version: "6.1.0",
		Constraints: []ProfileConstraint{
			{Path: "Patient.identifier", Min: 1, Max: "*"},
			{Path: "Patient.identifier.system", Min: 1, Max: "1"},
			{Path: "Patient.identifier.value", Min: 1, Max: "1"},
			{Path: "Patient.name", Min: 1, Max: "*"},
			{Path: "Patient.gender", Min: 1, Max: "1", Binding: &ProfileBinding{
				Strength: "required",
				ValueSet: "http://hl7.org/fhir/ValueSet/administrative-gender",
			}},
			{Path: "Patient.birthDate", Max: "1", MustSupport: true},
			{Path: "Patient.telecom", Max: "*", MustSupport: true},
		},
	})
	reg.Register(ProfileDefinition{
		URL: USCoreConditionURL, Name: "USCoreConditionProblemsHealthConcerns", Type: "Condition", Version: "6.1.0",
		Constraints: []ProfileConstraint{
			{Path: "Condition.clinicalStatus", Max: "1", MustSupport: true, Binding: &ProfileBinding{
				Strength: "required",
				ValueSet: "http://hl7.org/fhir/ValueSet/condition-clinical",
			}},
			{Path: "Condition.category", Min: 1, Max: "*"},
			{Path: "Condition.code", Min: 1, Max: "1"},
			{Path: "Condition.subject", Min: 1, Max: "1"},
		},
	})
	reg.Register(ProfileDefinition{
		URL: USCoreObservationLabURL, Name: "USCoreObservationLab", Type: "Observation", Version: "6.1.0",
		Constraints: []ProfileConstraint{
			{Path: "Observation.status", Min: 1, Max: "1", Binding: &ProfileBinding{
				Strength: "required",
				ValueSet: "http://hl7.org/fhir/ValueSet/observation-status",
			}},
			{Path: "Observation.category", Min: 1, Max: "*", Pattern: map[string]interface{}{
				"system": "http://terminology.hl7.org/CodeSystem/observation-category",
				"code":   "laboratory",
			}},
			{Path: "Observation.code", Min: 1, Max: "1"},
			{Path: "Observation.subject", Min: 1, Max: "1"},
			{Path: "Observation.effective[x]", Max: "1", MustSupport: true},
			{Path: "Observation.value[x]", Max: "1", MustSupport: true},
		},
	})
	reg.Register(ProfileDefinition{
		URL: USCoreAllergyIntoleranceURL, Name: "USCoreAllergyIntolerance", Type: "AllergyIntolerance", Version: "6.1.0",
		Constraints: []ProfileConstraint{
			{Path: "AllergyIntolerance.clinicalStatus", Max: "1", MustSupport: true},
			{Path: "AllergyIntolerance.code", Min: 1, Max: "1"},
			{Path: "AllergyIntolerance.patient", Min: 1, Max: "1"},
		},
	})
	reg.Register(ProfileDefinition{
		URL: USCoreMedicationRequestURL, Name: "USCoreMedicationRequest", Type: "MedicationRequest", Version: "6.1.0",
		Constraints: []ProfileConstraint{
			{Path: "MedicationRequest.status", Min: 1, Max: "1"},
			{Path: "MedicationRequest.intent", Min: 1, Max: "1"},
			{Path: "MedicationRequest.medication[x]", Min: 1, Max: "1"},
			{Path: "MedicationRequest.subject", Min: 1, Max: "1"},
			{Path: "MedicationRequest.authoredOn", Max: "1", MustSupport: true},
		},
	})
	reg.Register(ProfileDefinition{
		URL: USCoreEncounterURL, Name: "USCoreEncounter", Type: "Encounter", Version: "6.1.0",
		Constraints: []ProfileConstraint{
			{Path: "Encounter.status", Min: 1, Max: "1", Binding: &ProfileBinding{
				Strength: "required",
				ValueSet: "http://hl7.org/fhir/ValueSet/encounter-status",
			}},
			{Path: "Encounter.class", Min: 1, Max: "1"},
			{Path: "Encounter.type", Min: 1, Max: "*"},
			{Path: "Encounter.subject", Min: 1, Max: "1"},
		},
	})
	reg.Register(ProfileDefinition{
		URL: USCoreImmunizationURL, Name: "USCoreImmunization", Type: "Immunization", Version: "6.1.0",
		Constraints: []ProfileConstraint{
			{Path: "Immunization.status", Min: 1, Max: "1"},
			{Path: "Immunization.vaccineCode", Min: 1, Max: "1"},
			{Path: "Immunization.patient", Min: 1, Max: "1"},
			{Path: "Immunization.occurrence[x]", Min: 1, Max: "1"},
		},
	})
}
