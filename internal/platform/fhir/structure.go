package fhir

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	idPattern       = regexp.MustCompile(`^[A-Za-z0-9\-\.]{1,64}$`)
	datePattern     = regexp.MustCompile(`^\d{4}(-(0[1-9]|1[0-2])(-(0[1-9]|[12]\d|3[01]))?)?$`)
	dateTimePattern = regexp.MustCompile(`^\d{4}(-(0[1-9]|1[0-2])(-(0[1-9]|[12]\d|3[01])(T([01]\d|2[0-3]):[0-5]\d:([0-5]\d|60)(\.\d+)?(Z|[+-]((0\d|1[0-3]):[0-5]\d|14:00)))?)?)?$`)
	instantPattern  = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])-(0[1-9]|[12]\d|3[01])T([01]\d|2[0-3]):[0-5]\d:([0-5]\d|60)(\.\d+)?(Z|[+-]((0\d|1[0-3]):[0-5]\d|14:00))$`)
)

// knownResourceTypes lists the FHIR R4 resource types the structural check accepts.
var knownResourceTypes = map[string]bool{
	"Patient": true, "Practitioner": true, "PractitionerRole": true,
	"Organization": true, "Location": true, "Encounter": true,
	"Condition": true, "Observation": true, "AllergyIntolerance": true,
	"Procedure": true, "Medication": true, "MedicationRequest": true,
	"MedicationAdministration": true, "MedicationDispense": true,
	"MedicationStatement": true, "ServiceRequest": true,
	"DiagnosticReport": true, "ImagingStudy": true, "Specimen": true,
	"Appointment": true, "Schedule": true, "Slot": true,
	"Coverage": true, "Claim": true, "ClaimResponse": true,
	"Consent": true, "DocumentReference": true, "Composition": true,
	"Communication": true, "Questionnaire": true, "QuestionnaireResponse": true,
	"Bundle": true, "CarePlan": true, "CareTeam": true, "Device": true,
	"Immunization": true, "Goal": true, "Provenance": true,
	"RelatedPerson": true, "Group": true, "Task": true,
}

// statusValues maps resource types to the codes allowed in their status element.
var statusValues = map[string][]string{
	"Encounter":           {"planned", "arrived", "triaged", "in-progress", "onleave", "finished", "cancelled", "entered-in-error", "unknown"},
	"Observation":         {"registered", "preliminary", "final", "amended", "corrected", "cancelled", "entered-in-error", "unknown"},
	"Procedure":           {"preparation", "in-progress", "not-done", "on-hold", "stopped", "completed", "entered-in-error", "unknown"},
	"MedicationRequest":   {"active", "on-hold", "cancelled", "completed", "entered-in-error", "stopped", "draft", "unknown"},
	"ServiceRequest":      {"draft", "active", "on-hold", "revoked", "completed", "entered-in-error", "unknown"},
	"DiagnosticReport":    {"registered", "partial", "preliminary", "final", "amended", "corrected", "appended", "cancelled", "entered-in-error", "unknown"},
	"Immunization":        {"completed", "entered-in-error", "not-done"},
	"DocumentReference":   {"current", "superseded", "entered-in-error"},
	"Composition":         {"preliminary", "final", "amended", "entered-in-error"},
	"Appointment":         {"proposed", "pending", "booked", "arrived", "fulfilled", "cancelled", "noshow", "entered-in-error", "checked-in", "waitlist"},
	"Coverage":            {"active", "cancelled", "draft", "entered-in-error"},
	"Claim":               {"active", "cancelled", "draft", "entered-in-error"},
	"CarePlan":            {"draft", "active", "on-hold", "revoked", "completed", "entered-in-error", "unknown"},
	"Task":                {"draft", "requested", "received", "accepted", "rejected", "ready", "cancelled", "in-progress", "on-hold", "failed", "completed", "entered-in-error"},
	"Consent":             {"draft", "proposed", "active", "rejected", "inactive", "entered-in-error"},
	"MedicationStatement": {"active", "completed", "entered-in-error", "intended", "stopped", "on-hold", "unknown", "not-taken"},
}

// requiredElements lists elements with min=1 in the base R4 definitions.
var requiredElements = map[string][]string{
	"Observation":        {"status", "code"},
	"Condition":          {"subject"},
	"Encounter":          {"status", "class"},
	"Procedure":          {"status", "subject"},
	"MedicationRequest":  {"status", "intent", "subject"},
	"DiagnosticReport":   {"status", "code"},
	"Immunization":       {"status", "vaccineCode", "patient"},
	"AllergyIntolerance": {"patient"},
	"Bundle":             {"type"},
	"Coverage":           {"status", "beneficiary", "payor"},
	"CarePlan":           {"status", "intent", "subject"},
	"Task":               {"status", "intent"},
}

// dateElements lists top-level elements that carry a FHIR date or dateTime.
var dateElements = map[string]string{
	"birthDate":          "date",
	"deceasedDateTime":   "dateTime",
	"effectiveDateTime":  "dateTime",
	"issued":             "instant",
	"authoredOn":         "dateTime",
	"onsetDateTime":      "dateTime",
	"recordedDate":       "dateTime",
	"occurrenceDateTime": "dateTime",
	"performedDateTime":  "dateTime",
	"date":               "dateTime",
}

// StructuralValidator checks a decoded resource against base R4 structure rules.
type StructuralValidator struct{}

func NewStructuralValidator() *StructuralValidator {
	return &StructuralValidator{}
}

// Validate runs every structural check and returns the findings in a stable order.
func (v *StructuralValidator) Validate(resource map[string]interface{}) []Issue {
	if resource == nil {
		return []Issue{{
			Severity: SeverityError,
			Code:     IssueTypeStructure,
			Message:  "resource is empty",
		}}
	}

	var issues []Issue
	rt, ok := v.checkResourceType(resource, &issues)
	if !ok {
		return issues
	}
	v.checkID(resource, rt, &issues)
	v.checkMetaShape(resource, rt, &issues)
	v.checkRequired(resource, rt, &issues)
	v.checkStatus(resource, rt, &issues)
	v.checkDates(resource, rt, &issues)
	v.checkReferenceFormats(resource, &issues)
	return issues
}

func (v *StructuralValidator) checkResourceType(resource map[string]interface{}, issues *[]Issue) (string, bool) {
	raw, present := resource["resourceType"]
	if !present {
		*issues = append(*issues, Issue{
			Severity: SeverityError,
			Code:     IssueTypeRequired,
			Path:     "resourceType",
			Message:  "resourceType is required",
		})
		return "", false
	}
	rt, ok := raw.(string)
	if !ok || rt == "" {
		*issues = append(*issues, Issue{
			Severity: SeverityError,
			Code:     IssueTypeValue,
			Path:     "resourceType",
			Message:  "resourceType must be a non-empty string",
		})
		return "", false
	}
	if !knownResourceTypes[rt] {
		*issues = append(*issues, Issue{
			Severity: SeverityError,
			Code:     IssueTypeValue,
			Path:     "resourceType",
			Message:  fmt.Sprintf("unknown resourceType %q", rt),
		})
		return rt, false
	}
	return rt, true
}

func (v *StructuralValidator) checkID(resource map[string]interface{}, rt string, issues *[]Issue) {
	raw, present := resource["id"]
	if !present {
		return
	}
	id, ok := raw.(string)
	if !ok || !idPattern.MatchString(id) {
		*issues = append(*issues, Issue{
			Severity: SeverityError,
			Code:     IssueTypeValue,
			Path:     rt + ".id",
			Message:  fmt.Sprintf("id %v does not match [A-Za-z0-9-.]{1,64}", raw),
		})
	}
}

func (v *StructuralValidator) checkMetaShape(resource map[string]interface{}, rt string, issues *[]Issue) {
	raw, present := resource["meta"]
	if !present {
		return
	}
	if _, ok := raw.(map[string]interface{}); !ok {
		*issues = append(*issues, Issue{
			Severity: SeverityError,
			Code:     IssueTypeStructure,
			Path:     rt + ".meta",
			Message:  "meta must be an object",
		})
	}
}

func (v *StructuralValidator) checkRequired(resource map[string]interface{}, rt string, issues *[]Issue) {
	for _, field := range requiredElements[rt] {
		if val, ok := resource[field]; !ok || isEmptyValue(val) {
			*issues = append(*issues, Issue{
				Severity: SeverityError,
				Code:     IssueTypeRequired,
				Path:     rt + "." + field,
				Message:  fmt.Sprintf("element %s.%s is required", rt, field),
			})
		}
	}
}

func (v *StructuralValidator) checkStatus(resource map[string]interface{}, rt string, issues *[]Issue) {
	raw, present := resource["status"]
	if !present {
		return
	}
	status, ok := raw.(string)
	if !ok {
		*issues = append(*issues, Issue{
			Severity: SeverityError,
			Code:     IssueTypeValue,
			Path:     rt + ".status",
			Message:  "status must be a string",
		})
		return
	}
	allowed, has := statusValues[rt]
	if !has {
		return
	}
	for _, s := range allowed {
		if s == status {
			return
		}
	}
	*issues = append(*issues, Issue{
		Severity: SeverityError,
		Code:     IssueTypeCodeInvalid,
		Path:     rt + ".status",
		Message:  fmt.Sprintf("invalid status '%s' for %s; valid values: %s", status, rt, strings.Join(allowed, ", ")),
	})
}

func (v *StructuralValidator) checkDates(resource map[string]interface{}, rt string, issues *[]Issue) {
	for _, field := range sortedKeys(resource) {
		kind, isDate := dateElements[field]
		if !isDate {
			continue
		}
		s, ok := resource[field].(string)
		if !ok {
			*issues = append(*issues, Issue{
				Severity: SeverityError,
				Code:     IssueTypeValue,
				Path:     rt + "." + field,
				Message:  fmt.Sprintf("%s must be a %s string", field, kind),
			})
			continue
		}
		if !ValidTemporal(kind, s) {
			*issues = append(*issues, Issue{
				Severity: SeverityError,
				Code:     IssueTypeValue,
				Path:     rt + "." + field,
				Message:  fmt.Sprintf("'%s' is not a valid FHIR %s", s, kind),
			})
		}
	}
}

func (v *StructuralValidator) checkReferenceFormats(resource map[string]interface{}, issues *[]Issue) {
	for _, ref := range CollectReferences(resource) {
		if ValidateReferenceFormat(ref.Reference) {
			continue
		}
		*issues = append(*issues, Issue{
			Severity: SeverityError,
			Code:     IssueTypeValue,
			Path:     ref.Path,
			Message:  fmt.Sprintf("invalid reference format '%s'", ref.Reference),
		})
	}
}

// ValidTemporal reports whether s is a valid FHIR date, dateTime or instant.
func ValidTemporal(kind, s string) bool {
	switch kind {
	case "date":
		return datePattern.MatchString(s) && parsesAsCalendarDate(s)
	case "instant":
		if !instantPattern.MatchString(s) {
			return false
		}
		_, err := time.Parse(time.RFC3339Nano, s)
		return err == nil
	default:
		return dateTimePattern.MatchString(s) && parsesAsCalendarDate(s)
	}
}

// ParseTemporal parses a FHIR date/dateTime/instant into a time.
func ParseTemporal(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a FHIR date", s)
}

func parsesAsCalendarDate(s string) bool {
	if len(s) < 10 {
		return true
	}
	_, err := time.Parse("2006-01-02", s[:10])
	return err == nil
}

// isEmptyValue returns true if a value is nil, empty string, empty array, or empty map.
func isEmptyValue(val interface{}) bool {
	if val == nil {
		return true
	}
	switch v := val.(type) {
	case string:
		return v == ""
	case []interface{}:
		return len(v) == 0
	case map[string]interface{}:
		return len(v) == 0
	}
	return false
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsKnownResourceType returns true if the resource type is recognized.
func IsKnownResourceType(rt string) bool {
	return knownResourceTypes[rt]
}
