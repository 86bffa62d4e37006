package fhir

import (
	"fmt"
	"sync"
)

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeLookup is the result of checking one code against a code system.
type CodeLookup struct {
	// KnownSystem is false when the code system is not held locally.
	KnownSystem bool
	Valid       bool
	Display     string
}

// InMemoryTerminology holds small FHIR code systems and the value sets
// that include them in full. It is safe for concurrent use.
type InMemoryTerminology struct {
	mu          sync.RWMutex
	codeSystems map[string]map[string]string // system -> code -> display
	valueSets   map[string][]string          // value set url -> included systems
}

// NewInMemoryTerminology creates a terminology holder preloaded with the
// R4 code systems referenced by the built-in profiles.
func NewInMemoryTerminology() *InMemoryTerminology {
	t := &InMemoryTerminology{
		codeSystems: make(map[string]map[string]string),
		valueSets:   make(map[string][]string),
	}
	t.registerBuiltins()
	return t
}

func (t *InMemoryTerminology) registerBuiltins() {
	t.RegisterCodeSystem("http://hl7.org/fhir/administrative-gender", map[string]string{
		"male": "Male", "female": "Female", "other": "Other", "unknown": "Unknown",
	}, "http://hl7.org/fhir/ValueSet/administrative-gender")

	t.RegisterCodeSystem("http://hl7.org/fhir/observation-status", map[string]string{
		"registered": "Registered", "preliminary": "Preliminary", "final": "Final",
		"amended": "Amended", "corrected": "Corrected", "cancelled": "Cancelled",
		"entered-in-error": "Entered in Error", "unknown": "Unknown",
	}, "http://hl7.org/fhir/ValueSet/observation-status")

	t.RegisterCodeSystem("http://hl7.org/fhir/encounter-status", map[string]string{
		"planned": "Planned", "arrived": "Arrived", "triaged": "Triaged",
		"in-progress": "In Progress", "onleave": "On Leave", "finished": "Finished",
		"cancelled": "Cancelled", "entered-in-error": "Entered in Error", "unknown": "Unknown",
	}, "http://hl7.org/fhir/ValueSet/encounter-status")

	t.RegisterCodeSystem("http://terminology.hl7.org/CodeSystem/condition-clinical", map[string]string{
		"active": "Active", "recurrence": "Recurrence", "relapse": "Relapse",
		"inactive": "Inactive", "remission": "Remission", "resolved": "Resolved",
	}, "http://hl7.org/fhir/ValueSet/condition-clinical")

	t.RegisterCodeSystem("http://terminology.hl7.org/CodeSystem/observation-category", map[string]string{
		"social-history": "Social History", "vital-signs": "Vital Signs",
		"imaging": "Imaging", "laboratory": "Laboratory", "procedure": "Procedure",
		"survey": "Survey", "exam": "Exam", "therapy": "Therapy", "activity": "Activity",
	}, "http://hl7.org/fhir/ValueSet/observation-category")

	t.RegisterCodeSystem("http://terminology.hl7.org/CodeSystem/v3-ActCode", map[string]string{
		"AMB": "ambulatory", "EMER": "emergency", "IMP": "inpatient encounter",
		"HH": "home health", "VR": "virtual", "OBSENC": "observation encounter",
	}, "http://terminology.hl7.org/ValueSet/v3-ActEncounterCode")
}

// RegisterCodeSystem adds a code system and, optionally, value sets that
// include the whole system.
func (t *InMemoryTerminology) RegisterCodeSystem(system string, codes map[string]string, valueSets ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs := make(map[string]string, len(codes))
	for code, display := range codes {
		cs[code] = display
	}
	t.codeSystems[system] = cs
	for _, vs := range valueSets {
		t.valueSets[vs] = append(t.valueSets[vs], system)
	}
}

// HasSystem reports whether system is held locally.
func (t *InMemoryTerminology) HasSystem(system string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.codeSystems[system]
	return ok
}

// Lookup checks a code against a locally held code system.
func (t *InMemoryTerminology) Lookup(system, code string) CodeLookup {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cs, ok := t.codeSystems[system]
	if !ok {
		return CodeLookup{}
	}
	display, valid := cs[code]
	return CodeLookup{KnownSystem: true, Valid: valid, Display: display}
}

// InValueSet implements CodeMembership. An empty system matches any
// system included by the value set, which is how bare code elements
// (Patient.gender) are checked.
func (t *InMemoryTerminology) InValueSet(valueSet, system, code string) (bool, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	systems, ok := t.valueSets[valueSet]
	if !ok {
		return false, false
	}
	for _, s := range systems {
		if system != "" && s != system {
			continue
		}
		if _, ok := t.codeSystems[s][code]; ok {
			return true, true
		}
	}
	return false, true
}

// ExtractCodings returns the codings carried by a code, Coding, or
// CodeableConcept value (or a list of them). A bare string is returned as
// a Coding without a system.
func ExtractCodings(val interface{}) []Coding {
	switch typed := val.(type) {
	case string:
		return []Coding{{Code: typed}}
	case []interface{}:
		var out []Coding
		for _, item := range typed {
			out = append(out, ExtractCodings(item)...)
		}
		return out
	case map[string]interface{}:
		if list, ok := typed["coding"].([]interface{}); ok {
			var out []Coding
			for _, item := range list {
				if m, ok := item.(map[string]interface{}); ok {
					out = append(out, codingFromMap(m))
				}
			}
			return out
		}
		if _, ok := typed["code"]; ok {
			return []Coding{codingFromMap(typed)}
		}
	}
	return nil
}

func codingFromMap(m map[string]interface{}) Coding {
	c := Coding{}
	c.System, _ = m["system"].(string)
	c.Code, _ = m["code"].(string)
	c.Display, _ = m["display"].(string)
	return c
}

// FoundCoding is a Coding located inside a resource.
type FoundCoding struct {
	Path   string
	Coding Coding
}

// CollectCodings walks a resource and returns every Coding that carries a
// system and a code, in a stable path order. meta is skipped.
func CollectCodings(resource map[string]interface{}) []FoundCoding {
	rt, _ := resource["resourceType"].(string)
	var out []FoundCoding
	collectCodings(resource, rt, &out)
	return out
}

func collectCodings(obj map[string]interface{}, path string, out *[]FoundCoding) {
	for _, key := range sortedKeys(obj) {
		if key == "meta" || key == "contained" {
			continue
		}
		current := joinPath(path, key)
		switch typed := obj[key].(type) {
		case map[string]interface{}:
			collectCodingsFromValue(typed, current, out)
		case []interface{}:
			for i, item := range typed {
				if m, ok := item.(map[string]interface{}); ok {
					collectCodingsFromValue(m, fmt.Sprintf("%s[%d]", current, i), out)
				}
			}
		}
	}
}

func collectCodingsFromValue(m map[string]interface{}, path string, out *[]FoundCoding) {
	sys, hasSys := m["system"].(string)
	code, hasCode := m["code"].(string)
	if hasSys && hasCode && sys != "" && code != "" {
		display, _ := m["display"].(string)
		*out = append(*out, FoundCoding{Path: path, Coding: Coding{System: sys, Code: code, Display: display}})
		return
	}
	collectCodings(m, path, out)
}
