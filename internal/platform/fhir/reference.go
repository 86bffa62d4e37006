package fhir

import (
	"fmt"
	"regexp"
	"strings"
)

// relativeRefPattern matches "ResourceType/id" with an optional "/_history/vid".
var relativeRefPattern = regexp.MustCompile(`^([A-Z][a-zA-Z]+)/([A-Za-z0-9\-\.]{1,64})(/_history/[A-Za-z0-9\-\.]{1,64})?$`)

// absoluteRefPattern extracts Type/id from the tail of an absolute RESTful URL.
var absoluteRefPattern = regexp.MustCompile(`^https?://.+/([A-Z][a-zA-Z]+)/([A-Za-z0-9\-\.]{1,64})(/_history/[A-Za-z0-9\-\.]{1,64})?$`)

// ReferenceKind classifies the literal form of a reference string.
type ReferenceKind string

const (
	RefRelative  ReferenceKind = "relative"
	RefAbsolute  ReferenceKind = "absolute"
	RefURN       ReferenceKind = "urn"
	RefContained ReferenceKind = "contained"
	RefInvalid   ReferenceKind = "invalid"
)

// ParsedReference is the decomposed form of a Reference.reference value.
type ParsedReference struct {
	Raw          string
	Kind         ReferenceKind
	ResourceType string
	ID           string
}

// TypeID returns "ResourceType/id" or "" when the reference does not name one.
func (p ParsedReference) TypeID() string {
	if p.ResourceType == "" || p.ID == "" {
		return ""
	}
	return p.ResourceType + "/" + p.ID
}

// ParseReference classifies a reference string.
func ParseReference(ref string) ParsedReference {
	p := ParsedReference{Raw: ref, Kind: RefInvalid}
	switch {
	case ref == "":
		return p
	case strings.HasPrefix(ref, "#"):
		p.Kind = RefContained
		p.ID = strings.TrimPrefix(ref, "#")
	case strings.HasPrefix(ref, "urn:uuid:") || strings.HasPrefix(ref, "urn:oid:"):
		p.Kind = RefURN
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		p.Kind = RefAbsolute
		if m := absoluteRefPattern.FindStringSubmatch(ref); m != nil {
			p.ResourceType, p.ID = m[1], m[2]
		}
	default:
		if m := relativeRefPattern.FindStringSubmatch(ref); m != nil {
			p.Kind = RefRelative
			p.ResourceType, p.ID = m[1], m[2]
		}
	}
	return p
}

// ValidateReferenceFormat reports whether ref is a well-formed literal reference.
func ValidateReferenceFormat(ref string) bool {
	return ParseReference(ref).Kind != RefInvalid
}

// FoundReference is one Reference.reference occurrence inside a resource.
type FoundReference struct {
	Path      string
	Reference string
	// TargetType is the Reference.type hint, when present.
	TargetType string
}

// CollectReferences walks a resource and returns every Reference.reference
// string with its element path. Contained resources are not descended into;
// their references are relative to the container.
func CollectReferences(resource map[string]interface{}) []FoundReference {
	rt, _ := resource["resourceType"].(string)
	var out []FoundReference
	walkReferences(resource, rt, &out, true)
	return out
}

func walkReferences(obj map[string]interface{}, path string, out *[]FoundReference, root bool) {
	for _, key := range sortedKeys(obj) {
		if root && key == "contained" {
			continue
		}
		val := obj[key]
		currentPath := joinPath(path, key)

		switch typed := val.(type) {
		case map[string]interface{}:
			if ref, ok := typed["reference"].(string); ok && ref != "" {
				target, _ := typed["type"].(string)
				*out = append(*out, FoundReference{
					Path:       currentPath + ".reference",
					Reference:  ref,
					TargetType: target,
				})
			}
			walkReferences(typed, currentPath, out, false)
		case []interface{}:
			for i, item := range typed {
				if m, ok := item.(map[string]interface{}); ok {
					itemPath := fmt.Sprintf("%s[%d]", currentPath, i)
					if ref, ok := m["reference"].(string); ok && ref != "" {
						target, _ := m["type"].(string)
						*out = append(*out, FoundReference{
							Path:       itemPath + ".reference",
							Reference:  ref,
							TargetType: target,
						})
					}
					walkReferences(m, itemPath, out, false)
				}
			}
		}
	}
}

// FindContained returns the contained resource with the given local id.
func FindContained(parent map[string]interface{}, localID string) (map[string]interface{}, bool) {
	list, _ := parent["contained"].([]interface{})
	for _, c := range list {
		m, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if id, _ := m["id"].(string); id == localID {
			return m, true
		}
	}
	return nil, false
}
