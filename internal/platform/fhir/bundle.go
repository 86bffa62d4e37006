package fhir

import (
	"encoding/json"
	"fmt"
)

// Bundle types that carry request semantics on every entry.
const (
	BundleTypeTransaction = "transaction"
	BundleTypeBatch       = "batch"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// ParseBundle decodes raw JSON into a Bundle and checks that it is one.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("decode bundle: resourceType is %q", b.ResourceType)
	}
	return &b, nil
}

// BundleFromMap converts an already-decoded Bundle document.
func BundleFromMap(doc map[string]interface{}) (*Bundle, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return ParseBundle(raw)
}

// IsTransactional reports whether entries must carry request.method and request.url.
func (b *Bundle) IsTransactional() bool {
	return b.Type == BundleTypeTransaction || b.Type == BundleTypeBatch
}

// ResourceMap decodes the entry resource. It returns nil for an entry
// without a resource or with a resource that is not a JSON object.
func (e *BundleEntry) ResourceMap() map[string]interface{} {
	if len(e.Resource) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(e.Resource, &m); err != nil {
		return nil
	}
	return m
}

// ResourceTypeAndID returns resourceType and id of a decoded resource.
func ResourceTypeAndID(resource map[string]interface{}) (string, string) {
	if resource == nil {
		return "", ""
	}
	rt, _ := resource["resourceType"].(string)
	id, _ := resource["id"].(string)
	return rt, id
}
