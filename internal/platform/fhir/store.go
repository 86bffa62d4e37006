package fhir

import (
	"context"
	"errors"
)

// ErrResourceNotFound is returned by a ResourceStore when the resource
// does not exist or has been deleted.
var ErrResourceNotFound = errors.New("resource not found")

// ResourceStore reads and writes FHIR resources as generic JSON objects.
type ResourceStore interface {
	Get(ctx context.Context, resourceType, id string) (map[string]interface{}, error)
	Upsert(ctx context.Context, resource map[string]interface{}) error
}
