package aspects

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ehr/validator/internal/domain/rules"
	"github.com/ehr/validator/internal/platform/fhir"
	"github.com/ehr/validator/internal/platform/upstream"
)

// ReferenceChecker answers whether a resource exists on the data server.
type ReferenceChecker interface {
	Exists(ctx context.Context, resourceType, id string) (bool, error)
}

// ProfileResolver answers whether a StructureDefinition is published on
// the terminology server.
type ProfileResolver interface {
	ProfileExists(ctx context.Context, canonical string) (bool, error)
}

// CodeValidator checks codes the local terminology does not hold.
type CodeValidator interface {
	ValidateCode(ctx context.Context, system, code, valueSet string) (upstream.CodeValidation, error)
}

// Deps are the collaborators Default wires into the validators.
type Deps struct {
	Now             func() time.Time
	Rules           *rules.Evaluator
	References      ReferenceChecker
	Profiles        *fhir.ProfileRegistry
	ProfileResolver ProfileResolver
	Terminology     *fhir.InMemoryTerminology
	CodeValidator   CodeValidator
}

// MemoryResourceStore is an in-process fhir.ResourceStore. It backs the
// CLI and tests and also satisfies ReferenceChecker.
type MemoryResourceStore struct {
	mu        sync.RWMutex
	resources map[string]map[string]interface{}
}

func NewMemoryResourceStore() *MemoryResourceStore {
	return &MemoryResourceStore{resources: make(map[string]map[string]interface{})}
}

func (s *MemoryResourceStore) Get(_ context.Context, resourceType, id string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[resourceType+"/"+id]
	if !ok {
		return nil, fhir.ErrResourceNotFound
	}
	return r, nil
}

func (s *MemoryResourceStore) Upsert(_ context.Context, resource map[string]interface{}) error {
	rt, id := fhir.ResourceTypeAndID(resource)
	if rt == "" || id == "" {
		return errors.New("upsert resource: resourceType and id are required")
	}
	s.mu.Lock()
	s.resources[rt+"/"+id] = resource
	s.mu.Unlock()
	return nil
}

func (s *MemoryResourceStore) Exists(ctx context.Context, resourceType, id string) (bool, error) {
	_, err := s.Get(ctx, resourceType, id)
	if errors.Is(err, fhir.ErrResourceNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Len returns the number of stored resources.
func (s *MemoryResourceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources)
}
