package aspects

import (
	"context"

	"github.com/ehr/validator/internal/domain/validation"
	"github.com/ehr/validator/internal/platform/fhir"
)

// Structural checks base resource structure and, for Bundles, the entry
// layout rules.
type Structural struct {
	v *fhir.StructuralValidator
}

func NewStructural() *Structural {
	return &Structural{v: fhir.NewStructuralValidator()}
}

func (s *Structural) Aspect() validation.Aspect      { return validation.AspectStructural }
func (s *Structural) DependsOn() []validation.Aspect { return nil }

func (s *Structural) Validate(_ context.Context, in Input) ([]validation.Issue, error) {
	issues := s.v.Validate(in.Resource)
	if resourceType(in.Resource) == "Bundle" {
		b, err := fhir.BundleFromMap(in.Resource)
		if err != nil {
			issues = append(issues, fhir.Issue{
				Severity: fhir.SeverityError,
				Code:     fhir.IssueTypeStructure,
				Path:     "Bundle",
				Message:  err.Error(),
			})
		} else {
			issues = append(issues, fhir.ValidateBundleStructure(b)...)
		}
	}
	return fromFHIR(validation.AspectStructural, issues), nil
}
