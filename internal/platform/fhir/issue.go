package fhir

// Issue severity levels per FHIR R4.
const (
	SeverityError       = "error"
	SeverityWarning     = "warning"
	SeverityInformation = "information"
)

// Issue type codes per FHIR R4 (OperationOutcome.issue.code).
const (
	IssueTypeInvalid       = "invalid"
	IssueTypeStructure     = "structure"
	IssueTypeRequired      = "required"
	IssueTypeValue         = "value"
	IssueTypeInvariant     = "invariant"
	IssueTypeNotFound      = "not-found"
	IssueTypeProcessing    = "processing"
	IssueTypeNotSupported  = "not-supported"
	IssueTypeBusinessRule  = "business-rule"
	IssueTypeException     = "exception"
	IssueTypeTimeout       = "timeout"
	IssueTypeDuplicate     = "duplicate"
	IssueTypeCodeInvalid   = "code-invalid"
	IssueTypeInformational = "informational"
)

// Issue is a single finding produced by one of the checks in this package.
// Path is a dotted element path rooted at the resource type, e.g.
// "Patient.identifier[0].system".
type Issue struct {
	Severity string
	Code     string
	Path     string
	Message  string
}

// HasErrors reports whether any issue in the list is error severity.
func HasErrors(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityError {
			return true
		}
	}
	return false
}

func joinPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}
