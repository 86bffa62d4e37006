package validation

// Score weights per issue severity.
const (
	errorPenalty       = 15
	warningPenalty     = 5
	informationPenalty = 1
)

// Score computes max(0, 100 - 15*errors - 5*warnings - 1*info).
func Score(errors, warnings, info int) int {
	s := 100 - errors*errorPenalty - warnings*warningPenalty - info*informationPenalty
	if s < 0 {
		return 0
	}
	return s
}

// Counts tallies issues by severity.
func Counts(issues []Issue) (errors, warnings, info int) {
	for _, is := range issues {
		switch is.Severity {
		case SeverityError:
			errors++
		case SeverityWarning:
			warnings++
		case SeverityInformation:
			info++
		}
	}
	return errors, warnings, info
}
