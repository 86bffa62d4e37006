package validation

import (
	"errors"
	"time"
)

// Aspect is one independent dimension of correctness.
type Aspect string

const (
	AspectStructural   Aspect = "structural"
	AspectProfile      Aspect = "profile"
	AspectTerminology  Aspect = "terminology"
	AspectReference    Aspect = "reference"
	AspectBusinessRule Aspect = "businessRule"
	AspectMetadata     Aspect = "metadata"
)

// AllAspects returns the fixed aspect set, cheap local aspects first.
func AllAspects() []Aspect {
	return []Aspect{
		AspectStructural,
		AspectMetadata,
		AspectBusinessRule,
		AspectReference,
		AspectProfile,
		AspectTerminology,
	}
}

// IsLocal reports whether the aspect never needs an upstream server.
func (a Aspect) IsLocal() bool {
	switch a {
	case AspectStructural, AspectBusinessRule, AspectMetadata:
		return true
	}
	return false
}

func (a Aspect) Valid() bool {
	for _, x := range AllAspects() {
		if x == a {
			return true
		}
	}
	return false
}

type Severity string

const (
	SeverityError       Severity = "error"
	SeverityWarning     Severity = "warning"
	SeverityInformation Severity = "information"
)

func (s Severity) rank() int {
	switch s {
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInformation:
		return 1
	}
	return 0
}

func (s Severity) Valid() bool { return s.rank() > 0 }

// Cap lowers s to ceiling when s is more severe. An empty ceiling leaves s unchanged.
func (s Severity) Cap(ceiling Severity) Severity {
	if ceiling.rank() == 0 || s.rank() <= ceiling.rank() {
		return s
	}
	return ceiling
}

// CategoryEngineError marks the synthetic issue recorded when an aspect
// validator itself fails.
const CategoryEngineError = "validation-engine-error"

// Issue is one finding. Issues are produced fresh per run and are not
// modified after Signature is set.
type Issue struct {
	Aspect        Aspect   `json:"aspect"`
	Severity      Severity `json:"severity"`
	Code          string   `json:"code"`
	Category      string   `json:"category,omitempty"`
	CanonicalPath string   `json:"canonicalPath"`
	Message       string   `json:"message"`
	RuleID        string   `json:"ruleId,omitempty"`
	Signature     string   `json:"signature,omitempty"`
}

// ResourceKey identifies one resource on one server.
type ResourceKey struct {
	ServerID     string `json:"serverId"`
	ResourceType string `json:"resourceType"`
	FhirID       string `json:"fhirId"`
}

func (k ResourceKey) String() string {
	return k.ServerID + "|" + k.ResourceType + "/" + k.FhirID
}

type AspectStatus string

const (
	StatusValidated AspectStatus = "validated"
	StatusSkipped   AspectStatus = "skipped"
	StatusError     AspectStatus = "error"
)

// Reasons recorded on skipped aspects.
const (
	SkipDisabled        = "disabled"
	SkipFiltered        = "filtered"
	SkipUpstreamOffline = "upstream-offline"
)

// AspectResult is one aspect's outcome for one resource at one point in
// time. Rows are appended, never updated in place.
type AspectResult struct {
	ResourceKey
	Aspect               Aspect       `json:"aspect"`
	Status               AspectStatus `json:"status"`
	SkipReason           string       `json:"skipReason,omitempty"`
	IsValid              bool         `json:"isValid"`
	ErrorCount           int          `json:"errorCount"`
	WarningCount         int          `json:"warningCount"`
	InformationCount     int          `json:"informationCount"`
	Score                int          `json:"score"`
	SettingsSnapshotHash string       `json:"settingsSnapshotHash"`
	DurationMs           int64        `json:"durationMs"`
	ValidatedAt          time.Time    `json:"validatedAt"`
	Issues               []Issue      `json:"issues,omitempty"`
}

// ValidationMessage is the persisted form of one signed issue.
type ValidationMessage struct {
	ResourceKey
	Aspect               Aspect    `json:"aspect"`
	Severity             Severity  `json:"severity"`
	Code                 string    `json:"code"`
	CanonicalPath        string    `json:"canonicalPath"`
	Text                 string    `json:"text"`
	RuleID               string    `json:"ruleId,omitempty"`
	Signature            string    `json:"signature"`
	SettingsSnapshotHash string    `json:"settingsSnapshotHash"`
	ValidatedAt          time.Time `json:"validatedAt"`
}

// ResourceResult is the outcome of one orchestrator pass.
type ResourceResult struct {
	ResourceKey
	Aspects              []AspectResult `json:"aspects"`
	Issues               []Issue        `json:"issues"`
	ErrorCount           int            `json:"errorCount"`
	WarningCount         int            `json:"warningCount"`
	InformationCount     int            `json:"informationCount"`
	Score                int            `json:"score"`
	IsValid              bool           `json:"isValid"`
	SettingsSnapshotHash string         `json:"settingsSnapshotHash"`
	ValidatedAt          time.Time      `json:"validatedAt"`
	DurationMs           int64          `json:"durationMs"`
	PersistError         string         `json:"persistError,omitempty"`
}

// Aspect returns the result for a, if present.
func (r *ResourceResult) Aspect(a Aspect) (AspectResult, bool) {
	for _, ar := range r.Aspects {
		if ar.Aspect == a {
			return ar, true
		}
	}
	return AspectResult{}, false
}

var (
	// ErrNotFound is returned by stores when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNonTransient marks failures that retrying cannot fix.
	ErrNonTransient = errors.New("non-transient validation failure")
)
