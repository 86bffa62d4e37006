package validation

import (
	"context"
	"time"

	"github.com/ehr/validator/pkg/pagination"
)

// MessageGroup is the set of resources sharing one signature on one server.
type MessageGroup struct {
	ServerID       string    `json:"serverId"`
	Signature      string    `json:"signature"`
	Aspect         Aspect    `json:"aspect"`
	Severity       Severity  `json:"severity"`
	Code           string    `json:"code"`
	CanonicalPath  string    `json:"canonicalPath"`
	SampleText     string    `json:"sampleText"`
	TotalResources int       `json:"totalResources"`
	FirstSeenAt    time.Time `json:"firstSeenAt"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
}

// GroupMember records that one resource has been counted into a group.
type GroupMember struct {
	ResourceType string    `json:"resourceType"`
	FhirID       string    `json:"fhirId"`
	FirstSeenAt  time.Time `json:"firstSeenAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

// GroupFilter narrows ListGroups. Zero fields do not filter; ServerID is required.
type GroupFilter struct {
	ServerID     string
	Aspect       Aspect
	Severity     Severity
	Code         string
	PathContains string
	ResourceType string
}

// GroupUpsert describes one (signature, resource) observation.
type GroupUpsert struct {
	ServerID     string
	ResourceType string
	FhirID       string
	Issue        Issue
	SeenAt       time.Time
}

// ResultStore persists per-aspect results, signed messages and message groups.
type ResultStore interface {
	// SaveResults appends one row per aspect.
	SaveResults(ctx context.Context, results []AspectResult) error
	SaveMessages(ctx context.Context, msgs []ValidationMessage) error

	// LatestResults returns the newest row per aspect for key whose
	// snapshot hash equals snapshotHash.
	LatestResults(ctx context.Context, key ResourceKey, snapshotHash string) ([]AspectResult, error)
	ListResults(ctx context.Context, key ResourceKey, from, to time.Time) ([]AspectResult, error)

	// InvalidateSnapshot removes results and messages for serverID whose
	// snapshot hash differs from keepHash. It returns the rows removed.
	InvalidateSnapshot(ctx context.Context, serverID, keepHash string) (int, error)
	MessagesForSignature(ctx context.Context, serverID, signature string, p pagination.Params) ([]ValidationMessage, int, error)

	// UpsertGroupMember creates the group on first sight and counts the
	// resource at most once. It reports whether the resource was newly counted.
	UpsertGroupMember(ctx context.Context, u GroupUpsert) (bool, error)
	ListGroups(ctx context.Context, f GroupFilter, p pagination.Params) ([]MessageGroup, int, error)
	ListMembers(ctx context.Context, serverID, signature string, p pagination.Params) ([]GroupMember, int, error)
	GetGroup(ctx context.Context, serverID, signature string) (*MessageGroup, error)

	// ClearServer deletes all results, messages and groups for serverID.
	ClearServer(ctx context.Context, serverID string) error
}

// MessagesFromIssues converts signed issues into persistable rows.
func MessagesFromIssues(key ResourceKey, issues []Issue, hash string, at time.Time) []ValidationMessage {
	out := make([]ValidationMessage, 0, len(issues))
	for _, is := range issues {
		out = append(out, ValidationMessage{
			ResourceKey:          key,
			Aspect:               is.Aspect,
			Severity:             is.Severity,
			Code:                 is.Code,
			CanonicalPath:        is.CanonicalPath,
			Text:                 is.Message,
			RuleID:               is.RuleID,
			Signature:            is.Signature,
			SettingsSnapshotHash: hash,
			ValidatedAt:          at,
		})
	}
	return out
}
