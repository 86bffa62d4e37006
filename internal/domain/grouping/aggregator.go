// Package grouping counts how many distinct resources share each message
// signature, so one defect affecting many resources shows up as a single
// group. A resource is counted into a group at most once; only clearing a
// server's data lowers a count.
package grouping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/validator/internal/domain/validation"
	"github.com/ehr/validator/internal/platform/metrics"
	"github.com/ehr/validator/pkg/pagination"
)

var ErrGroupNotFound = errors.New("message group not found")

type Aggregator struct {
	store  validation.ResultStore
	logger zerolog.Logger
}

func NewAggregator(store validation.ResultStore, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		logger: logger.With().Str("component", "grouping").Logger(),
	}
}

// Upsert records the issues found on one resource. Each distinct signature
// is upserted once; the return value is how many groups counted the
// resource for the first time.
func (a *Aggregator) Upsert(ctx context.Context, key validation.ResourceKey, issues []validation.Issue, now time.Time) (int, error) {
	bySig := make(map[string]validation.Issue, len(issues))
	for _, is := range issues {
		sig := is.Signature
		if sig == "" {
			sig = validation.Sign(is)
			is.Signature = sig
		}
		if _, ok := bySig[sig]; !ok {
			bySig[sig] = is
		}
	}
	sigs := make([]string, 0, len(bySig))
	for sig := range bySig {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)

	added := 0
	for _, sig := range sigs {
		counted, err := a.store.UpsertGroupMember(ctx, validation.GroupUpsert{
			ServerID:     key.ServerID,
			ResourceType: key.ResourceType,
			FhirID:       key.FhirID,
			Issue:        bySig[sig],
			SeenAt:       now,
		})
		if err != nil {
			return added, fmt.Errorf("upsert group %s: %w", sig, err)
		}
		if counted {
			added++
			metrics.GroupsNewMembers.Inc()
		}
	}
	return added, nil
}

// ClearServer drops every result, message and group for serverID.
func (a *Aggregator) ClearServer(ctx context.Context, serverID string) error {
	if err := a.store.ClearServer(ctx, serverID); err != nil {
		return fmt.Errorf("clear server %s: %w", serverID, err)
	}
	a.logger.Info().Str("server", serverID).Msg("cleared validation data")
	return nil
}

func (a *Aggregator) ListGroups(ctx context.Context, f validation.GroupFilter, p pagination.Params) ([]validation.MessageGroup, int, error) {
	if f.ServerID == "" {
		return nil, 0, errors.New("list groups: server id is required")
	}
	return a.store.ListGroups(ctx, f, p)
}

func (a *Aggregator) GetGroup(ctx context.Context, serverID, signature string) (*validation.MessageGroup, error) {
	g, err := a.store.GetGroup(ctx, serverID, signature)
	if errors.Is(err, validation.ErrNotFound) {
		return nil, ErrGroupNotFound
	}
	return g, err
}

func (a *Aggregator) ListMembers(ctx context.Context, serverID, signature string, p pagination.Params) ([]validation.GroupMember, int, error) {
	return a.store.ListMembers(ctx, serverID, signature, p)
}

// Messages returns the individual messages behind a group.
func (a *Aggregator) Messages(ctx context.Context, serverID, signature string, p pagination.Params) ([]validation.ValidationMessage, int, error) {
	return a.store.MessagesForSignature(ctx, serverID, signature, p)
}
