package validation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ehr/validator/pkg/pagination"
)

type groupKey struct {
	serverID  string
	signature string
}

type memberKey struct {
	resourceType string
	fhirID       string
}

type memoryGroup struct {
	MessageGroup
	members map[memberKey]*GroupMember
	// resource types seen, for ResourceType filtering
	types map[string]int
}

// MemoryStore is a ResultStore held in process memory. It is used by the
// CLI and tests, and when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	results  []AspectResult
	messages []ValidationMessage
	groups   map[groupKey]*memoryGroup
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{groups: make(map[groupKey]*memoryGroup)}
}

func (s *MemoryStore) SaveResults(_ context.Context, results []AspectResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		r.Issues = append([]Issue(nil), r.Issues...)
		s.results = append(s.results, r)
	}
	return nil
}

func (s *MemoryStore) SaveMessages(_ context.Context, msgs []ValidationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
	return nil
}

func (s *MemoryStore) LatestResults(_ context.Context, key ResourceKey, snapshotHash string) ([]AspectResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := make(map[Aspect]AspectResult)
	for _, r := range s.results {
		if r.ResourceKey != key || r.SettingsSnapshotHash != snapshotHash {
			continue
		}
		if cur, ok := latest[r.Aspect]; !ok || !r.ValidatedAt.Before(cur.ValidatedAt) {
			latest[r.Aspect] = r
		}
	}
	out := make([]AspectResult, 0, len(latest))
	for _, a := range AllAspects() {
		if r, ok := latest[a]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListResults(_ context.Context, key ResourceKey, from, to time.Time) ([]AspectResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AspectResult
	for _, r := range s.results {
		if r.ResourceKey != key {
			continue
		}
		if !from.IsZero() && r.ValidatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && r.ValidatedAt.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ValidatedAt.Before(out[j].ValidatedAt) })
	return out, nil
}

func (s *MemoryStore) InvalidateSnapshot(_ context.Context, serverID, keepHash string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	kept := s.results[:0]
	for _, r := range s.results {
		if r.ServerID == serverID && r.SettingsSnapshotHash != keepHash {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.results = kept

	keptMsgs := s.messages[:0]
	for _, m := range s.messages {
		if m.ServerID == serverID && m.SettingsSnapshotHash != keepHash {
			removed++
			continue
		}
		keptMsgs = append(keptMsgs, m)
	}
	s.messages = keptMsgs
	return removed, nil
}

func (s *MemoryStore) MessagesForSignature(_ context.Context, serverID, signature string, p pagination.Params) ([]ValidationMessage, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []ValidationMessage
	for _, m := range s.messages {
		if m.ServerID == serverID && m.Signature == signature {
			all = append(all, m)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].ValidatedAt.After(all[j].ValidatedAt) })
	return page(all, p), len(all), nil
}

func (s *MemoryStore) UpsertGroupMember(_ context.Context, u GroupUpsert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := groupKey{serverID: u.ServerID, signature: u.Issue.Signature}
	g, ok := s.groups[k]
	if !ok {
		g = &memoryGroup{
			MessageGroup: MessageGroup{
				ServerID:      u.ServerID,
				Signature:     u.Issue.Signature,
				Aspect:        u.Issue.Aspect,
				Severity:      u.Issue.Severity,
				Code:          u.Issue.Code,
				CanonicalPath: CanonicalizePath(u.Issue.CanonicalPath),
				SampleText:    u.Issue.Message,
				FirstSeenAt:   u.SeenAt,
				LastSeenAt:    u.SeenAt,
			},
			members: make(map[memberKey]*GroupMember),
			types:   make(map[string]int),
		}
		s.groups[k] = g
	}
	if u.SeenAt.After(g.LastSeenAt) {
		g.LastSeenAt = u.SeenAt
	}

	mk := memberKey{resourceType: u.ResourceType, fhirID: u.FhirID}
	if m, ok := g.members[mk]; ok {
		if u.SeenAt.After(m.LastSeenAt) {
			m.LastSeenAt = u.SeenAt
		}
		return false, nil
	}
	g.members[mk] = &GroupMember{
		ResourceType: u.ResourceType,
		FhirID:       u.FhirID,
		FirstSeenAt:  u.SeenAt,
		LastSeenAt:   u.SeenAt,
	}
	g.types[u.ResourceType]++
	g.TotalResources++
	return true, nil
}

func (s *MemoryStore) GetGroup(_ context.Context, serverID, signature string) (*MessageGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupKey{serverID: serverID, signature: signature}]
	if !ok {
		return nil, ErrNotFound
	}
	mg := g.MessageGroup
	return &mg, nil
}

func (s *MemoryStore) ListGroups(_ context.Context, f GroupFilter, p pagination.Params) ([]MessageGroup, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []MessageGroup
	for k, g := range s.groups {
		if k.serverID != f.ServerID {
			continue
		}
		if f.Aspect != "" && g.Aspect != f.Aspect {
			continue
		}
		if f.Severity != "" && g.Severity != f.Severity {
			continue
		}
		if f.Code != "" && g.Code != f.Code {
			continue
		}
		if f.PathContains != "" && !strings.Contains(strings.ToLower(g.CanonicalPath), strings.ToLower(f.PathContains)) {
			continue
		}
		if f.ResourceType != "" && g.types[f.ResourceType] == 0 {
			continue
		}
		all = append(all, g.MessageGroup)
	}
	SortGroups(all)
	return page(all, p), len(all), nil
}

func (s *MemoryStore) ListMembers(_ context.Context, serverID, signature string, p pagination.Params) ([]GroupMember, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupKey{serverID: serverID, signature: signature}]
	if !ok {
		return nil, 0, nil
	}
	all := make([]GroupMember, 0, len(g.members))
	for _, m := range g.members {
		all = append(all, *m)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].LastSeenAt.Equal(all[j].LastSeenAt) {
			return all[i].LastSeenAt.After(all[j].LastSeenAt)
		}
		if all[i].ResourceType != all[j].ResourceType {
			return all[i].ResourceType < all[j].ResourceType
		}
		return all[i].FhirID < all[j].FhirID
	})
	return page(all, p), len(all), nil
}

func (s *MemoryStore) ClearServer(_ context.Context, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.results[:0]
	for _, r := range s.results {
		if r.ServerID != serverID {
			kept = append(kept, r)
		}
	}
	s.results = kept
	keptMsgs := s.messages[:0]
	for _, m := range s.messages {
		if m.ServerID != serverID {
			keptMsgs = append(keptMsgs, m)
		}
	}
	s.messages = keptMsgs
	for k := range s.groups {
		if k.serverID == serverID {
			delete(s.groups, k)
		}
	}
	return nil
}

// SortGroups orders groups by TotalResources desc, then LastSeenAt desc.
func SortGroups(gs []MessageGroup) {
	sort.SliceStable(gs, func(i, j int) bool {
		if gs[i].TotalResources != gs[j].TotalResources {
			return gs[i].TotalResources > gs[j].TotalResources
		}
		if !gs[i].LastSeenAt.Equal(gs[j].LastSeenAt) {
			return gs[i].LastSeenAt.After(gs[j].LastSeenAt)
		}
		return gs[i].Signature < gs[j].Signature
	})
}

func page[T any](all []T, p pagination.Params) []T {
	start, end := p.Window(len(all))
	return all[start:end]
}
