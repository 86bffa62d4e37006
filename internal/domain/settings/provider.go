// Package settings owns per-server validation settings: loading from a
// YAML file, normalization of legacy shapes, versioning, and invalidation
// of stored results when the validation-affecting subset changes.
package settings

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ehr/validator/internal/domain/validation"
)

// Provider returns the settings in force for a server.
type Provider interface {
	Current(ctx context.Context, serverID string) (validation.Settings, string, error)
	Update(ctx context.Context, s validation.Settings) (validation.Settings, error)
	Watch(serverID string) (<-chan validation.Settings, func())
}

// Invalidator removes results recorded under a different snapshot hash.
type Invalidator interface {
	InvalidateSnapshot(ctx context.Context, serverID, keepHash string) (int, error)
}

type entry struct {
	settings validation.Settings
	hash     string
}

// Store is an in-process Provider seeded from a settings file.
type Store struct {
	mu       sync.RWMutex
	servers  map[string]entry
	watchers map[string][]chan validation.Settings
	inv      Invalidator
	logger   zerolog.Logger
}

func NewStore(inv Invalidator, logger zerolog.Logger) *Store {
	return &Store{
		servers:  make(map[string]entry),
		watchers: make(map[string][]chan validation.Settings),
		inv:      inv,
		logger:   logger.With().Str("component", "settings").Logger(),
	}
}

type fileDoc struct {
	Servers []map[string]interface{} `yaml:"servers"`
}

// LoadFile reads a YAML document with a top-level "servers" list and
// installs each entry. Loading does not invalidate stored results.
func (s *Store) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings file %s: %w", path, err)
	}
	return s.LoadYAML(b)
}

func (s *Store) LoadYAML(b []byte) error {
	var doc fileDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parse settings yaml: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, raw := range doc.Servers {
		st, err := Normalize(raw)
		if err != nil {
			return fmt.Errorf("servers[%d]: %w", i, err)
		}
		if st.Version == 0 {
			st.Version = 1
		}
		s.servers[st.ServerID] = entry{settings: st, hash: st.SnapshotHash()}
		s.logger.Info().Str("server", st.ServerID).Int64("version", st.Version).Msg("settings loaded")
	}
	return nil
}

// Current returns the settings for serverID and their snapshot hash.
// Unknown servers get DefaultSettings.
func (s *Store) Current(_ context.Context, serverID string) (validation.Settings, string, error) {
	s.mu.RLock()
	e, ok := s.servers[serverID]
	s.mu.RUnlock()
	if !ok {
		def := validation.DefaultSettings(serverID)
		return def, def.SnapshotHash(), nil
	}
	return e.settings, e.hash, nil
}

// Update validates next, invalidates results stored under any other
// snapshot hash, then installs next with an incremented version. If
// invalidation fails the old settings stay in force.
func (s *Store) Update(ctx context.Context, next validation.Settings) (validation.Settings, error) {
	if err := Validate(next); err != nil {
		return validation.Settings{}, err
	}
	hash := next.SnapshotHash()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.servers[next.ServerID]
	if !had {
		prev.settings = validation.DefaultSettings(next.ServerID)
		prev.settings.Version = 0
		prev.hash = prev.settings.SnapshotHash()
	}

	if s.inv != nil && prev.hash != hash {
		removed, err := s.inv.InvalidateSnapshot(ctx, next.ServerID, hash)
		if err != nil {
			return validation.Settings{}, fmt.Errorf("invalidate results for %s: %w", next.ServerID, err)
		}
		s.logger.Info().Str("server", next.ServerID).Int("removed", removed).Msg("stale results invalidated")
	}

	next.Version = prev.settings.Version + 1
	s.servers[next.ServerID] = entry{settings: next, hash: hash}

	for _, ch := range s.watchers[next.ServerID] {
		select {
		case ch <- next:
		default:
		}
	}
	return next, nil
}

// Watch returns a channel receiving each installed version for serverID.
// Slow receivers miss intermediate versions. The returned func unsubscribes.
func (s *Store) Watch(serverID string) (<-chan validation.Settings, func()) {
	ch := make(chan validation.Settings, 1)
	s.mu.Lock()
	s.watchers[serverID] = append(s.watchers[serverID], ch)
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			list := s.watchers[serverID]
			for i, c := range list {
				if c == ch {
					s.watchers[serverID] = append(list[:i], list[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
}

// Servers lists the configured server IDs.
func (s *Store) Servers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.servers))
	for id := range s.servers {
		out = append(out, id)
	}
	return out
}
