package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

type AspectSettings struct {
	Enabled  bool     `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Severity Severity `json:"severity,omitempty" yaml:"severity,omitempty" mapstructure:"severity" validate:"omitempty,oneof=error warning information"`
}

type ServerSettings struct {
	BaseURL        string `json:"baseUrl" yaml:"baseUrl" mapstructure:"baseUrl" validate:"omitempty,url"`
	TerminologyURL string `json:"terminologyUrl" yaml:"terminologyUrl" mapstructure:"terminologyUrl" validate:"omitempty,url"`
	TimeoutMs      int    `json:"timeoutMs" yaml:"timeoutMs" mapstructure:"timeoutMs" validate:"gte=0"`
}

type PerformanceSettings struct {
	Concurrency       int `json:"concurrency" yaml:"concurrency" mapstructure:"concurrency" validate:"gte=1,lte=256"`
	BatchSize         int `json:"batchSize" yaml:"batchSize" mapstructure:"batchSize" validate:"gte=1"`
	MaxAttempts       int `json:"maxAttempts" yaml:"maxAttempts" mapstructure:"maxAttempts" validate:"gte=0,lte=20"`
	BackoffMs         int `json:"backoffMs" yaml:"backoffMs" mapstructure:"backoffMs" validate:"gte=0"`
	ResourceTimeoutMs int `json:"resourceTimeoutMs" yaml:"resourceTimeoutMs" mapstructure:"resourceTimeoutMs" validate:"gte=0"`
}

type ResourceTypeFilter struct {
	Include []string `json:"include,omitempty" yaml:"include,omitempty" mapstructure:"include"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty" mapstructure:"exclude"`
}

// Allows reports whether resources of type rt are validated. An empty
// include list admits every type not excluded.
func (f ResourceTypeFilter) Allows(rt string) bool {
	for _, x := range f.Exclude {
		if x == rt {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, x := range f.Include {
		if x == rt {
			return true
		}
	}
	return false
}

// BusinessRule is a boolean expression evaluated against resources of
// ResourceType. A false result yields an issue.
type BusinessRule struct {
	ID           string   `json:"id" yaml:"id" mapstructure:"id" validate:"required"`
	ResourceType string   `json:"resourceType" yaml:"resourceType" mapstructure:"resourceType" validate:"required"`
	Expression   string   `json:"expression" yaml:"expression" mapstructure:"expression" validate:"required,max=2000"`
	Severity     Severity `json:"severity" yaml:"severity" mapstructure:"severity" validate:"omitempty,oneof=error warning information"`
	Message      string   `json:"message" yaml:"message" mapstructure:"message"`
}

// Settings is the per-server validation configuration.
type Settings struct {
	ServerID      string                    `json:"serverId" yaml:"serverId" mapstructure:"serverId" validate:"required"`
	Version       int64                     `json:"version" yaml:"version" mapstructure:"version"`
	Aspects       map[Aspect]AspectSettings `json:"aspects" yaml:"aspects" mapstructure:"aspects"`
	Server        ServerSettings            `json:"server" yaml:"server" mapstructure:"server"`
	Performance   PerformanceSettings       `json:"performance" yaml:"performance" mapstructure:"performance"`
	ResourceTypes ResourceTypeFilter        `json:"resourceTypes" yaml:"resourceTypes" mapstructure:"resourceTypes"`
	Profiles      []string                  `json:"profiles,omitempty" yaml:"profiles,omitempty" mapstructure:"profiles"`
	Rules         []BusinessRule            `json:"rules,omitempty" yaml:"rules,omitempty" mapstructure:"rules" validate:"dive"`
}

// DefaultSettings enables every aspect with no severity cap.
func DefaultSettings(serverID string) Settings {
	s := Settings{
		ServerID: serverID,
		Version:  1,
		Aspects:  make(map[Aspect]AspectSettings, 6),
		Server:   ServerSettings{TimeoutMs: 10000},
		Performance: PerformanceSettings{
			Concurrency:       4,
			BatchSize:         50,
			MaxAttempts:       2,
			BackoffMs:         500,
			ResourceTimeoutMs: 30000,
		},
	}
	for _, a := range AllAspects() {
		s.Aspects[a] = AspectSettings{Enabled: true}
	}
	return s
}

func (s Settings) AspectEnabled(a Aspect) bool {
	as, ok := s.Aspects[a]
	return ok && as.Enabled
}

func (s Settings) ResourceTimeout() time.Duration {
	return time.Duration(s.Performance.ResourceTimeoutMs) * time.Millisecond
}

// RulesFor returns the rules targeting resourceType, in ID order.
func (s Settings) RulesFor(resourceType string) []BusinessRule {
	var out []BusinessRule
	for _, r := range s.Rules {
		if r.ResourceType == resourceType || r.ResourceType == "*" {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type snapshotAspect struct {
	Aspect   Aspect   `json:"a"`
	Severity Severity `json:"s"`
}

type snapshot struct {
	Aspects  []snapshotAspect `json:"aspects"`
	Include  []string         `json:"include"`
	Exclude  []string         `json:"exclude"`
	Profiles []string         `json:"profiles"`
	Rules    []BusinessRule   `json:"rules"`
}

// SnapshotHash fingerprints the validation-affecting subset of s. Server
// connection details, performance knobs and Version do not contribute.
func (s Settings) SnapshotHash() string {
	var snap snapshot
	for _, a := range AllAspects() {
		if as, ok := s.Aspects[a]; ok && as.Enabled {
			snap.Aspects = append(snap.Aspects, snapshotAspect{Aspect: a, Severity: as.Severity})
		}
	}
	sort.Slice(snap.Aspects, func(i, j int) bool { return snap.Aspects[i].Aspect < snap.Aspects[j].Aspect })

	snap.Include = sortedCopy(s.ResourceTypes.Include)
	snap.Exclude = sortedCopy(s.ResourceTypes.Exclude)
	snap.Profiles = sortedCopy(s.Profiles)

	snap.Rules = append([]BusinessRule(nil), s.Rules...)
	for i := range snap.Rules {
		snap.Rules[i].Expression = strings.TrimSpace(snap.Rules[i].Expression)
	}
	sort.Slice(snap.Rules, func(i, j int) bool { return snap.Rules[i].ID < snap.Rules[j].ID })

	// Struct fields marshal in declaration order, so the encoding is stable.
	b, _ := json.Marshal(snap)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}
