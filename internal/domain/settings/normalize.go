package settings

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/ehr/validator/internal/domain/validation"
)

var validate = validator.New()

// Normalize converts one raw settings document into the canonical shape.
// Two legacy shapes are accepted alongside the nested one:
//
//	aspects: {structural: true, profile: false}      # flat booleans
//	structural: true                                 # top-level aspect flags
//
// Aspects not mentioned keep their defaults.
func Normalize(raw map[string]interface{}) (validation.Settings, error) {
	serverID, _ := raw["serverId"].(string)
	if serverID == "" {
		serverID, _ = raw["server_id"].(string)
	}
	s := validation.DefaultSettings(serverID)

	rest := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		rest[k] = v
	}
	delete(rest, "server_id")

	for _, a := range validation.AllAspects() {
		if v, ok := rest[string(a)]; ok {
			as, err := decodeAspect(a, v, s.Aspects[a])
			if err != nil {
				return validation.Settings{}, err
			}
			s.Aspects[a] = as
			delete(rest, string(a))
		}
	}

	if rawAspects, ok := rest["aspects"]; ok {
		m, ok := rawAspects.(map[string]interface{})
		if !ok {
			return validation.Settings{}, fmt.Errorf("aspects: expected a mapping, got %T", rawAspects)
		}
		for k, v := range m {
			a := validation.Aspect(k)
			if !a.Valid() {
				return validation.Settings{}, fmt.Errorf("aspects: unknown aspect %q", k)
			}
			as, err := decodeAspect(a, v, s.Aspects[a])
			if err != nil {
				return validation.Settings{}, err
			}
			s.Aspects[a] = as
		}
		delete(rest, "aspects")
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &s,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return validation.Settings{}, fmt.Errorf("create settings decoder: %w", err)
	}
	if err := dec.Decode(rest); err != nil {
		return validation.Settings{}, fmt.Errorf("decode settings: %w", err)
	}

	if err := Validate(s); err != nil {
		return validation.Settings{}, err
	}
	return s, nil
}

func decodeAspect(a validation.Aspect, v interface{}, cur validation.AspectSettings) (validation.AspectSettings, error) {
	switch x := v.(type) {
	case bool:
		cur.Enabled = x
		return cur, nil
	case map[string]interface{}:
		if err := mapstructure.WeakDecode(x, &cur); err != nil {
			return cur, fmt.Errorf("aspect %s: %w", a, err)
		}
		cur.Severity = validation.Severity(strings.ToLower(string(cur.Severity)))
		return cur, nil
	default:
		return cur, fmt.Errorf("aspect %s: expected bool or mapping, got %T", a, v)
	}
}

// Validate checks field constraints on s.
func Validate(s validation.Settings) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings for %q: %w", s.ServerID, err)
	}
	for a, as := range s.Aspects {
		if !a.Valid() {
			return fmt.Errorf("invalid settings for %q: unknown aspect %q", s.ServerID, a)
		}
		if as.Severity != "" && !as.Severity.Valid() {
			return fmt.Errorf("invalid settings for %q: aspect %s severity %q", s.ServerID, a, as.Severity)
		}
	}
	seen := make(map[string]bool, len(s.Rules))
	for _, r := range s.Rules {
		if seen[r.ID] {
			return fmt.Errorf("invalid settings for %q: duplicate rule id %q", s.ServerID, r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}
