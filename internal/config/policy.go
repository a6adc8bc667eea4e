package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/nhalm/reqguard/ratelimit"
)

// Policy is one rate limit applied to a route. It either names a preset or spells out
// limit, window and identifier; explicit fields override the preset's.
//
//	policies:
//	  - route: /api/stories
//	    method: POST
//	    preset: strict
//	  - route: /api/stories/{id}
//	    name: story-reads
//	    limit: 50
//	    window: 1m
//	    identifier: user
type Policy struct {
	Route      string `yaml:"route" validate:"required,startswith=/"`
	Method     string `yaml:"method" validate:"omitempty,oneof=GET HEAD POST PUT PATCH DELETE"`
	Name       string `yaml:"name"`
	Preset     string `yaml:"preset"`
	Limit      int    `yaml:"limit" validate:"required_without=Preset"`
	Window     string `yaml:"window" validate:"required_without=Preset"`
	Identifier string `yaml:"identifier" validate:"omitempty,oneof=ip user session api_key"`
}

type policyFile struct {
	Policies []Policy `yaml:"policies" validate:"dive"`
}

// LoadPolicies reads and validates a YAML policy file.
func LoadPolicies(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read policy file: %w", err)
	}
	return ParsePolicies(data)
}

// ParsePolicies decodes and validates YAML policy data. Every policy must resolve to a
// valid ratelimit.Config.
func ParsePolicies(data []byte) ([]Policy, error) {
	var f policyFile
	if err := yaml.UnmarshalWithOptions(data, &f, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("config: parse policy file: %w", err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("config: policy file: %w", err)
	}
	for i, p := range f.Policies {
		if _, err := p.RateLimit(); err != nil {
			return nil, fmt.Errorf("config: policy %d (%s): %w", i, p.Route, err)
		}
	}
	return f.Policies, nil
}

// RateLimit resolves the policy into a limiter config.
func (p Policy) RateLimit() (ratelimit.Config, error) {
	var cfg ratelimit.Config
	if p.Preset != "" {
		preset, ok := ratelimit.Preset(p.Preset)
		if !ok {
			return ratelimit.Config{}, fmt.Errorf("unknown preset %q (known: %v)", p.Preset, ratelimit.PresetNames())
		}
		cfg = preset
	}

	if p.Name != "" {
		cfg.Name = p.Name
	}
	if p.Limit != 0 {
		cfg.Limit = p.Limit
	}
	if p.Window != "" {
		w, err := time.ParseDuration(p.Window)
		if err != nil {
			return ratelimit.Config{}, fmt.Errorf("invalid window: %w", err)
		}
		cfg.Window = w
	}
	if p.Identifier != "" {
		cfg.IdentifierType = ratelimit.IdentifierType(p.Identifier)
	}

	if err := cfg.Validate(); err != nil {
		return ratelimit.Config{}, err
	}
	return cfg, nil
}
