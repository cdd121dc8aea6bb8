package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/proofcaptcha/proofcaptcha/pkg/limiter"
)

// Profile is the operator-editable tuning file. Everything is optional;
// zero values keep the built-in defaults.
type Profile struct {
	RateLimits map[string]limiter.Policy `yaml:"rateLimits"`
	Risk       RiskTuning                `yaml:"risk"`
}

// RiskTuning adjusts the risk pipeline without a redeploy.
type RiskTuning struct {
	// DenyScore overrides the total score above which no challenge is
	// issued. Zero keeps the default.
	DenyScore int `yaml:"denyScore"`
	// DifficultyFloor raises the minimum difficulty service-wide.
	DifficultyFloor int `yaml:"difficultyFloor"`
}

// LoadProfile parses the YAML tuning profile at path. An empty path returns
// an empty profile.
func LoadProfile(path string) (*Profile, error) {
	var p Profile
	if path == "" {
		return &p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tuning profile: %w", err)
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse tuning profile: %w", err)
	}
	return &p, nil
}

// LimiterPolicies merges the profile's overrides onto the defaults.
func (p *Profile) LimiterPolicies() map[limiter.RouteGroup]limiter.Policy {
	merged := limiter.DefaultPolicies()
	for name, policy := range p.RateLimits {
		merged[limiter.RouteGroup(name)] = policy
	}
	return merged
}
