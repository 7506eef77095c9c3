package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// EngineVersion is the settlement engine version profiles constrain
// against.
const EngineVersion = "1.4.0"

// Profile is a named settlement policy profile: gate behavior, holdback
// defaults and windows for one class of tenants.
type Profile struct {
	Name string `yaml:"name"`
	// EngineCompat is a semver constraint the running engine must
	// satisfy, e.g. ">= 1.2, < 2".
	EngineCompat string `yaml:"engine_compat"`

	GateMode              string   `yaml:"gate_mode"`
	RequiredEvidenceKinds []string `yaml:"required_evidence_kinds,omitempty"`
	ReproofWindowMs       int64    `yaml:"reproof_window_ms"`

	HoldbackBps       int64 `yaml:"holdback_bps"`
	ChallengeWindowMs int64 `yaml:"challenge_window_ms"`
}

func (p *Profile) validate() error {
	if p.Name == "" {
		return fmt.Errorf("config: profile requires a name")
	}
	switch p.GateMode {
	case "warn", "strict", "holdback":
	default:
		return fmt.Errorf("config: profile %s: unknown gate_mode %q", p.Name, p.GateMode)
	}
	if p.HoldbackBps < 0 || p.HoldbackBps > 10000 {
		return fmt.Errorf("config: profile %s: holdback_bps %d out of range", p.Name, p.HoldbackBps)
	}
	if p.HoldbackBps > 0 && p.ChallengeWindowMs <= 0 {
		return fmt.Errorf("config: profile %s: challenge_window_ms required with holdback", p.Name)
	}
	return nil
}

// checkEngineCompat verifies the profile's constraint against the
// running engine version.
func (p *Profile) checkEngineCompat(engineVersion string) error {
	if p.EngineCompat == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(p.EngineCompat)
	if err != nil {
		return fmt.Errorf("config: profile %s: bad engine_compat %q: %w", p.Name, p.EngineCompat, err)
	}
	version, err := semver.NewVersion(engineVersion)
	if err != nil {
		return fmt.Errorf("config: bad engine version %q: %w", engineVersion, err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("config: profile %s requires engine %q, running %s", p.Name, p.EngineCompat, engineVersion)
	}
	return nil
}

// LoadProfile reads profile_<name>.yaml from dir and verifies it against
// the running engine version.
func LoadProfile(dir, name string) (*Profile, error) {
	return loadProfileFor(dir, name, EngineVersion)
}

func loadProfileFor(dir, name, engineVersion string) (*Profile, error) {
	path := filepath.Join(dir, "profile_"+strings.ToLower(name)+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile %s: %w", name, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", name, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := p.checkEngineCompat(engineVersion); err != nil {
		return nil, err
	}
	return &p, nil
}
