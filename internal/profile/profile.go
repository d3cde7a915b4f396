// Package profile loads the agent's configuration: tunables, the
// connection roster, routing rules, and script sources. The profile is
// read-only from the core's perspective and is re-read between kickoff
// cycles so rule edits take effect without a restart.
package profile

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/medrelay/agent/internal/conn"
	"github.com/medrelay/agent/internal/rules"
)

// Defaults applied when the profile omits a tunable.
const (
	DefaultKickOffIntervalSeconds = 58
	DefaultBacklogIntervalSeconds = 5
	DefaultMaxLoginAttempts       = 5
	DefaultMaxAttempts            = 3
	DefaultRetryDelayMinutes      = 5
)

// Connection is the YAML shape of one connection's tunables. Intervals
// are plain integers (minutes) in the file.
type Connection struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Enabled bool   `yaml:"enabled"`
	Primary bool   `yaml:"primary,omitempty"`

	MaxAttempts        int `yaml:"maxAttempts,omitempty"`
	RetryDelayMinutes  int `yaml:"retryDelayMinutes,omitempty"`
	MaxItemsPerSession int `yaml:"maxItemsPerSession,omitempty"`
	SendConcurrency    int `yaml:"sendConcurrency,omitempty"`

	WatchDir string `yaml:"watchDir,omitempty"`
	OutDir   string `yaml:"outDir,omitempty"`
}

// Config converts the YAML shape into the controller's config, applying
// defaults.
func (c Connection) Config() conn.Config {
	maxAttempts := c.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	delay := c.RetryDelayMinutes
	if delay == 0 {
		delay = DefaultRetryDelayMinutes
	}
	return conn.Config{
		Name:               c.Name,
		Kind:               conn.Kind(c.Kind),
		Enabled:            c.Enabled,
		Primary:            c.Primary,
		MaxAttempts:        maxAttempts,
		RetryDelay:         time.Duration(delay) * time.Minute,
		MaxItemsPerSession: c.MaxItemsPerSession,
		SendConcurrency:    c.SendConcurrency,
		WatchDir:           c.WatchDir,
		OutDir:             c.OutDir,
	}
}

// Profile is the agent's full configuration.
type Profile struct {
	// TempRoot is the durable-queue root; sidecar records live under
	// {tempRoot}/{connection}/{queue}/meta/.
	TempRoot string `yaml:"tempRoot"`

	KickOffIntervalSeconds int `yaml:"kickOffIntervalSeconds,omitempty"`
	BacklogIntervalSeconds int `yaml:"backlogIntervalSeconds,omitempty"`
	MaxLoginAttempts       int `yaml:"maxLoginAttempts,omitempty"`

	// HistoryDB is the SQLite delivery-history path; empty disables it.
	HistoryDB string `yaml:"historyDB,omitempty"`

	Connections []Connection `yaml:"connections"`

	// Rules declared inline in the profile.
	Rules []rules.Rule `yaml:"rules,omitempty"`

	// RulesDir optionally names a directory of CUE rule files, loaded
	// and appended after the inline rules.
	RulesDir string `yaml:"rulesDir,omitempty"`

	// Scripts maps script name → source, referenced from rules.
	Scripts map[string]string `yaml:"scripts,omitempty"`
}

// KickOffInterval returns the configured (or default) kickoff interval.
func (p *Profile) KickOffInterval() time.Duration {
	s := p.KickOffIntervalSeconds
	if s <= 0 {
		s = DefaultKickOffIntervalSeconds
	}
	return time.Duration(s) * time.Second
}

// BacklogInterval returns the shortened wait used while a backlog exists.
func (p *Profile) BacklogInterval() time.Duration {
	s := p.BacklogIntervalSeconds
	if s <= 0 {
		s = DefaultBacklogIntervalSeconds
	}
	return time.Duration(s) * time.Second
}

// LoginAttempts returns the configured (or default) login budget for the
// primary connection.
func (p *Profile) LoginAttempts() int {
	if p.MaxLoginAttempts <= 0 {
		return DefaultMaxLoginAttempts
	}
	return p.MaxLoginAttempts
}

// Load reads and validates a profile file, including any CUE rule files
// referenced by rulesDir. Unknown YAML fields are rejected so typos fail
// loudly at startup rather than silently disabling behavior.
func Load(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open profile: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var p Profile
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}

	if p.RulesDir != "" {
		cueRules, err := LoadCUERules(p.RulesDir)
		if err != nil {
			return nil, fmt.Errorf("load rules from %s: %w", p.RulesDir, err)
		}
		p.Rules = append(p.Rules, cueRules...)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate cross-checks the profile: unique connection names, valid
// kinds, at most one primary, and every rule bound to known connections.
func (p *Profile) Validate() error {
	if p.TempRoot == "" {
		return fmt.Errorf("profile: tempRoot is required")
	}
	if len(p.Connections) == 0 {
		return fmt.Errorf("profile: no connections defined")
	}

	names := make(map[string]bool, len(p.Connections))
	primaries := 0
	for _, c := range p.Connections {
		cfg := c.Config()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("profile: %w", err)
		}
		if names[c.Name] {
			return fmt.Errorf("profile: duplicate connection name %q", c.Name)
		}
		names[c.Name] = true
		if c.Primary {
			primaries++
		}
	}
	if primaries > 1 {
		return fmt.Errorf("profile: %d primary connections, at most one allowed", primaries)
	}

	for _, r := range p.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("profile: %w", err)
		}
		if !names[r.FromConnection] {
			return fmt.Errorf("profile: rule %s: unknown fromConnection %q", r.Name, r.FromConnection)
		}
		for _, d := range r.ToConnections {
			if !names[d.Connection] {
				return fmt.Errorf("profile: rule %s: unknown destination connection %q", r.Name, d.Connection)
			}
		}
	}
	return nil
}

// Primary returns the primary connection's config, or false when the
// profile declares none.
func (p *Profile) Primary() (conn.Config, bool) {
	for _, c := range p.Connections {
		if c.Primary {
			return c.Config(), true
		}
	}
	return conn.Config{}, false
}
