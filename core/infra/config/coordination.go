package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LeasePolicy bounds lock lifetimes and the expired-lease sweep.
type LeasePolicy struct {
	DefaultTTLSeconds    int64 `yaml:"default_ttl_seconds"`
	SweepIntervalSeconds int64 `yaml:"sweep_interval_seconds"`
}

// WaitPolicy controls blocking acquires. The sweep interval is the fallback
// wakeup for waiters whose lease expired outside this process.
type WaitPolicy struct {
	SweepIntervalMillis   int64 `yaml:"sweep_interval_ms"`
	DefaultMaxWaitSeconds int64 `yaml:"default_max_wait_seconds"`
}

// HeartbeatPolicy controls the supervisor's liveness checks.
type HeartbeatPolicy struct {
	TimeoutSeconds       int64 `yaml:"timeout_seconds"`
	CheckIntervalSeconds int64 `yaml:"check_interval_seconds"`
}

// ResourcePolicy overrides lease settings for one resource class.
type ResourcePolicy struct {
	TTLSeconds int64 `yaml:"ttl_seconds"`
}

// CoordinationConfig is the operator-tuned coordination policy.
type CoordinationConfig struct {
	Lease     LeasePolicy               `yaml:"lease"`
	Wait      WaitPolicy                `yaml:"wait"`
	Heartbeat HeartbeatPolicy           `yaml:"heartbeat"`
	Resources map[string]ResourcePolicy `yaml:"resources,omitempty"`
}

// LoadCoordination loads a YAML coordination policy; returns defaults if missing.
func LoadCoordination(path string) (*CoordinationConfig, error) {
	if path == "" {
		return defaultCoordination(), nil
	}
	// #nosec G304 -- coordination config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		// Return defaults if file missing
		return defaultCoordination(), fmt.Errorf("read coordination config: %w", err)
	}
	cfg, err := ParseCoordination(data)
	if err != nil {
		return defaultCoordination(), fmt.Errorf("load coordination config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseCoordination parses coordination policy data from YAML/JSON bytes.
func ParseCoordination(data []byte) (*CoordinationConfig, error) {
	if len(data) == 0 {
		return defaultCoordination(), nil
	}
	if err := validateConfigSchema("coordination", coordinationSchemaFile, data); err != nil {
		return nil, err
	}
	var cfg CoordinationConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse coordination config: %w", err)
	}
	// Fill empty with defaults
	def := defaultCoordination()
	if cfg.Lease == (LeasePolicy{}) {
		cfg.Lease = def.Lease
	}
	if cfg.Wait == (WaitPolicy{}) {
		cfg.Wait = def.Wait
	}
	if cfg.Heartbeat == (HeartbeatPolicy{}) {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.Resources == nil {
		cfg.Resources = map[string]ResourcePolicy{}
	}
	return &cfg, nil
}

func defaultCoordination() *CoordinationConfig {
	return &CoordinationConfig{
		Lease: LeasePolicy{
			DefaultTTLSeconds:    300,
			SweepIntervalSeconds: 30,
		},
		Wait: WaitPolicy{
			SweepIntervalMillis:   500,
			DefaultMaxWaitSeconds: 300,
		},
		Heartbeat: HeartbeatPolicy{
			TimeoutSeconds:       90,
			CheckIntervalSeconds: 30,
		},
		Resources: map[string]ResourcePolicy{},
	}
}

// DefaultTTL is the lease applied when a caller does not name one.
// Zero means new locks never expire unless the caller asks for a lease.
func (c *CoordinationConfig) DefaultTTL() time.Duration {
	if c == nil || c.Lease.DefaultTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Lease.DefaultTTLSeconds) * time.Second
}

// LeaseSweepInterval is how often the daemon asks the store to drop expired rows.
func (c *CoordinationConfig) LeaseSweepInterval() time.Duration {
	if c == nil || c.Lease.SweepIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Lease.SweepIntervalSeconds) * time.Second
}

// WaiterSweepInterval is the fallback wakeup period for blocked acquires.
func (c *CoordinationConfig) WaiterSweepInterval() time.Duration {
	if c == nil || c.Wait.SweepIntervalMillis <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Wait.SweepIntervalMillis) * time.Millisecond
}

// DefaultMaxWait bounds blocking acquires when the caller does not name a ceiling.
func (c *CoordinationConfig) DefaultMaxWait() time.Duration {
	if c == nil || c.Wait.DefaultMaxWaitSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.Wait.DefaultMaxWaitSeconds) * time.Second
}

// HeartbeatTimeout is how stale a heartbeat may be before the supervisor
// treats the agent as failed.
func (c *CoordinationConfig) HeartbeatTimeout() time.Duration {
	if c == nil || c.Heartbeat.TimeoutSeconds <= 0 {
		return 90 * time.Second
	}
	return time.Duration(c.Heartbeat.TimeoutSeconds) * time.Second
}

// HeartbeatCheckInterval is how often the supervisor scans for stale agents.
func (c *CoordinationConfig) HeartbeatCheckInterval() time.Duration {
	if c == nil || c.Heartbeat.CheckIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Heartbeat.CheckIntervalSeconds) * time.Second
}

// TTLForResource resolves the lease for a resource: exact class match first,
// then the segment before the first "/", then the global default.
func (c *CoordinationConfig) TTLForResource(resource string) time.Duration {
	if c == nil {
		return 0
	}
	if policy, ok := c.Resources[resource]; ok && policy.TTLSeconds > 0 {
		return time.Duration(policy.TTLSeconds) * time.Second
	}
	if idx := strings.Index(resource, "/"); idx > 0 {
		if policy, ok := c.Resources[resource[:idx]]; ok && policy.TTLSeconds > 0 {
			return time.Duration(policy.TTLSeconds) * time.Second
		}
	}
	return c.DefaultTTL()
}
