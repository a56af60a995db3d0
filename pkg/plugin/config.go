package plugin

import (
	"errors"
	"fmt"
	"time"
)

// Default timeouts applied when the configuration leaves them unset.
const (
	DefaultRequestTimeout  = 10 * time.Second
	DefaultShutdownTimeout = 2 * time.Second
)

// ManagerConfig describes the tunables of a Manager, typically loaded from the
// daemon's YAML file.
type ManagerConfig struct {
	HostVersion     string        `yaml:"host_version"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Policy          Policy        `yaml:"policy"`

	// PluginPolicies overrides Policy for individual plugin ids. Lists left
	// empty in an override fall back to the global policy.
	PluginPolicies map[string]Policy `yaml:"plugin_policies"`
}

// Validate performs basic sanity checks of the configuration.
func (c ManagerConfig) Validate() error {
	if c.RequestTimeout < 0 {
		return errors.New("request_timeout cannot be negative")
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("shutdown_timeout cannot be negative")
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	for id, p := range c.PluginPolicies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy for %s: %w", id, err)
		}
	}
	return nil
}

// PolicyFor returns the admission policy that applies to plugin id.
func (c ManagerConfig) PolicyFor(id string) Policy {
	if p, ok := c.PluginPolicies[id]; ok {
		return p.Merge(c.Policy)
	}
	return c.Policy
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.HostVersion == "" {
		c.HostVersion = "dev"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}
