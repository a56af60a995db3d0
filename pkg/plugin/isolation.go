package plugin

import (
	"fmt"
	"slices"
)

// Policy restricts which capability kinds connected plugins may declare.
// Plugins remain separate OS processes; the policy only governs admission.
type Policy struct {
	Allowed []Kind `yaml:"allowed"`
	Denied  []Kind `yaml:"denied"`
}

// Merge returns a new policy using values from other when not present.
func (p Policy) Merge(other Policy) Policy {
	if len(p.Allowed) == 0 {
		p.Allowed = other.Allowed
	}
	if len(p.Denied) == 0 {
		p.Denied = other.Denied
	}
	return p
}

// Validate rejects unknown kinds in either list.
func (p Policy) Validate() error {
	for _, k := range append(slices.Clone(p.Allowed), p.Denied...) {
		if !k.Valid() {
			return fmt.Errorf("policy references unknown capability %q", k)
		}
	}
	return nil
}

// Admit returns an error when any capability is denied or, with a non-empty
// allow list, not explicitly allowed.
func (p Policy) Admit(caps []Capability) error {
	for _, c := range caps {
		if slices.Contains(p.Denied, c.Kind()) {
			return fmt.Errorf("%w: capability %s is explicitly denied", ErrCapabilityDenied, c.Kind())
		}
		if len(p.Allowed) > 0 && !slices.Contains(p.Allowed, c.Kind()) {
			return fmt.Errorf("%w: capability %s not permitted", ErrCapabilityDenied, c.Kind())
		}
	}
	return nil
}
