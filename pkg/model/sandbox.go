package model

import (
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/validation"
)

// State is a sandbox lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateBuilding State = "building"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

var transitions = map[State][]State{
	StateCreated:  {StateBuilding},
	StateBuilding: {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateFailed},
	StateRunning:  {StateStopping, StateFailed},
	StateFailed:   {StateStopping},
	StateStopping: {StateStopped},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool { return s == StateStopped }

// SandboxSpec declares a sandbox.
type SandboxSpec struct {
	ID        string           `json:"id" yaml:"id"`
	Tools     []string         `json:"tools,omitempty" yaml:"tools"`
	Resources ComputeResources `json:"compute_resources" yaml:"compute_resources"`
	Databases []DatabaseAccess `json:"attached_databases,omitempty" yaml:"attached_databases"`
}

// ApplyDefaults fills resources and databases from group defaults when unset.
func (s *SandboxSpec) ApplyDefaults(resources ComputeResources, databases []DatabaseAccess) {
	s.ID = strings.TrimSpace(s.ID)
	if s.Resources.IsZero() {
		s.Resources = resources
	}
	if len(s.Databases) == 0 && len(databases) > 0 {
		s.Databases = append([]DatabaseAccess(nil), databases...)
	}
	s.Resources = s.Resources.Normalize()
	s.Databases = NormalizeAccess(s.Databases)
}

// Validate rejects malformed specs before anything is committed.
func (s SandboxSpec) Validate() error {
	if s.ID == "" {
		return NewConfigurationError("sandbox id is required")
	}
	if len(s.ID) > 50 {
		return NewConfigurationError("sandbox id %q is longer than 50 characters", s.ID)
	}
	if errs := validation.IsDNS1123Label(s.ID); len(errs) > 0 {
		return NewConfigurationError("invalid sandbox id %q: %s", s.ID, strings.Join(errs, "; "))
	}
	if err := s.Resources.Validate(); err != nil {
		return err
	}
	seen := map[DatabaseType]bool{}
	for _, db := range s.Databases {
		if err := db.Validate(); err != nil {
			return err
		}
		t := db.Normalize().DatabaseType
		if seen[t] {
			return NewConfigurationError("duplicate %s database access", t)
		}
		seen[t] = true
	}
	for _, tool := range s.Tools {
		if strings.TrimSpace(tool) == "" {
			return NewConfigurationError("empty tool reference")
		}
	}
	return nil
}

// SandboxStatus is the externally visible view of a sandbox.
type SandboxStatus struct {
	ID             string           `json:"id"`
	State          State            `json:"state"`
	Reason         string           `json:"reason,omitempty"`
	URL            string           `json:"sandbox_url,omitempty"`
	Image          string           `json:"image,omitempty"`
	Network        string           `json:"network,omitempty"`
	Resources      ComputeResources `json:"compute_resources"`
	Databases      []DatabaseAccess `json:"attached_databases,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	LastActivityAt *time.Time       `json:"last_activity_at,omitempty"`
	Samples        int              `json:"usage_samples"`
}

// StatusTransition is one recorded lifecycle step.
type StatusTransition struct {
	SandboxID string    `json:"sandbox_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}
