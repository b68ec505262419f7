package core

import (
	"github.com/aretw0/introspection"

	"github.com/staticimp/staticimp/pkg/fields"
	"github.com/staticimp/staticimp/pkg/placeholder"
)

// ServiceState exposes internal state for observability.
type ServiceState struct {
	EntryTypes  []string          `json:"entry_types"`
	Backends    map[string]string `json:"backends"`
	Drivers     []string          `json:"drivers,omitempty"`
	VaultLoaded bool              `json:"vault_loaded"`
	// Stages is the field pipeline every submission runs through.
	Stages     []string `json:"stages"`
	Transforms []string `json:"transforms"`
	// Generated lists the keys of the "@" placeholder namespace.
	Generated []string `json:"generated"`
	// CachedProjects counts cached project configs.
	CachedProjects int `json:"cached_projects"`
	// BackendStates holds the state of backends that are themselves introspectable.
	BackendStates map[string]any `json:"backend_states,omitempty"`
}

// State implements introspection.Introspectable.
func (s *Service) State() any {
	state := ServiceState{
		EntryTypes:  s.cfg.EntryNames(),
		Backends:    make(map[string]string, len(s.backends)),
		VaultLoaded: s.vault != nil,
		Stages:      fields.New(fields.Config{}).Stages(),
		Transforms:  fields.TransformKinds(),
		Generated:   placeholder.GeneratedKeys(),

		CachedProjects: s.projects.len(),
	}
	if s.registry != nil {
		state.Drivers = s.registry.Drivers()
	}

	for name, b := range s.backends {
		kind := "backend"
		// Try to get component type if backend implements introspection.Component
		if comp, ok := b.(introspection.Component); ok {
			kind = comp.ComponentType()
		}
		state.Backends[name] = kind

		if intro, ok := b.(introspection.Introspectable); ok {
			if state.BackendStates == nil {
				state.BackendStates = make(map[string]any)
			}
			state.BackendStates[name] = intro.State()
		}
	}
	return state
}

// ComponentType implements introspection.Component.
func (s *Service) ComponentType() string {
	return "service"
}

var _ introspection.Introspectable = (*Service)(nil)
var _ introspection.Component = (*Service)(nil)
