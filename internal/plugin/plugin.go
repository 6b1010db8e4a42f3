// Package plugin defines the contract between the workflow engine and the
// plugins that discover items and process them, and the executor that
// validates, hydrates and retries plugin calls.
package plugin

import (
	"context"
	"encoding/json"
)

// Schemas are the JSON Schema documents a plugin declares for its config,
// input and output. An empty string disables that check.
type Schemas struct {
	Config string
	Input  string
	Output string
}

// Plugin is a unit of work referenced by id from a workflow's source or
// pipeline steps.
type Plugin interface {
	ID() string
	Schemas() Schemas
	// Initialize receives the hydrated, validated config before any Execute.
	Initialize(ctx context.Context, config json.RawMessage) error
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// Factory creates a fresh, uninitialized plugin instance.
type Factory func() Plugin

// Spec names a plugin and its raw, unhydrated config.
type Spec struct {
	PluginID string
	Config   json.RawMessage
}

// Handle is an initialized plugin ready for Execute.
type Handle struct {
	spec   Spec
	plugin Plugin
}

// PluginID returns the id the handle was initialized for.
func (h *Handle) PluginID() string {
	return h.spec.PluginID
}

// Plugin returns the underlying plugin instance.
func (h *Handle) Plugin() Plugin {
	return h.plugin
}
