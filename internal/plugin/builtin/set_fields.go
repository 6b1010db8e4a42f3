package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonathan/workflow-runner/internal/plugin"
)

// SetFields shallow-merges configured fields into its input object.
type SetFields struct {
	config struct {
		Fields map[string]json.RawMessage `json:"fields"`
	}
}

func (s *SetFields) ID() string { return SetFieldsID }

func (s *SetFields) Schemas() plugin.Schemas {
	return plugin.Schemas{
		Config: `{"type": "object", "required": ["fields"], "properties": {"fields": {"type": "object"}}}`,
		Input:  `{"type": ["object", "null"]}`,
		Output: `{"type": "object"}`,
	}
}

func (s *SetFields) Initialize(_ context.Context, config json.RawMessage) error {
	if err := json.Unmarshal(config, &s.config); err != nil {
		return fmt.Errorf("invalid set-fields config: %w", err)
	}
	return nil
}

func (s *SetFields) Execute(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	merged := map[string]json.RawMessage{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &merged); err != nil {
			return nil, fmt.Errorf("set-fields input must be an object: %w", err)
		}
		if merged == nil {
			merged = map[string]json.RawMessage{}
		}
	}
	for k, v := range s.config.Fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}
