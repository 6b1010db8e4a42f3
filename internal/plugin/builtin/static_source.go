package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonathan/workflow-runner/internal/plugin"
)

// StaticSource returns a fixed list of items from its config. It records the
// number of polls in its state.
type StaticSource struct {
	config struct {
		Items []plugin.SourceRecord `json:"items"`
	}
}

func (s *StaticSource) ID() string { return StaticSourceID }

func (s *StaticSource) Schemas() plugin.Schemas {
	return plugin.Schemas{
		Config: `{"type": "object", "required": ["items"], "properties": {"items": ` + recordsSchema + `}}`,
		Output: sourceOutputSchema,
	}
}

func (s *StaticSource) Initialize(_ context.Context, config json.RawMessage) error {
	if err := json.Unmarshal(config, &s.config); err != nil {
		return fmt.Errorf("invalid static-source config: %w", err)
	}
	return nil
}

func (s *StaticSource) Execute(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in plugin.SourceInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("invalid source input: %w", err)
		}
	}
	var state struct {
		Polls int `json:"polls"`
	}
	if len(in.LastProcessedState) > 0 {
		_ = json.Unmarshal(in.LastProcessedState, &state)
	}
	state.Polls++

	items := s.config.Items
	if items == nil {
		items = []plugin.SourceRecord{}
	}
	next, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return json.Marshal(plugin.SourceOutput{Items: items, NextLastProcessedState: next})
}
