package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonathan/workflow-runner/internal/plugin"
)

// AsyncSource simulates a source backed by a remote asynchronous job. The
// first poll submits the job, later polls report it as processing until
// Polls is reached, then the job finishes with the configured items, or
// with an error when Fail is set.
type AsyncSource struct {
	config struct {
		Polls int                   `json:"polls"`
		Items []plugin.SourceRecord `json:"items"`
		Fail  string                `json:"fail"`
	}
}

func (s *AsyncSource) ID() string { return AsyncSourceID }

func (s *AsyncSource) Schemas() plugin.Schemas {
	return plugin.Schemas{
		Config: `{
		  "type": "object",
		  "properties": {
		    "polls": {"type": "integer", "minimum": 1},
		    "items": ` + recordsSchema + `,
		    "fail": {"type": "string"}
		  }
		}`,
		Output: sourceOutputSchema,
	}
}

func (s *AsyncSource) Initialize(_ context.Context, config json.RawMessage) error {
	if len(config) > 0 {
		if err := json.Unmarshal(config, &s.config); err != nil {
			return fmt.Errorf("invalid async-source config: %w", err)
		}
	}
	if s.config.Polls < 1 {
		s.config.Polls = 1
	}
	return nil
}

func (s *AsyncSource) Execute(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in plugin.SourceInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("invalid source input: %w", err)
		}
	}

	job := plugin.AsyncJobFromState(in.LastProcessedState)
	if job == nil || !job.Status.InFlight() {
		job = &plugin.AsyncJob{ID: uuid.NewString(), Status: plugin.AsyncSubmitted, Poll: 1}
	} else {
		job.Poll++
		job.Status = plugin.AsyncProcessing
	}

	items := []plugin.SourceRecord{}
	if job.Poll >= s.config.Polls {
		if s.config.Fail != "" {
			job.Status = plugin.AsyncError
			job.Error = s.config.Fail
		} else {
			job.Status = plugin.AsyncDone
			if s.config.Items != nil {
				items = s.config.Items
			}
		}
	}

	next, err := json.Marshal(map[string]any{"currentAsyncJob": job})
	if err != nil {
		return nil, err
	}
	return json.Marshal(plugin.SourceOutput{Items: items, NextLastProcessedState: next})
}
