package plugin

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// SourceInput is the input given to a workflow's source plugin.
type SourceInput struct {
	SearchOptions      json.RawMessage `json:"searchOptions"`
	LastProcessedState json.RawMessage `json:"lastProcessedState"`
}

// SourceRecord is one item discovered by a source plugin.
type SourceRecord struct {
	ExternalID string          `json:"externalId" validate:"required"`
	Data       json.RawMessage `json:"data"`
}

// SourceOutput is what a source plugin must return.
type SourceOutput struct {
	Items                  []SourceRecord  `json:"items" validate:"dive"`
	NextLastProcessedState json.RawMessage `json:"nextLastProcessedState,omitempty"`
}

// AsyncStatus is the status of a remote job a source polls across runs.
type AsyncStatus string

// Async job status constants
const (
	AsyncSubmitted  AsyncStatus = "submitted"
	AsyncPending    AsyncStatus = "pending"
	AsyncProcessing AsyncStatus = "processing"
	AsyncDone       AsyncStatus = "done"
	AsyncError      AsyncStatus = "error"
	AsyncTimeout    AsyncStatus = "timeout"
)

// InFlight reports whether the remote job still needs polling.
func (s AsyncStatus) InFlight() bool {
	return s == AsyncSubmitted || s == AsyncPending || s == AsyncProcessing
}

// AsyncJob is the currentAsyncJob marker a source keeps in its state.
type AsyncJob struct {
	ID      string      `json:"id,omitempty"`
	Status  AsyncStatus `json:"status"`
	Poll    int         `json:"poll,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// FailureMessage returns the best available description of a failed job.
func (j *AsyncJob) FailureMessage() string {
	switch {
	case j.Error != "":
		return j.Error
	case j.Message != "":
		return j.Message
	default:
		return string(j.Status)
	}
}

// ParseSourceOutput decodes and checks the shape of a source plugin's output.
func ParseSourceOutput(raw json.RawMessage) (*SourceOutput, error) {
	var out SourceOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("invalid source output: %w", err)
	}
	if err := validator.New().Struct(&out); err != nil {
		return nil, fmt.Errorf("invalid source output: %w", err)
	}
	return &out, nil
}

// AsyncJobFromState extracts currentAsyncJob from a source state object. It
// returns nil when the state is not an object or carries no marker.
func AsyncJobFromState(state json.RawMessage) *AsyncJob {
	if len(state) == 0 {
		return nil
	}
	var holder struct {
		CurrentAsyncJob *AsyncJob `json:"currentAsyncJob"`
	}
	if err := json.Unmarshal(state, &holder); err != nil {
		return nil
	}
	return holder.CurrentAsyncJob
}

// ClearAsyncJob removes currentAsyncJob from a state object, keeping every
// other key.
func ClearAsyncJob(state json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(state, &fields); err != nil || fields == nil {
		return state, nil
	}
	delete(fields, "currentAsyncJob")
	if len(fields) == 0 {
		return nil, nil
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode source state: %w", err)
	}
	return out, nil
}
