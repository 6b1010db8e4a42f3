package builtin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonathan/workflow-runner/internal/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newExecutor(t *testing.T) *plugin.Executor {
	t.Helper()
	reg := plugin.NewRegistry()
	require.NoError(t, Register(reg))
	return plugin.NewExecutor(reg, zap.NewNop().Sugar(), plugin.WithRetry(1, time.Millisecond))
}

func run(t *testing.T, exec *plugin.Executor, id, config, input string) json.RawMessage {
	t.Helper()
	h, err := exec.Initialize(context.Background(), plugin.Spec{PluginID: id, Config: json.RawMessage(config)}, "test")
	require.NoError(t, err)
	out, err := exec.Execute(context.Background(), h, json.RawMessage(input), "test")
	require.NoError(t, err)
	return out
}

func TestRegister_AllBuiltins(t *testing.T) {
	reg := plugin.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Equal(t, []string{AsyncSourceID, HTTPFetchID, SetFieldsID, StaticSourceID}, reg.IDs())
	assert.Error(t, Register(reg), "registering twice fails")
}

func TestStaticSource(t *testing.T) {
	exec := newExecutor(t)
	out := run(t, exec, StaticSourceID,
		`{"items":[{"externalId":"a","data":{"n":1}},{"externalId":"b","data":{"n":2}}]}`,
		`{"searchOptions":null,"lastProcessedState":{"polls":4}}`)

	parsed, err := plugin.ParseSourceOutput(out)
	require.NoError(t, err)
	require.Len(t, parsed.Items, 2)
	assert.Equal(t, "b", parsed.Items[1].ExternalID)
	assert.JSONEq(t, `{"polls":5}`, string(parsed.NextLastProcessedState))
	assert.Nil(t, plugin.AsyncJobFromState(parsed.NextLastProcessedState))
}

func TestStaticSource_RejectsInvalidConfig(t *testing.T) {
	exec := newExecutor(t)
	_, err := exec.Initialize(context.Background(), plugin.Spec{
		PluginID: StaticSourceID,
		Config:   json.RawMessage(`{"items":[{"data":{}}]}`),
	}, "test")
	var pe *plugin.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, plugin.OpValidate, pe.Operation)
}

func TestAsyncSource_PollsUntilDone(t *testing.T) {
	exec := newExecutor(t)
	config := `{"polls":3,"items":[{"externalId":"x","data":{}}]}`

	state := json.RawMessage(`null`)
	var statuses []plugin.AsyncStatus
	var parsed *plugin.SourceOutput
	for i := 0; i < 3; i++ {
		input, err := json.Marshal(plugin.SourceInput{LastProcessedState: state})
		require.NoError(t, err)
		out := run(t, exec, AsyncSourceID, config, string(input))
		parsed, err = plugin.ParseSourceOutput(out)
		require.NoError(t, err)
		job := plugin.AsyncJobFromState(parsed.NextLastProcessedState)
		require.NotNil(t, job)
		statuses = append(statuses, job.Status)
		state = parsed.NextLastProcessedState
	}

	assert.Equal(t, []plugin.AsyncStatus{plugin.AsyncSubmitted, plugin.AsyncProcessing, plugin.AsyncDone}, statuses)
	assert.Len(t, parsed.Items, 1)
}

func TestAsyncSource_Failure(t *testing.T) {
	exec := newExecutor(t)
	out := run(t, exec, AsyncSourceID, `{"polls":1,"fail":"quota exceeded"}`, `{}`)
	parsed, err := plugin.ParseSourceOutput(out)
	require.NoError(t, err)
	job := plugin.AsyncJobFromState(parsed.NextLastProcessedState)
	require.NotNil(t, job)
	assert.Equal(t, plugin.AsyncError, job.Status)
	assert.Equal(t, "quota exceeded", job.FailureMessage())
	assert.Empty(t, parsed.Items)
}

func TestSetFields(t *testing.T) {
	exec := newExecutor(t)
	out := run(t, exec, SetFieldsID, `{"fields":{"tagged":true,"n":2}}`, `{"n":1,"title":"t"}`)
	assert.JSONEq(t, `{"n":2,"title":"t","tagged":true}`, string(out))

	out = run(t, exec, SetFieldsID, `{"fields":{"a":1}}`, `null`)
	assert.JSONEq(t, `{"a":1}`, string(out))
}
