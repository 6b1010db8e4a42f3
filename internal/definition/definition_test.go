package definition

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonathan/workflow-runner/internal/memstore"
	"github.com/jonathan/workflow-runner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
name: nightly-import
owner: ops
schedule: "0 2 * * *"
status: active
source:
  plugin: static-source
  config:
    items:
      - externalId: a
        data: {title: first}
  search:
    query: golang
pipeline:
  - id: tag
    plugin: set-fields
    config:
      fields:
        imported: true
        tags: [x, y]
  - id: notify
    plugin: webhook
`

func TestParseWorkflowYAML(t *testing.T) {
	in, err := ParseWorkflowYAML([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "nightly-import", in.Name)
	assert.Equal(t, "ops", in.Owner)
	require.NotNil(t, in.Schedule)
	assert.Equal(t, "0 2 * * *", *in.Schedule)
	assert.Equal(t, types.WorkflowStatusActive, in.Status)
	assert.Equal(t, "static-source", in.Source.PluginID)
	assert.JSONEq(t, `{"items":[{"externalId":"a","data":{"title":"first"}}]}`, string(in.Source.Config))
	assert.JSONEq(t, `{"query":"golang"}`, string(in.Source.Search))

	require.Len(t, in.Pipeline.Steps, 2)
	assert.Equal(t, "tag", in.Pipeline.Steps[0].StepID)
	assert.Equal(t, "set-fields", in.Pipeline.Steps[0].PluginID)
	assert.JSONEq(t, `{"fields":{"imported":true,"tags":["x","y"]}}`, string(in.Pipeline.Steps[0].Config))
	assert.Equal(t, "notify", in.Pipeline.Steps[1].StepID)
	assert.Nil(t, in.Pipeline.Steps[1].Config)
}

func TestParseWorkflowYAML_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "empty", yaml: "  \n", wantErr: "empty"},
		{name: "malformed", yaml: "name: [unclosed", wantErr: "decode"},
		{name: "missing name", yaml: "owner: ops\nsource: {plugin: static-source}", wantErr: "Name"},
		{name: "missing owner", yaml: "name: x\nsource: {plugin: static-source}", wantErr: "Owner"},
		{name: "missing source plugin", yaml: "name: x\nowner: ops", wantErr: "PluginID"},
		{name: "bad status", yaml: "name: x\nowner: ops\nstatus: paused\nsource: {plugin: s}", wantErr: "Status"},
		{name: "bad schedule", yaml: "name: x\nowner: ops\nschedule: sometimes\nsource: {plugin: s}", wantErr: "invalid schedule"},
		{
			name:    "duplicate steps",
			yaml:    "name: x\nowner: ops\nsource: {plugin: s}\npipeline:\n  - {id: a, plugin: p}\n  - {id: a, plugin: q}",
			wantErr: "duplicate pipeline step id",
		},
		{
			name:    "reserved step id",
			yaml:    "name: x\nowner: ops\nsource: {plugin: s}\npipeline:\n  - {id: source, plugin: p}",
			wantErr: "StepID",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWorkflowYAML([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	write("b.yml", "name: b\nowner: ops\nsource: {plugin: static-source}")
	write("a.yaml", "name: a\nowner: ops\nsource: {plugin: static-source}")
	write("notes.txt", "not a definition")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0755))

	files, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a", files[0].Workflow.Name)
	assert.Equal(t, filepath.Join(dir, "a.yaml"), files[0].Path)
	assert.Equal(t, "b", files[1].Workflow.Name)

	single, err := Load(filepath.Join(dir, "b.yml"))
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, "b", single[0].Workflow.Name)

	all, err := Load(dir)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLoadDir_MissingAndInvalid(t *testing.T) {
	files, err := LoadDir(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Nil(t, files)

	files, err = LoadDir("")
	require.NoError(t, err)
	assert.Nil(t, files)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("owner: ops"), 0644))
	_, err = LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestApply_CreatesThenUpdatesByNameAndOwner(t *testing.T) {
	ctx := context.Background()
	store, err := memstore.New()
	require.NoError(t, err)

	in, err := ParseWorkflowYAML([]byte(sample))
	require.NoError(t, err)
	created, isNew, err := Apply(ctx, store, in)
	require.NoError(t, err)
	assert.True(t, isNew)

	other := *in
	other.Owner = "someone-else"
	_, isNew, err = Apply(ctx, store, &other)
	require.NoError(t, err)
	assert.True(t, isNew, "same name under another owner is a different workflow")

	changed, err := ParseWorkflowYAML([]byte(`
name: nightly-import
owner: ops
source:
  plugin: static-source
  config: {items: []}
pipeline:
  - id: only
    plugin: set-fields
    config: {fields: {}}
`))
	require.NoError(t, err)
	updated, isNew, err := Apply(ctx, store, changed)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, created.ID, updated.ID)
	assert.Nil(t, updated.Schedule)
	require.Len(t, updated.Pipeline.Steps, 1)
	assert.Equal(t, "only", updated.Pipeline.Steps[0].StepID)
	assert.JSONEq(t, `{"items":[]}`, string(updated.Source.Config))
}
