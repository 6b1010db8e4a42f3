package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/workflow-runner/internal/events"
	"github.com/jonathan/workflow-runner/internal/memstore"
	"github.com/jonathan/workflow-runner/internal/plugin"
	"github.com/jonathan/workflow-runner/internal/plugin/builtin"
	"github.com/jonathan/workflow-runner/internal/queue"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ----------------------------------------------------------------------------
// Harness
// ----------------------------------------------------------------------------

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) record(evt *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Type == eventType {
			n++
		}
	}
	return n
}

// stepPlugin is a schema-less plugin whose behaviour is a function.
type stepPlugin struct {
	id   string
	exec func(input json.RawMessage) (json.RawMessage, error)
}

func (p *stepPlugin) ID() string { return p.id }

func (p *stepPlugin) Schemas() plugin.Schemas { return plugin.Schemas{} }

func (p *stepPlugin) Initialize(context.Context, json.RawMessage) error { return nil }

func (p *stepPlugin) Execute(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	return p.exec(input)
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *clock
	repo   *memstore.Store
	q      *queue.Queue
	reg    *plugin.Registry
	exec   *plugin.Executor
	bus    *events.Bus
	events *recorder
	eng    *Engine

	mu    sync.Mutex
	calls map[string][]json.RawMessage
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop().Sugar()
	c := &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}

	repo, err := memstore.New()
	require.NoError(t, err)
	reg := plugin.NewRegistry()
	require.NoError(t, builtin.Register(reg))
	exec := plugin.NewExecutor(reg, logger,
		plugin.WithHydrator(plugin.NoopHydrator{}),
		plugin.WithRetry(1, time.Millisecond),
	)
	q := queue.New(queue.NewMemoryStore(), logger, queue.WithClock(c.Now))
	bus := events.NewBus(logger)
	rec := &recorder{}
	bus.Subscribe(events.AllChannel, rec.record)

	eng, err := New(Deps{Repo: repo, Plugins: exec, Queue: q, Events: bus, Logger: logger}, Config{})
	require.NoError(t, err)

	return &harness{
		t:      t,
		ctx:    context.Background(),
		clock:  c,
		repo:   repo,
		q:      q,
		reg:    reg,
		exec:   exec,
		bus:    bus,
		events: rec,
		eng:    eng,
		calls:  map[string][]json.RawMessage{},
	}
}

// register adds a plugin that records every input it receives.
func (h *harness) register(id string, fn func(input json.RawMessage) (json.RawMessage, error)) {
	h.reg.MustRegister(id, func() plugin.Plugin {
		return &stepPlugin{id: id, exec: func(input json.RawMessage) (json.RawMessage, error) {
			h.mu.Lock()
			h.calls[id] = append(h.calls[id], input)
			h.mu.Unlock()
			return fn(input)
		}}
	})
}

func (h *harness) callsTo(id string) []json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]json.RawMessage(nil), h.calls[id]...)
}

func (h *harness) handler(queueName string) queue.Handler {
	switch queueName {
	case queue.WorkflowRun:
		return h.eng.HandleWorkflowRun
	case queue.SourceQuery:
		return h.eng.HandleSourceQuery
	default:
		return h.eng.HandlePipeline
	}
}

// drainQueue processes ready jobs of one queue until none is left.
func (h *harness) drainQueue(queueName string) int {
	h.t.Helper()
	n := 0
	for {
		ok, err := h.q.ProcessNext(h.ctx, queueName, h.handler(queueName))
		require.NoError(h.t, err)
		if !ok {
			return n
		}
		n++
	}
}

// drain processes every ready job of the three queues, including the jobs
// they submit.
func (h *harness) drain() {
	h.t.Helper()
	for {
		n := h.drainQueue(queue.WorkflowRun) +
			h.drainQueue(queue.SourceQuery) +
			h.drainQueue(queue.PipelineExecution)
		if n == 0 {
			return
		}
	}
}

func (h *harness) create(in types.WorkflowInput) *types.Workflow {
	h.t.Helper()
	if in.Name == "" {
		in.Name = "test-workflow"
	}
	if in.Owner == "" {
		in.Owner = "tester"
	}
	wf, err := h.repo.CreateWorkflow(h.ctx, &in)
	require.NoError(h.t, err)
	return wf
}

func (h *harness) trigger(wf *types.Workflow) *types.WorkflowRun {
	h.t.Helper()
	_, err := h.eng.TriggerRun(h.ctx, wf.ID, nil)
	require.NoError(h.t, err)
	h.drain()
	return h.latestRun(wf.ID)
}

func (h *harness) latestRun(workflowID uuid.UUID) *types.WorkflowRun {
	h.t.Helper()
	runs, err := h.repo.ListWorkflowRuns(h.ctx, repository.RunFilter{WorkflowID: &workflowID})
	require.NoError(h.t, err)
	require.NotEmpty(h.t, runs)
	latest := runs[0]
	for _, r := range runs[1:] {
		if r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	return &latest
}

func (h *harness) run(id uuid.UUID) *types.WorkflowRun {
	h.t.Helper()
	run, err := h.repo.GetWorkflowRun(h.ctx, id)
	require.NoError(h.t, err)
	return run
}

func (h *harness) pluginRuns(runID uuid.UUID, typ types.PluginRunType) []types.PluginRun {
	h.t.Helper()
	prs, err := h.repo.ListPluginRuns(h.ctx, repository.PluginRunFilter{WorkflowRunID: &runID, Type: &typ})
	require.NoError(h.t, err)
	return prs
}

func (h *harness) runItems(runID uuid.UUID) []types.RunItem {
	h.t.Helper()
	links, err := h.repo.ListRunItems(h.ctx, runID)
	require.NoError(h.t, err)
	return links
}

func (h *harness) step(runID, itemID uuid.UUID, stepID string) *types.PluginRun {
	h.t.Helper()
	pr, err := h.repo.FindPluginRun(h.ctx, runID, itemID, stepID)
	require.NoError(h.t, err)
	require.NotNil(h.t, pr, "plugin run for step %s", stepID)
	return pr
}

type item struct {
	ExternalID string         `json:"externalId"`
	Data       map[string]any `json:"data"`
}

func staticSource(items ...item) types.SourceConfig {
	if items == nil {
		items = []item{}
	}
	config, _ := json.Marshal(map[string]any{"items": items})
	return types.SourceConfig{PluginID: builtin.StaticSourceID, Config: config}
}

func pipeline(steps ...types.PipelineStep) types.Pipeline {
	return types.Pipeline{Steps: steps}
}

func step(stepID, pluginID string) types.PipelineStep {
	return types.PipelineStep{StepID: stepID, PluginID: pluginID}
}

func echo(input json.RawMessage) (json.RawMessage, error) { return input, nil }

// setKey returns a step that sets key to true on its input object.
func setKey(key string) func(json.RawMessage) (json.RawMessage, error) {
	return func(input json.RawMessage) (json.RawMessage, error) {
		fields := map[string]any{}
		if !types.IsNullJSON(input) {
			if err := json.Unmarshal(input, &fields); err != nil {
				return nil, err
			}
		}
		fields[key] = true
		return json.Marshal(fields)
	}
}

func decodeObject(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}
