package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/workflow-runner/internal/config"
	"github.com/jonathan/workflow-runner/internal/engine"
	"github.com/jonathan/workflow-runner/internal/events"
	"github.com/jonathan/workflow-runner/internal/memstore"
	"github.com/jonathan/workflow-runner/internal/plugin"
	"github.com/jonathan/workflow-runner/internal/plugin/builtin"
	"github.com/jonathan/workflow-runner/internal/queue"
	"github.com/jonathan/workflow-runner/internal/server/ratelimit"
	"github.com/jonathan/workflow-runner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ----------------------------------------------------------------------------
// Harness
// ----------------------------------------------------------------------------

type testEnv struct {
	t       *testing.T
	ctx     context.Context
	repo    *memstore.Store
	q       *queue.Queue
	bus     *events.Bus
	eng     *engine.Engine
	server  *Server
	handler http.Handler
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	logger := zap.NewNop().Sugar()

	repo, err := memstore.New()
	require.NoError(t, err)
	reg := plugin.NewRegistry()
	require.NoError(t, builtin.Register(reg))
	exec := plugin.NewExecutor(reg, logger, plugin.WithHydrator(plugin.NoopHydrator{}), plugin.WithRetry(1, time.Millisecond))
	q := queue.New(queue.NewMemoryStore(), logger)
	bus := events.NewBus(logger)
	eng, err := engine.New(engine.Deps{Repo: repo, Plugins: exec, Queue: q, Events: bus, Logger: logger}, engine.Config{})
	require.NoError(t, err)

	if cfg.RateLimit == nil {
		cfg.RateLimit = &ratelimit.Config{Enabled: false}
	}
	s, err := New(cfg, Deps{Repo: repo, Admin: eng, Queues: q, Events: bus, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)

	return &testEnv{
		t:       t,
		ctx:     context.Background(),
		repo:    repo,
		q:       q,
		bus:     bus,
		eng:     eng,
		server:  s,
		handler: s.Handler(),
	}
}

func (e *testEnv) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(e.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

// drain runs every ready job of the three queues, including the jobs they
// submit.
func (e *testEnv) drain() {
	e.t.Helper()
	handlers := map[string]queue.Handler{
		queue.WorkflowRun:       e.eng.HandleWorkflowRun,
		queue.SourceQuery:       e.eng.HandleSourceQuery,
		queue.PipelineExecution: e.eng.HandlePipeline,
	}
	for {
		processed := false
		for _, name := range queue.Names {
			ok, err := e.q.ProcessNext(e.ctx, name, handlers[name])
			require.NoError(e.t, err)
			processed = processed || ok
		}
		if !processed {
			return
		}
	}
}

func (e *testEnv) createWorkflow(in types.WorkflowInput) *types.Workflow {
	e.t.Helper()
	wf, err := e.repo.CreateWorkflow(e.ctx, &in)
	require.NoError(e.t, err)
	return wf
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func sampleInput() types.WorkflowInput {
	return types.WorkflowInput{
		Name:  "import",
		Owner: "ops",
		Source: types.SourceConfig{
			PluginID: builtin.StaticSourceID,
			Config:   json.RawMessage(`{"items":[{"externalId":"a","data":{"n":1}},{"externalId":"b","data":{"n":2}}]}`),
		},
		Pipeline: types.Pipeline{Steps: []types.PipelineStep{{
			StepID:   "tag",
			PluginID: builtin.SetFieldsID,
			Config:   json.RawMessage(`{"fields":{"tagged":true}}`),
		}}},
	}
}

// ----------------------------------------------------------------------------
// Tests
// ----------------------------------------------------------------------------

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})
	w := env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, Config{})
	w := env.do(http.MethodOptions, "/workflows", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PATCH")
}

func TestWorkflowCRUD(t *testing.T) {
	env := newTestEnv(t, Config{})

	w := env.do(http.MethodPost, "/workflows", sampleInput())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[types.Workflow](t, w)
	assert.Equal(t, "import", created.Name)
	assert.Equal(t, types.WorkflowStatusActive, created.Status)

	w = env.do(http.MethodGet, "/workflows/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decode[types.Workflow](t, w).ID)

	w = env.do(http.MethodGet, "/workflows?owner=ops", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Workflows []types.WorkflowSummary `json:"workflows"`
		Count     int                     `json:"count"`
	}](t, w)
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, 1, list.Workflows[0].Steps)

	w = env.do(http.MethodGet, "/workflows?owner=nobody", nil)
	assert.Equal(t, float64(0), decode[map[string]any](t, w)["count"])

	w = env.do(http.MethodPatch, "/workflows/"+created.ID.String(), map[string]any{
		"name":     "renamed",
		"schedule": "*/5 * * * *",
		"status":   "INACTIVE",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[types.Workflow](t, w)
	assert.Equal(t, "renamed", updated.Name)
	require.NotNil(t, updated.Schedule)
	assert.Equal(t, "*/5 * * * *", *updated.Schedule)
	assert.Equal(t, types.WorkflowStatusInactive, updated.Status)

	w = env.do(http.MethodPatch, "/workflows/"+created.ID.String(), map[string]any{"clear_schedule": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decode[types.Workflow](t, w).Schedule)

	w = env.do(http.MethodDelete, "/workflows/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(http.MethodGet, "/workflows/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateWorkflow_YAML(t *testing.T) {
	env := newTestEnv(t, Config{})
	body := `
name: from-yaml
owner: ops
schedule: "@hourly"
source:
  plugin: static-source
  config: {items: []}
`
	w := env.do(http.MethodPost, "/workflows", body, "Content-Type", "application/yaml; charset=utf-8")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	wf := decode[types.Workflow](t, w)
	assert.Equal(t, "from-yaml", wf.Name)
	require.NotNil(t, wf.Schedule)
	assert.Equal(t, "@hourly", *wf.Schedule)

	w = env.do(http.MethodPost, "/workflows", "name: [", "Content-Type", "application/yaml")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateWorkflow_Invalid(t *testing.T) {
	env := newTestEnv(t, Config{})

	missingName := sampleInput()
	missingName.Name = ""
	badSchedule := sampleInput()
	schedule := "every tuesday"
	badSchedule.Schedule = &schedule
	duplicateSteps := sampleInput()
	duplicateSteps.Pipeline.Steps = append(duplicateSteps.Pipeline.Steps, duplicateSteps.Pipeline.Steps[0])

	tests := []struct {
		name string
		body any
	}{
		{name: "malformed json", body: `{"name":`},
		{name: "unknown field", body: `{"nme":"x"}`},
		{name: "missing name", body: missingName},
		{name: "bad schedule", body: badSchedule},
		{name: "duplicate steps", body: duplicateSteps},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/workflows", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.NotEmpty(t, decode[map[string]string](t, w)["error"])
		})
	}
}

func TestWorkflowRequests_BadInput(t *testing.T) {
	env := newTestEnv(t, Config{})
	tests := []struct {
		method, path string
		body         any
		code         int
	}{
		{http.MethodGet, "/workflows/not-a-uuid", nil, http.StatusBadRequest},
		{http.MethodGet, "/workflows/" + uuid.NewString(), nil, http.StatusNotFound},
		{http.MethodGet, "/workflows?status=paused", nil, http.StatusBadRequest},
		{http.MethodGet, "/workflows?scheduled=maybe", nil, http.StatusBadRequest},
		{http.MethodGet, "/workflows?limit=-1", nil, http.StatusBadRequest},
		{http.MethodPatch, "/workflows/" + uuid.NewString(), map[string]any{"name": "x"}, http.StatusNotFound},
		{http.MethodPatch, "/workflows/" + uuid.NewString(), map[string]any{"schedule": "nope"}, http.StatusBadRequest},
		{http.MethodDelete, "/workflows/" + uuid.NewString(), nil, http.StatusNotFound},
		{http.MethodPost, "/workflows/" + uuid.NewString() + "/runs", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := env.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestTriggerRun_EndToEnd(t *testing.T) {
	env := newTestEnv(t, Config{})
	wf := env.createWorkflow(sampleInput())

	w := env.do(http.MethodPost, "/workflows/"+wf.ID.String()+"/runs", map[string]string{"triggered_by": "alice"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[TriggerResponse](t, w)
	assert.Equal(t, "alice", resp.TriggeredBy)
	assert.NotEmpty(t, resp.JobID)

	env.drain()

	w = env.do(http.MethodGet, "/runs?workflow_id="+wf.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode[struct {
		Runs []types.WorkflowRun `json:"runs"`
	}](t, w).Runs
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	require.NotNil(t, run.TriggeredBy)
	assert.Equal(t, "alice", *run.TriggeredBy)
	assert.Equal(t, 2, run.ItemsTotal)

	w = env.do(http.MethodGet, "/runs?status=completed", nil)
	assert.Equal(t, 1, int(decode[map[string]any](t, w)["count"].(float64)))
	w = env.do(http.MethodGet, "/runs?status=failed", nil)
	assert.Equal(t, 0, int(decode[map[string]any](t, w)["count"].(float64)))

	w = env.do(http.MethodGet, "/runs/"+run.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[types.WorkflowRunDetail](t, w)
	assert.Equal(t, wf.ID, detail.Workflow.ID)
	assert.Len(t, detail.Items, 2)

	w = env.do(http.MethodGet, "/runs/"+run.ID.String()+"/plugin-runs?type=pipeline", nil)
	require.Equal(t, http.StatusOK, w.Code)
	prs := decode[struct {
		PluginRuns []types.PluginRun `json:"plugin_runs"`
	}](t, w).PluginRuns
	require.Len(t, prs, 2)
	for _, pr := range prs {
		assert.Equal(t, "tag", pr.StepID)
		assert.Equal(t, types.PluginRunStatusCompleted, pr.Status)
		assert.Equal(t, true, decodeMap(t, pr.Output)["tagged"])
	}

	w = env.do(http.MethodGet, "/runs/"+run.ID.String()+"/plugin-runs?type=source", nil)
	assert.Equal(t, 1, int(decode[map[string]any](t, w)["count"].(float64)))

	itemID := detail.Items[0].Item.ID
	w = env.do(http.MethodGet, "/items/"+itemID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	item := decode[types.SourceItemDetail](t, w)
	assert.Equal(t, itemID, item.Item.ID)
	require.Len(t, item.Runs, 1)
	assert.Equal(t, run.ID, item.Runs[0].WorkflowRunID)
}

func TestTriggerRun_DefaultAndArchived(t *testing.T) {
	env := newTestEnv(t, Config{})
	wf := env.createWorkflow(sampleInput())

	w := env.do(http.MethodPost, "/workflows/"+wf.ID.String()+"/runs", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, defaultTriggeredBy, decode[TriggerResponse](t, w).TriggeredBy)

	archivedIn := sampleInput()
	archivedIn.Status = types.WorkflowStatusArchived
	archived := env.createWorkflow(archivedIn)
	w = env.do(http.MethodPost, "/workflows/"+archived.ID.String()+"/runs", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRunActions(t *testing.T) {
	env := newTestEnv(t, Config{})
	wf := env.createWorkflow(sampleInput())
	_, err := env.eng.TriggerRun(env.ctx, wf.ID, nil)
	require.NoError(t, err)
	env.drain()

	w := env.do(http.MethodGet, "/runs?workflow_id="+wf.ID.String(), nil)
	run := decode[struct {
		Runs []types.WorkflowRun `json:"runs"`
	}](t, w).Runs[0]
	links, err := env.repo.ListRunItems(env.ctx, run.ID)
	require.NoError(t, err)
	itemID := links[0].SourceItemID
	stepPath := "/runs/" + run.ID.String() + "/items/" + itemID.String() + "/steps/"

	// Completed runs cannot be cancelled.
	w = env.do(http.MethodPost, "/runs/"+run.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Completed steps cannot be skipped, but can be retried.
	w = env.do(http.MethodPost, stepPath+"tag/skip", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(http.MethodPost, stepPath+"tag/retry", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	retry := decode[StepActionResponse](t, w)
	assert.Equal(t, "tag", retry.StepID)
	job, err := env.q.GetJob(env.ctx, queue.PipelineExecution, retry.JobID)
	require.NoError(t, err)
	assert.Equal(t, engine.RetryFromStepJob("tag"), job.Name)
	env.drain()

	pr, err := env.repo.FindPluginRun(env.ctx, run.ID, itemID, "tag")
	require.NoError(t, err)
	assert.Equal(t, types.PluginRunStatusCompleted, pr.Status)
	assert.Equal(t, 1, pr.RetryCount)

	w = env.do(http.MethodPost, stepPath+"missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(http.MethodPost, "/runs/"+run.ID.String()+"/items/nope/steps/tag/retry", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodDelete, "/runs/"+run.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(http.MethodGet, "/runs/"+run.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(http.MethodGet, "/runs/"+run.ID.String()+"/plugin-runs", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunRequests_BadInput(t *testing.T) {
	env := newTestEnv(t, Config{})
	tests := []struct {
		method, path string
		code         int
	}{
		{http.MethodGet, "/runs?workflow_id=x", http.StatusBadRequest},
		{http.MethodGet, "/runs?status=done", http.StatusBadRequest},
		{http.MethodGet, "/runs/x", http.StatusBadRequest},
		{http.MethodGet, "/runs/" + uuid.NewString(), http.StatusNotFound},
		{http.MethodPost, "/runs/" + uuid.NewString() + "/cancel", http.StatusNotFound},
		{http.MethodDelete, "/runs/" + uuid.NewString(), http.StatusNotFound},
		{http.MethodGet, "/items/" + uuid.NewString(), http.StatusNotFound},
		{http.MethodGet, "/items/x", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.code, env.do(tt.method, tt.path, nil).Code)
		})
	}
}

func TestQueueEndpoints(t *testing.T) {
	env := newTestEnv(t, Config{})
	wf := env.createWorkflow(sampleInput())
	job, err := env.eng.TriggerRun(env.ctx, wf.ID, nil)
	require.NoError(t, err)

	w := env.do(http.MethodGet, "/queues/"+queue.WorkflowRun, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[QueueStatsResponse](t, w)
	assert.False(t, stats.Paused)
	assert.Equal(t, 1, stats.Counts[queue.StateWaiting])
	assert.Equal(t, 0, stats.Counts[queue.StateFailed])

	w = env.do(http.MethodPost, "/queues/"+queue.WorkflowRun+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[QueueStatsResponse](t, w).Paused)
	w = env.do(http.MethodPost, "/queues/"+queue.WorkflowRun+"/resume", nil)
	assert.False(t, decode[QueueStatsResponse](t, w).Paused)

	w = env.do(http.MethodGet, "/queues/"+queue.WorkflowRun+"/jobs?state=waiting,delayed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	jobs := decode[struct {
		Jobs []queue.Job `json:"jobs"`
	}](t, w).Jobs
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	// Waiting jobs cannot be retried.
	w = env.do(http.MethodPost, "/queues/"+queue.WorkflowRun+"/jobs/"+job.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	env.drain()
	w = env.do(http.MethodPost, "/queues/"+queue.WorkflowRun+"/jobs/"+job.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, queue.StateWaiting, decode[queue.Job](t, w).State)

	w = env.do(http.MethodDelete, "/queues/"+queue.WorkflowRun+"/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(http.MethodDelete, "/queues/"+queue.WorkflowRun+"/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/queues/emails", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/queues/"+queue.SourceQuery+"/jobs?state=lost", nil).Code)
}

func TestAuth(t *testing.T) {
	jwtConfig := &config.JWTConfig{Secret: testSecret, ExpirationHours: 1}
	env := newTestEnv(t, Config{JWT: jwtConfig})
	wf := env.createWorkflow(sampleInput())

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/workflows", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/workflows", nil, "Authorization", "Bearer junk").Code)

	token, err := NewJWTService(jwtConfig).GenerateToken("carol")
	require.NoError(t, err)
	auth := "Bearer " + token
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/workflows", nil, "Authorization", auth).Code)

	// The token subject wins over the body.
	w := env.do(http.MethodPost, "/workflows/"+wf.ID.String()+"/runs", map[string]string{"triggered_by": "mallory"}, "Authorization", auth)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "carol", decode[TriggerResponse](t, w).TriggeredBy)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: &ratelimit.Config{Enabled: true, DefaultLimit: 2, DefaultWindow: time.Hour}})

	for i := 0; i < 2; i++ {
		w := env.do(http.MethodGet, "/workflows", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}
	w := env.do(http.MethodGet, "/workflows", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", decode[map[string]any](t, w)["error"])

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", nil).Code)
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, Config{})
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	runID := uuid.New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?run_id="+runID.String(), nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Wait for the subscription before publishing.
	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "subscribed run:"+runID.String())

	env.bus.Publish(&events.Event{Type: events.WorkflowRunStarted, WorkflowRunID: uuid.New()})
	env.bus.Publish(&events.Event{Type: events.WorkflowRunCompleted, WorkflowRunID: runID})

	var got strings.Builder
	for !strings.Contains(got.String(), "\n\n") {
		n, err := resp.Body.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	assert.Contains(t, got.String(), "event: "+events.WorkflowRunCompleted)
	assert.Contains(t, got.String(), runID.String())
	assert.NotContains(t, got.String(), events.WorkflowRunStarted)
}

func TestEventsStream_BadFilter(t *testing.T) {
	env := newTestEnv(t, Config{})
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/events?run_id=x", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/events?workflow_id=x", nil).Code)
}

func decodeMap(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}
