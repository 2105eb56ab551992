package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/marketmap/internal/cache"
	"github.com/sells-group/marketmap/internal/deadline"
	"github.com/sells-group/marketmap/internal/gate"
	"github.com/sells-group/marketmap/internal/model"
	"github.com/sells-group/marketmap/internal/orchestrator"
	"github.com/sells-group/marketmap/internal/registry"
	"github.com/sells-group/marketmap/internal/trace"
	"github.com/sells-group/marketmap/pkg/gemini"
)

type step struct {
	text string
	err  error
}

type fakeClient struct {
	steps  []step
	calls  int
	models []gemini.ModelInfo
}

func (f *fakeClient) GenerateContent(_ context.Context, _ gemini.GenerateRequest) (*gemini.GenerateResponse, error) {
	f.calls++
	if len(f.steps) == 0 {
		return nil, &gemini.APIError{StatusCode: 500, Message: "no scripted step left"}
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	if s.err != nil {
		return nil, s.err
	}
	return &gemini.GenerateResponse{
		Candidates: []gemini.Candidate{{
			Content: gemini.Content{Parts: []gemini.Part{{Text: s.text}}},
		}},
	}, nil
}

func (f *fakeClient) ListModels(context.Context) ([]gemini.ModelInfo, error) {
	return f.models, nil
}

const resultsJSON = `{
  "category": "crm",
  "ranking_basis": "revenue",
  "companies": [
    {"name": "Alpha", "rank": 1, "metrics": [
      {"label": "revenue", "value": 10, "source_url": "https://r.example/a1"},
      {"label": "users", "value": 20, "source_url": "https://r.example/a2"}]},
    {"name": "Beta", "rank": 2, "metrics": [
      {"label": "revenue", "value": 8, "source_url": "https://r.example/b1"},
      {"label": "users", "value": 15, "source_url": "https://r.example/b2"}]},
    {"name": "Gamma", "rank": 3, "metrics": [
      {"label": "revenue", "value": 5, "source_url": "https://r.example/c1"},
      {"label": "users", "value": 9, "source_url": "https://r.example/c2"}]}
  ]
}`

const planJSON = `{
  "category": "crm",
  "plan": {"sources": ["Gartner"], "metrics": ["revenue"], "approach": "compare"},
  "clarifying_question": "Which segment?"
}`

type fixture struct {
	client  *fakeClient
	handler http.Handler
	h       *Handler
	gate    *gate.Gate
	results *cache.Results
	plans   *cache.Plans
	traces  *trace.Store
}

func newFixture(t *testing.T, fc *fakeClient) *fixture {
	t.Helper()

	eng := orchestrator.NewEngine(fc, registry.New(fc, time.Minute), deadline.Default()).
		WithSleep(func(context.Context, time.Duration) error { return nil })
	svc := orchestrator.NewService(eng, orchestrator.Config{
		Model:        "gemini-2.5-pro",
		DefaultModel: "gemini-2.5-flash",
		Chain:        registry.DefaultChain(),
		TotalBudget:  30 * time.Second,
	})

	f := &fixture{
		client:  fc,
		gate:    gate.New(1),
		results: cache.NewResults(time.Minute),
		plans:   cache.NewPlans(time.Minute),
		traces:  trace.NewStore(time.Minute, 100),
	}
	f.h = NewHandler(svc, nil, registry.New(fc, time.Minute), f.gate, f.results, f.plans, f.traces, 50*time.Millisecond)
	f.handler = NewRouter(f.h, nil)
	return f
}

func (f *fixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

// sseEvent extracts the JSON data of the named SSE event from a response
// body.
func sseEvent(t *testing.T, body, name string, target any) bool {
	t.Helper()
	for _, block := range strings.Split(body, "\n\n") {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) < 2 || lines[0] != "event: "+name {
			continue
		}
		data := strings.TrimPrefix(lines[1], "data: ")
		require.NoError(t, json.Unmarshal([]byte(data), target))
		return true
	}
	return false
}

func resultEvent(t *testing.T, w *httptest.ResponseRecorder) resultEnvelope {
	t.Helper()
	var env resultEnvelope
	require.True(t, sseEvent(t, w.Body.String(), "result", &env), "no result event in %q", w.Body.String())
	return env
}

func TestAnalyze_EmptyInputApology(t *testing.T) {
	f := newFixture(t, &fakeClient{})

	w := f.post(t, "/api/analyze", analyzeRequest{Input: ""})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	env := resultEvent(t, w)
	assert.Equal(t, model.ModeApology, env.Payload.Mode)
	assert.Equal(t, model.DefaultApologyTitle, env.Payload.Title)
	assert.Equal(t, 0, f.client.calls, "empty input must not reach the upstream")

	// The run is traceable afterwards.
	tw := f.get(t, "/api/trace/"+env.TraceID)
	require.Equal(t, http.StatusOK, tw.Code)
	assert.Contains(t, tw.Body.String(), "empty_input")
}

func TestAnalyze_SuccessIsCached(t *testing.T) {
	f := newFixture(t, &fakeClient{steps: []step{{text: resultsJSON}}})

	w := f.post(t, "/api/analyze", analyzeRequest{Input: "crm tools"})
	env := resultEvent(t, w)
	require.Equal(t, model.ModeResults, env.Payload.Mode)
	assert.Len(t, env.Payload.Companies, 3)
	assert.Equal(t, 1, f.client.calls)

	// Same query again: served from cache, no new upstream call.
	w = f.post(t, "/api/analyze", analyzeRequest{Input: "CRM   tools"})
	env = resultEvent(t, w)
	assert.Equal(t, model.ModeResults, env.Payload.Mode)
	assert.Equal(t, 1, f.client.calls)
}

func TestAnalyze_UpstreamFailureBecomesApologyWithDebug(t *testing.T) {
	f := newFixture(t, &fakeClient{steps: []step{
		{err: &gemini.APIError{StatusCode: 400, Message: "invalid argument"}},
	}})

	w := f.post(t, "/api/analyze", analyzeRequest{Input: "crm tools"})
	env := resultEvent(t, w)
	require.Equal(t, model.ModeApology, env.Payload.Mode)
	require.NotNil(t, env.Payload.Debug)
	assert.Contains(t, env.Payload.Debug.Message, "invalid argument")
}

func TestAnalyze_GateTimeoutFallsBackToStaleCache(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, &fakeClient{})
	f.results.WithNow(func() time.Time { return now })

	stale := model.Payload{Mode: model.ModeResults, Category: "crm", Companies: []model.Company{{Name: "Alpha", Rank: 1}}}
	f.results.Put("crm tools", stale)
	now = now.Add(2 * time.Minute) // entry is now expired

	release, err := f.gate.Admit(context.Background(), time.Second, nil)
	require.NoError(t, err)
	defer release()

	w := f.post(t, "/api/analyze", analyzeRequest{Input: "crm tools"})
	env := resultEvent(t, w)
	assert.True(t, env.Stale)
	assert.Equal(t, model.ModeResults, env.Payload.Mode)
	assert.Equal(t, 0, f.client.calls)

	var queued map[string]any
	assert.True(t, sseEvent(t, w.Body.String(), "queued", &queued))
}

func TestAnalyze_GateTimeoutWithoutCacheIsBusyApology(t *testing.T) {
	f := newFixture(t, &fakeClient{})

	release, err := f.gate.Admit(context.Background(), time.Second, nil)
	require.NoError(t, err)
	defer release()

	w := f.post(t, "/api/analyze", analyzeRequest{Input: "crm tools"})
	env := resultEvent(t, w)
	assert.Equal(t, model.ModeApology, env.Payload.Mode)
	assert.False(t, env.Stale)
}

func TestAnalyze_BadRequestBody(t *testing.T) {
	f := newFixture(t, &fakeClient{})

	req := httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestPlan_ParksPlanForExecution(t *testing.T) {
	f := newFixture(t, &fakeClient{steps: []step{{text: planJSON}}})

	w := f.post(t, "/api/plan", planRequest{Input: "crm tools"})
	require.Equal(t, http.StatusOK, w.Code)

	var env resultEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, model.ModePlan, env.Payload.Mode)
	require.NotEmpty(t, env.PlanID)
	assert.Equal(t, "Which segment?", env.Payload.ClarifyingQuestion)

	entry, ok := f.plans.Get(env.PlanID)
	require.True(t, ok)
	assert.Equal(t, "crm tools", entry.BaseInput)
}

func TestExecute_UnknownPlanIs404(t *testing.T) {
	f := newFixture(t, &fakeClient{})

	w := f.post(t, "/api/execute", executeRequest{PlanID: "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "plan_not_found")
}

func TestExecute_ConsumesPlanOnSuccess(t *testing.T) {
	f := newFixture(t, &fakeClient{steps: []step{{text: resultsJSON}}})
	id := f.plans.Create(model.Plan{Sources: []string{"Gartner"}, Metrics: []string{"revenue"}}, "crm tools")

	w := f.post(t, "/api/execute", executeRequest{PlanID: id})
	env := resultEvent(t, w)
	require.Equal(t, model.ModeResults, env.Payload.Mode)

	_, ok := f.plans.Get(id)
	assert.False(t, ok, "executed plan must be consumed")

	// The finished result is cached under the plan's base input.
	_, ok = f.results.Get("crm tools")
	assert.True(t, ok)
}

func TestExecute_ClarificationKeepRunsPlan(t *testing.T) {
	f := newFixture(t, &fakeClient{steps: []step{
		{text: `{"mode": "keep", "reason": "minor detail"}`},
		{text: resultsJSON},
	}})
	id := f.plans.Create(model.Plan{Sources: []string{"Gartner"}, Metrics: []string{"revenue"}}, "crm tools")

	w := f.post(t, "/api/execute", executeRequest{PlanID: id, Clarification: "small teams only"})
	env := resultEvent(t, w)
	assert.Equal(t, model.ModeResults, env.Payload.Mode)
	assert.Empty(t, env.PlanID)
	assert.Equal(t, 2, f.client.calls)
}

func TestExecute_ClarificationReplanReturnsFreshPlan(t *testing.T) {
	f := newFixture(t, &fakeClient{steps: []step{
		{text: `{"mode": "replan", "reason": "category changed"}`},
		{text: planJSON},
	}})
	id := f.plans.Create(model.Plan{Sources: []string{"Gartner"}, Metrics: []string{"revenue"}}, "crm tools")

	w := f.post(t, "/api/execute", executeRequest{PlanID: id, Clarification: "billing software instead"})
	env := resultEvent(t, w)
	require.Equal(t, model.ModePlan, env.Payload.Mode)
	require.NotEmpty(t, env.PlanID)
	assert.NotEqual(t, id, env.PlanID)

	_, ok := f.plans.Get(id)
	assert.False(t, ok, "superseded plan must be consumed")
	entry, ok := f.plans.Get(env.PlanID)
	require.True(t, ok)
	assert.Contains(t, entry.BaseInput, "billing software instead")
}

func TestListModels(t *testing.T) {
	f := newFixture(t, &fakeClient{models: []gemini.ModelInfo{
		{Name: "models/gemini-2.5-flash", SupportedMethods: []string{"generateContent"}},
	}})

	w := f.get(t, "/api/models")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gemini-2.5-flash")
}

func TestTrace_UnknownIs404(t *testing.T) {
	f := newFixture(t, &fakeClient{})

	w := f.get(t, "/api/trace/does-not-exist")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, &fakeClient{})

	w := f.get(t, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}
