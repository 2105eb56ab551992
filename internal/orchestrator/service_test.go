package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sells-group/marketmap/internal/model"
	"github.com/sells-group/marketmap/internal/registry"
)

func newTestService(fc *fakeClient) *Service {
	eng, _ := newTestEngine(fc)
	return NewService(eng, Config{
		Model:        "gemini-2.5-pro",
		DefaultModel: "gemini-2.5-flash",
		Chain:        registry.DefaultChain(),
		TotalBudget:  90 * time.Second,
	})
}

func TestAnalyze_EmptyInputNeverCallsUpstream(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(fc)
	rec := &memRecorder{}

	p, err := svc.Analyze(context.Background(), "   ", rec, AnalyzeOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Mode != model.ModeApology {
		t.Fatalf("mode = %s", p.Mode)
	}
	if p.Title != model.DefaultApologyTitle {
		t.Errorf("title = %q, want %q", p.Title, model.DefaultApologyTitle)
	}
	if len(fc.calls) != 0 {
		t.Errorf("calls = %d, want zero", len(fc.calls))
	}
	if !rec.has("empty_input") {
		t.Errorf("events = %v", rec.names)
	}
}

func TestAnalyze_GroundingOverride(t *testing.T) {
	fc := &fakeClient{steps: []step{{text: validResults}}}
	svc := newTestService(fc)

	grounding := false
	_, err := svc.Analyze(context.Background(), "crm tools", nil, AnalyzeOptions{UseTools: &grounding})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fc.calls[0].UseSearch {
		t.Error("grounding override ignored")
	}
}

func TestPlan_AlwaysGrounded(t *testing.T) {
	fc := &fakeClient{steps: []step{{text: `{
		"category": "crm",
		"plan": {"sources": ["Gartner"], "metrics": ["revenue"], "approach": "compare"},
		"clarifying_question": "Which segment?"
	}`}}}
	svc := newTestService(fc)

	p, err := svc.Plan(context.Background(), "crm tools", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Mode != model.ModePlan {
		t.Errorf("mode = %s", p.Mode)
	}
	if !fc.calls[0].UseSearch {
		t.Error("plan calls must be grounded")
	}
}

func TestAssessPlanChange_UngroundedAndFast(t *testing.T) {
	fc := &fakeClient{steps: []step{{text: `{"mode": "replan", "reason": "category changed"}`}}}
	svc := newTestService(fc)

	plan := model.Plan{Sources: []string{"Gartner"}, Metrics: []string{"revenue"}, Approach: "compare"}
	a, err := svc.AssessPlanChange(context.Background(), nil, plan, "crm tools", "actually I meant billing software")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Mode != "replan" {
		t.Errorf("mode = %q", a.Mode)
	}
	if fc.calls[0].UseSearch {
		t.Error("assessment must not use grounding")
	}
	if fc.calls[0].ThinkingBudget != 0 {
		t.Errorf("thinking budget = %d, want 0", fc.calls[0].ThinkingBudget)
	}
}

func TestExecutePlan_PromptCarriesPlanAndClarification(t *testing.T) {
	fc := &fakeClient{steps: []step{{text: validResults}}}
	svc := newTestService(fc)

	plan := model.Plan{Sources: []string{"Gartner"}, Metrics: []string{"revenue"}, Approach: "compare vendors"}
	_, err := svc.ExecutePlan(context.Background(), nil, plan, "crm tools", "small teams only")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prompt := fc.calls[0].Messages[0].Content
	for _, want := range []string{"crm tools", "Gartner", "compare vendors", "small teams only"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestRepairCitations_NoItemsShortCircuits(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(fc)

	out, err := svc.RepairCitations(context.Background(), nil, "crm", "Alpha", nil)
	if err != nil || out != nil {
		t.Errorf("out = %v, err = %v", out, err)
	}
	if len(fc.calls) != 0 {
		t.Errorf("calls = %d", len(fc.calls))
	}
}

func TestRepairCitations_ParsesReplacements(t *testing.T) {
	fc := &fakeClient{steps: []step{{text: `{
		"replacements": [
			{"bad_url": "https://dead.example", "source": {"name": "Alt", "url": "https://live.example"}}
		]
	}`}}}
	svc := newTestService(fc)

	items := []model.BrokenCitation{{Label: "revenue", URL: "https://dead.example"}}
	out, err := svc.RepairCitations(context.Background(), nil, "crm", "Alpha", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].BadURL != "https://dead.example" {
		t.Errorf("out = %v", out)
	}
	if !strings.Contains(fc.calls[0].Messages[0].Content, "https://dead.example") {
		t.Errorf("prompt missing broken url:\n%s", fc.calls[0].Messages[0].Content)
	}
}
