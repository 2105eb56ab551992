package orchestrator

import (
	"fmt"
	"strings"

	"github.com/sells-group/marketmap/internal/model"
)

const resultsSchema = `{
  "category": "<short market category name>",
  "ranking_basis": "revenue|users|funding|market_share|growth|other",
  "companies": [
    {
      "name": "<vendor name>",
      "rank": 1,
      "value_prop": "<one sentence>",
      "metrics": [
        {"label": "<what is measured>", "value": 123.4, "unit": "<unit>", "period": "<period or empty>", "source_name": "<publisher>", "source_url": "https://..."}
      ],
      "sources": [{"name": "<publisher>", "url": "https://..."}]
    }
  ]
}`

const analyzeSystem = `You are a market research analyst. Given a query, identify the
software market category it describes and produce a ranked market map of
real vendors with evidence-backed metrics. Every metric needs a numeric
value and a working http(s) source URL. Respond with a single JSON object
matching this schema, and nothing else:
` + resultsSchema

// AnalyzeTask is the single-shot category inference and market map build.
type AnalyzeTask struct {
	Cfg TaskConfig
}

func (t AnalyzeTask) Name() string       { return "analyze" }
func (t AnalyzeTask) Config() TaskConfig { return t.Cfg }

func (t AnalyzeTask) Prompt(in Input, feedback []string) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Build a market map for: %s\n", in.Text)
	b.WriteString(fmt.Sprintf("Include at least %d companies, each with at least %d metrics.\n", model.MinCompanies, model.MinMetricsPerCompany))
	appendFeedback(&b, feedback)
	return Prompt{System: analyzeSystem, User: b.String()}
}

func (t AnalyzeTask) Interpret(raw map[string]any) (model.Payload, []string) {
	p := model.NormalizeResults(raw)
	return p, model.ValidateResults(p)
}

const planSystem = `You are a market research analyst preparing to build a market map.
Propose a research plan for the query: which sources you would consult,
which metrics you would collect, and your overall approach. Ask exactly
one clarifying question that would most improve the result. Respond with
a single JSON object and nothing else:
{
  "category": "<short market category name>",
  "ranking_basis": "revenue|users|funding|market_share|growth|other",
  "plan": {"sources": ["..."], "metrics": ["..."], "approach": "<short paragraph>"},
  "clarifying_question": "<one question>"
}`

// PlanTask proposes sources, metrics, and an approach, plus one
// clarifying question. Always grounded.
type PlanTask struct {
	Cfg TaskConfig
}

func (t PlanTask) Name() string       { return "plan" }
func (t PlanTask) Config() TaskConfig { return t.Cfg }

func (t PlanTask) Prompt(in Input, feedback []string) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan a market map for: %s\n", in.Text)
	appendFeedback(&b, feedback)
	return Prompt{System: planSystem, User: b.String()}
}

func (t PlanTask) Interpret(raw map[string]any) (model.Payload, []string) {
	p := model.NormalizePlan(raw)
	return p, model.ValidatePlan(p)
}

const assessSystem = `You triage clarifications to research plans. Given a plan and the
user's answer to its clarifying question, decide whether the plan can be
kept as-is ("keep") or must be rebuilt ("replan"). Prefer "keep" unless
the clarification changes the market category or ranking basis. Respond
with a single JSON object and nothing else:
{"mode": "keep|replan", "reason": "<one sentence>"}`

// AssessTask classifies a clarification as keep vs replan. Ungrounded
// and fast.
type AssessTask struct {
	Cfg TaskConfig
}

func (t AssessTask) Name() string       { return "assess_plan_change" }
func (t AssessTask) Config() TaskConfig { return t.Cfg }

func (t AssessTask) Prompt(in Input, feedback []string) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query: %s\n", in.Plan.BaseInput)
	writePlan(&b, in.Plan)
	fmt.Fprintf(&b, "User clarification: %s\n", in.Clarification)
	appendFeedback(&b, feedback)
	return Prompt{System: assessSystem, User: b.String()}
}

func (t AssessTask) Interpret(raw map[string]any) (model.PlanAssessment, []string) {
	return model.NormalizeAssessment(raw), nil
}

const executeSystem = `You are a market research analyst executing an agreed research plan.
Follow the plan's sources, metrics, and approach. Do not ask further
questions. Every metric needs a numeric value and a working http(s)
source URL. Respond with a single JSON object matching this schema, and
nothing else:
` + resultsSchema

// ExecuteTask applies an agreed plan with grounding enabled.
type ExecuteTask struct {
	Cfg TaskConfig
}

func (t ExecuteTask) Name() string       { return "execute_plan" }
func (t ExecuteTask) Config() TaskConfig { return t.Cfg }

func (t ExecuteTask) Prompt(in Input, feedback []string) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Build a market map for: %s\n", in.Plan.BaseInput)
	writePlan(&b, in.Plan)
	if in.Clarification != "" {
		fmt.Fprintf(&b, "User clarification: %s\n", in.Clarification)
	}
	b.WriteString(fmt.Sprintf("Include at least %d companies, each with at least %d metrics.\n", model.MinCompanies, model.MinMetricsPerCompany))
	appendFeedback(&b, feedback)
	return Prompt{System: executeSystem, User: b.String()}
}

func (t ExecuteTask) Interpret(raw map[string]any) (model.Payload, []string) {
	p := model.NormalizeResults(raw)
	return p, model.ValidateResults(p)
}

const repairSystem = `You locate working replacement sources for broken citations. For each
broken URL, find a live http(s) page from a reputable publisher backing
the same claim. Omit entries you cannot source. Respond with a single
JSON object and nothing else:
{"replacements": [{"bad_url": "https://...", "source": {"name": "<publisher>", "url": "https://..."}}]}`

// RepairTask sources alternate URLs for specifically broken citations.
type RepairTask struct {
	Cfg TaskConfig
}

func (t RepairTask) Name() string       { return "repair_citations" }
func (t RepairTask) Config() TaskConfig { return t.Cfg }

func (t RepairTask) Prompt(in Input, feedback []string) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Market category: %s\nCompany: %s\nBroken citations:\n", in.Category, in.Company)
	for _, item := range in.Broken {
		if item.Label != "" {
			fmt.Fprintf(&b, "- %s (cited for %q)\n", item.URL, item.Label)
		} else {
			fmt.Fprintf(&b, "- %s\n", item.URL)
		}
	}
	appendFeedback(&b, feedback)
	return Prompt{System: repairSystem, User: b.String()}
}

func (t RepairTask) Interpret(raw map[string]any) ([]model.Replacement, []string) {
	return model.NormalizeReplacements(raw), nil
}

func writePlan(b *strings.Builder, plan *planContext) {
	if plan == nil {
		return
	}
	fmt.Fprintf(b, "Agreed plan:\n  sources: %s\n  metrics: %s\n  approach: %s\n",
		strings.Join(plan.Sources, "; "),
		strings.Join(plan.Metrics, "; "),
		plan.Approach,
	)
}

func appendFeedback(b *strings.Builder, feedback []string) {
	if len(feedback) == 0 {
		return
	}
	b.WriteString("\nYour previous answer had these problems:\n")
	for _, f := range feedback {
		fmt.Fprintf(b, "- %s\n", f)
	}
	b.WriteString("Correct them and respond again with JSON only.\n")
}
