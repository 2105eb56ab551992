package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/sells-group/marketmap/internal/model"
	"github.com/sells-group/marketmap/internal/registry"
	"github.com/sells-group/marketmap/internal/trace"
)

// Config seeds the per-task configurations. Values are tunables sourced
// from the environment, not contracts.
type Config struct {
	Model                 string
	DefaultModel          string
	OverloadFallbackModel string
	Chain                 registry.Chain

	TotalBudget         time.Duration
	MaxParseAttempts    int
	MaxOverloadAttempts int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	JitterFraction      float64

	ThinkingBudget  int
	MaxOutputTokens int
}

// AnalyzeOptions tweaks a single analyze run.
type AnalyzeOptions struct {
	// UseTools overrides the default grounding setting when non-nil.
	UseTools *bool
	// MaxAttempts overrides the parse/validation retry budget when > 0.
	MaxAttempts int
}

// Service exposes the pipeline's operations over the shared engine.
type Service struct {
	eng *Engine
	cfg Config
}

// NewService creates the orchestration facade.
func NewService(eng *Engine, cfg Config) *Service {
	return &Service{eng: eng, cfg: cfg}
}

func (s *Service) baseConfig() TaskConfig {
	return TaskConfig{
		Model:                 s.cfg.Model,
		DefaultModel:          s.cfg.DefaultModel,
		OverloadFallbackModel: s.cfg.OverloadFallbackModel,
		Chain:                 s.cfg.Chain,
		TotalBudget:           s.cfg.TotalBudget,
		MaxParseAttempts:      s.cfg.MaxParseAttempts,
		MaxOverloadAttempts:   s.cfg.MaxOverloadAttempts,
		InitialBackoff:        s.cfg.InitialBackoff,
		MaxBackoff:            s.cfg.MaxBackoff,
		JitterFraction:        s.cfg.JitterFraction,
		ThinkingBudget:        s.cfg.ThinkingBudget,
		MaxOutputTokens:       s.cfg.MaxOutputTokens,
	}
}

// Analyze runs the single-shot market map build. Empty input short-
// circuits to an apology without touching the upstream.
func (s *Service) Analyze(ctx context.Context, input string, rec trace.Recorder, opts AnalyzeOptions) (model.Payload, error) {
	if strings.TrimSpace(input) == "" {
		if rec != nil {
			rec.Record("empty_input", nil)
		}
		return model.NewApology("", "There is nothing to map yet.", "Describe a software market, e.g. \"CRM tools for small teams\"."), nil
	}

	cfg := s.baseConfig()
	cfg.UseTools = true
	if opts.UseTools != nil {
		cfg.UseTools = *opts.UseTools
	}
	if opts.MaxAttempts > 0 {
		cfg.MaxParseAttempts = opts.MaxAttempts
	}

	return Run(ctx, s.eng, AnalyzeTask{Cfg: cfg}, Input{Text: input}, rec)
}

// Plan proposes a research plan with one clarifying question. Always
// grounded.
func (s *Service) Plan(ctx context.Context, input string, rec trace.Recorder) (model.Payload, error) {
	if strings.TrimSpace(input) == "" {
		if rec != nil {
			rec.Record("empty_input", nil)
		}
		return model.NewApology("", "There is nothing to plan yet.", "Describe a software market to research."), nil
	}

	cfg := s.baseConfig()
	cfg.UseTools = true

	return Run(ctx, s.eng, PlanTask{Cfg: cfg}, Input{Text: input}, rec)
}

// AssessPlanChange classifies a user clarification as "keep" or "replan".
// Ungrounded, small budget, no thinking: this call sits on the
// interactive path.
func (s *Service) AssessPlanChange(ctx context.Context, rec trace.Recorder, plan model.Plan, baseInput, clarification string) (model.PlanAssessment, error) {
	cfg := s.baseConfig()
	cfg.UseTools = false
	cfg.ThinkingBudget = 0
	cfg.MaxParseAttempts = 1
	if cfg.TotalBudget > 20*time.Second || cfg.TotalBudget <= 0 {
		cfg.TotalBudget = 20 * time.Second
	}

	in := Input{
		Plan:          toPlanContext(plan, baseInput),
		Clarification: clarification,
	}
	return Run(ctx, s.eng, AssessTask{Cfg: cfg}, in, rec)
}

// ExecutePlan applies an agreed plan with grounding, asking no further
// questions.
func (s *Service) ExecutePlan(ctx context.Context, rec trace.Recorder, plan model.Plan, baseInput, clarification string) (model.Payload, error) {
	cfg := s.baseConfig()
	cfg.UseTools = true

	in := Input{
		Plan:          toPlanContext(plan, baseInput),
		Clarification: clarification,
	}
	return Run(ctx, s.eng, ExecuteTask{Cfg: cfg}, in, rec)
}

// RepairCitations sources replacement URLs for broken citations of one
// company.
func (s *Service) RepairCitations(ctx context.Context, rec trace.Recorder, category, company string, items []model.BrokenCitation) ([]model.Replacement, error) {
	if len(items) == 0 {
		return nil, nil
	}

	cfg := s.baseConfig()
	cfg.UseTools = true
	cfg.MaxParseAttempts = 1
	if cfg.TotalBudget > 30*time.Second || cfg.TotalBudget <= 0 {
		cfg.TotalBudget = 30 * time.Second
	}

	in := Input{Category: category, Company: company}
	for _, item := range items {
		in.Broken = append(in.Broken, brokenItem{Label: item.Label, URL: item.URL})
	}
	return Run(ctx, s.eng, RepairTask{Cfg: cfg}, in, rec)
}

func toPlanContext(plan model.Plan, baseInput string) *planContext {
	return &planContext{
		Sources:   plan.Sources,
		Metrics:   plan.Metrics,
		Approach:  plan.Approach,
		BaseInput: baseInput,
	}
}
