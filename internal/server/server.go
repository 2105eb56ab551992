// Package server exposes the pipeline over HTTP: SSE endpoints for the
// long-running analyze/execute calls, plain JSON for everything else.
package server

import (
	"context"
	"time"

	"github.com/sells-group/marketmap/internal/cache"
	"github.com/sells-group/marketmap/internal/gate"
	"github.com/sells-group/marketmap/internal/model"
	"github.com/sells-group/marketmap/internal/orchestrator"
	"github.com/sells-group/marketmap/internal/trace"
)

// Pipeline is the orchestration surface the handlers call. Satisfied by
// *orchestrator.Service.
type Pipeline interface {
	Analyze(ctx context.Context, input string, rec trace.Recorder, opts orchestrator.AnalyzeOptions) (model.Payload, error)
	Plan(ctx context.Context, input string, rec trace.Recorder) (model.Payload, error)
	AssessPlanChange(ctx context.Context, rec trace.Recorder, plan model.Plan, baseInput, clarification string) (model.PlanAssessment, error)
	ExecutePlan(ctx context.Context, rec trace.Recorder, plan model.Plan, baseInput, clarification string) (model.Payload, error)
}

// Repairer runs the citation repair pass over a finished payload.
// Satisfied by *repair.Repairer.
type Repairer interface {
	Run(ctx context.Context, p *model.Payload, rec trace.Recorder)
}

// ModelLister serves the cached upstream model listing. Satisfied by
// *registry.Registry.
type ModelLister interface {
	Models(ctx context.Context) []string
}

// Handler holds the wired pipeline dependencies behind the HTTP routes.
type Handler struct {
	pipeline Pipeline
	repairer Repairer
	models   ModelLister

	gate    *gate.Gate
	results *cache.Results
	plans   *cache.Plans
	traces  *trace.Store

	queueWait time.Duration
}

// NewHandler wires the handler. A nil repairer skips the repair pass.
func NewHandler(pipeline Pipeline, repairer Repairer, models ModelLister, g *gate.Gate, results *cache.Results, plans *cache.Plans, traces *trace.Store, queueWait time.Duration) *Handler {
	if queueWait <= 0 {
		queueWait = 2 * time.Second
	}
	return &Handler{
		pipeline:  pipeline,
		repairer:  repairer,
		models:    models,
		gate:      g,
		results:   results,
		plans:     plans,
		traces:    traces,
		queueWait: queueWait,
	}
}
