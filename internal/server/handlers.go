package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sells-group/marketmap/internal/gate"
	"github.com/sells-group/marketmap/internal/model"
	"github.com/sells-group/marketmap/internal/orchestrator"
	"github.com/sells-group/marketmap/internal/trace"
)

// resultEnvelope is the terminal SSE event (and plan response) body.
type resultEnvelope struct {
	TraceID string        `json:"trace_id"`
	PlanID  string        `json:"plan_id,omitempty"`
	Stale   bool          `json:"stale,omitempty"`
	Payload model.Payload `json:"payload"`
}

type analyzeRequest struct {
	Input     string `json:"input"`
	Grounding *bool  `json:"grounding,omitempty"`
}

type planRequest struct {
	Input string `json:"input"`
}

type executeRequest struct {
	PlanID        string `json:"plan_id"`
	Clarification string `json:"clarification,omitempty"`
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Analyze runs the single-shot market map build over SSE: a trace event,
// optional queued events while waiting for a slot, then one result event.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	traceID := uuid.NewString()
	rec := trace.Multi(h.traces.Recorder(traceID), trace.ZapRecorder{})

	stream, ok := newSSEStream(w, r)
	if !ok {
		return
	}
	stream.send("trace", map[string]string{"trace_id": traceID})

	if p, hit := h.results.Get(req.Input); hit {
		rec.Record("cache_hit", nil)
		stream.send("result", resultEnvelope{TraceID: traceID, Payload: p})
		return
	}

	// Client disconnects must not abort the upstream work; a finished
	// result still lands in the cache for the retry.
	workCtx := context.WithoutCancel(r.Context())

	opts := orchestrator.AnalyzeOptions{UseTools: req.Grounding}
	payload, err := gate.Run(workCtx, h.gate, h.queueWait,
		func(pos int) {
			rec.Record("queued", map[string]any{"position": pos})
			stream.send("queued", map[string]any{"position": pos})
		},
		func(ctx context.Context) (model.Payload, error) {
			return h.pipeline.Analyze(ctx, req.Input, rec, opts)
		},
	)

	envelope := resultEnvelope{TraceID: traceID}
	switch {
	case errors.Is(err, gate.ErrQueueTimeout):
		rec.Record("queue_timeout", nil)
		if stale, hit := h.results.GetStale(req.Input); hit {
			rec.Record("stale_cache_hit", nil)
			envelope.Stale = true
			envelope.Payload = stale
		} else {
			envelope.Payload = busyApology()
		}
	case err != nil:
		rec.Record("failed", map[string]any{"message": err.Error()})
		envelope.Payload = model.ApologyFromError(err)
	default:
		if payload.Mode == model.ModeResults {
			h.repairPass(workCtx, &payload, rec)
			h.results.Put(req.Input, payload)
		}
		envelope.Payload = payload
	}

	stream.send("result", envelope)
}

// Plan proposes a research plan and parks it for later execution. Plain
// JSON: the plan id is useless without the full response anyway.
func (h *Handler) Plan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	traceID := uuid.NewString()
	rec := trace.Multi(h.traces.Recorder(traceID), trace.ZapRecorder{})

	workCtx := context.WithoutCancel(r.Context())
	payload, err := gate.Run(workCtx, h.gate, h.queueWait,
		func(pos int) {
			rec.Record("queued", map[string]any{"position": pos})
		},
		func(ctx context.Context) (model.Payload, error) {
			return h.pipeline.Plan(ctx, req.Input, rec)
		},
	)

	envelope := resultEnvelope{TraceID: traceID}
	switch {
	case errors.Is(err, gate.ErrQueueTimeout):
		rec.Record("queue_timeout", nil)
		envelope.Payload = busyApology()
	case err != nil:
		rec.Record("failed", map[string]any{"message": err.Error()})
		envelope.Payload = model.ApologyFromError(err)
	default:
		if payload.Mode == model.ModePlan && payload.Plan != nil {
			envelope.PlanID = h.plans.Create(*payload.Plan, req.Input)
		}
		envelope.Payload = payload
	}

	writeJSON(w, http.StatusOK, envelope)
}

// Execute applies a parked plan over SSE. A clarification is first triaged
// as keep vs replan; replan returns a fresh plan instead of results.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	entry, ok := h.plans.Get(req.PlanID)
	if !ok {
		writeError(w, http.StatusNotFound, "plan_not_found", "plan expired or unknown")
		return
	}

	traceID := uuid.NewString()
	rec := trace.Multi(h.traces.Recorder(traceID), trace.ZapRecorder{})

	stream, okStream := newSSEStream(w, r)
	if !okStream {
		return
	}
	stream.send("trace", map[string]string{"trace_id": traceID})

	workCtx := context.WithoutCancel(r.Context())

	out, err := gate.Run(workCtx, h.gate, h.queueWait,
		func(pos int) {
			rec.Record("queued", map[string]any{"position": pos})
			stream.send("queued", map[string]any{"position": pos})
		},
		func(ctx context.Context) (executeOutcome, error) {
			clarification := strings.TrimSpace(req.Clarification)
			if clarification != "" {
				assessment, aerr := h.pipeline.AssessPlanChange(ctx, rec, entry.Plan, entry.BaseInput, clarification)
				if aerr != nil {
					// Triage is advisory; on failure keep the plan.
					rec.Record("assess_failed", map[string]any{"message": aerr.Error()})
				} else if assessment.Mode == "replan" {
					rec.Record("replan", map[string]any{"reason": assessment.Reason})
					return h.replan(ctx, rec, req.PlanID, entry.BaseInput, clarification)
				}
			}

			p, perr := h.pipeline.ExecutePlan(ctx, rec, entry.Plan, entry.BaseInput, clarification)
			return executeOutcome{payload: p}, perr
		},
	)

	envelope := resultEnvelope{TraceID: traceID}
	switch {
	case errors.Is(err, gate.ErrQueueTimeout):
		rec.Record("queue_timeout", nil)
		if stale, hit := h.results.GetStale(entry.BaseInput); hit {
			rec.Record("stale_cache_hit", nil)
			envelope.Stale = true
			envelope.Payload = stale
		} else {
			envelope.Payload = busyApology()
		}
	case err != nil:
		rec.Record("failed", map[string]any{"message": err.Error()})
		envelope.Payload = model.ApologyFromError(err)
	default:
		if out.payload.Mode == model.ModeResults {
			h.repairPass(workCtx, &out.payload, rec)
			h.results.Put(entry.BaseInput, out.payload)
			h.plans.Delete(req.PlanID)
		}
		envelope.PlanID = out.planID
		envelope.Payload = out.payload
	}

	stream.send("result", envelope)
}

// executeOutcome is either finished results or, after a replan, a fresh
// parked plan.
type executeOutcome struct {
	payload model.Payload
	planID  string
}

// replan builds a fresh plan from the base input plus the clarification
// and swaps it in for the superseded one.
func (h *Handler) replan(ctx context.Context, rec trace.Recorder, oldPlanID, baseInput, clarification string) (executeOutcome, error) {
	var out executeOutcome

	input := baseInput + "\nClarification: " + clarification
	p, err := h.pipeline.Plan(ctx, input, rec)
	if err != nil {
		return out, err
	}

	h.plans.Delete(oldPlanID)
	if p.Mode == model.ModePlan && p.Plan != nil {
		out.planID = h.plans.Create(*p.Plan, input)
	}
	out.payload = p
	return out, nil
}

// ListModels serves the cached generation-capable model listing.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": h.models.Models(r.Context())})
}

// Trace serves the recorded event sequence for a pipeline run.
func (h *Handler) Trace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events := h.traces.Events(id)
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "trace_not_found", "trace expired or unknown")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trace_id": id, "events": events})
}

func (h *Handler) repairPass(ctx context.Context, p *model.Payload, rec trace.Recorder) {
	if h.repairer != nil {
		h.repairer.Run(ctx, p, rec)
	}
}

func busyApology() model.Payload {
	return model.NewApology("", "Every analysis slot is taken right now.", "Try again in a few seconds.")
}
