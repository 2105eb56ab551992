// Package orchestrator turns one user input into a validated payload
// despite an unreliable upstream. A single task-agnostic engine owns the
// retry/fallback state machine; each sub-task supplies its own prompt
// builder, normalizer, and validator.
package orchestrator

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/marketmap/internal/deadline"
	"github.com/sells-group/marketmap/internal/jsonx"
	"github.com/sells-group/marketmap/internal/registry"
	"github.com/sells-group/marketmap/internal/trace"
	"github.com/sells-group/marketmap/pkg/gemini"
)

// TaskConfig carries the per-task tunables: budgets, backoff bounds, and
// the fallback chain. Tasks differ deliberately (a fast ungrounded
// assessment does not retry like a grounded execution), so nothing here
// is shared global state.
type TaskConfig struct {
	// Model is the preferred model for the first attempt.
	Model string

	// DefaultModel is forced once more after the fallback chain is
	// exhausted, before giving up.
	DefaultModel string

	// Chain is the priority-ordered fallback list.
	Chain registry.Chain

	// OverloadFallbackModel is switched to when overload retries run out.
	OverloadFallbackModel string

	// UseTools requests web grounding on each call.
	UseTools bool

	// MaxParseAttempts bounds parse/validation retries.
	MaxParseAttempts int

	// MaxOverloadAttempts bounds same-model overload retries.
	MaxOverloadAttempts int

	// InitialBackoff doubles per overload attempt, capped at MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// JitterFraction adds random jitter as a fraction of the delay.
	JitterFraction float64

	// TotalBudget is the wall-clock budget for the whole attempt chain.
	TotalBudget time.Duration

	Temperature     *float64
	MaxOutputTokens int
	ThinkingBudget  int
}

func (c TaskConfig) withDefaults() TaskConfig {
	if c.MaxParseAttempts <= 0 {
		c.MaxParseAttempts = 2
	}
	if c.MaxOverloadAttempts <= 0 {
		c.MaxOverloadAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 8 * time.Second
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	if c.TotalBudget <= 0 {
		c.TotalBudget = 90 * time.Second
	}
	if len(c.Chain) == 0 {
		c.Chain = registry.DefaultChain()
	}
	if c.DefaultModel == "" {
		c.DefaultModel = c.Chain[0]
	}
	return c
}

// Prompt is one built prompt pair.
type Prompt struct {
	System string
	User   string
}

// Task supplies the per-sub-task strategy to the shared engine.
type Task[T any] interface {
	// Name tags trace events and errors.
	Name() string

	// Config returns the task's tunables.
	Config() TaskConfig

	// Prompt builds the next prompt. feedback carries validator defects
	// or parse hints from the previous attempt.
	Prompt(in Input, feedback []string) Prompt

	// Interpret normalizes and validates parsed output. The defect list
	// is empty on success; on defects the value is still the best-effort
	// normalized result.
	Interpret(raw map[string]any) (T, []string)
}

// Input is the immutable per-call request data shared by all tasks.
type Input struct {
	Text          string
	Plan          *planContext
	Category      string
	Company       string
	Broken        []brokenItem
	Clarification string
}

type planContext struct {
	Sources   []string
	Metrics   []string
	Approach  string
	BaseInput string
}

type brokenItem struct {
	Label string
	URL   string
}

// Engine executes tasks against the upstream with retry, model fallback,
// and deadline budgeting. Calls within one run are strictly sequential.
type Engine struct {
	client   gemini.Client
	registry *registry.Registry
	policy   deadline.Policy

	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an engine over the upstream client and model registry.
func NewEngine(client gemini.Client, reg *registry.Registry, policy deadline.Policy) *Engine {
	return &Engine{
		client:    client,
		registry:  reg,
		policy:    policy,
		nowFunc:   time.Now,
		sleepFunc: sleepCtx,
	}
}

// WithNow sets a fixed clock for testing.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.nowFunc = now
	return e
}

// WithSleep overrides the backoff sleep for testing.
func (e *Engine) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Engine {
	e.sleepFunc = sleep
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// state is the mutable attempt record threaded through the engine loop.
// The deadline is set once and never extended.
type state struct {
	model                 string
	useTools              bool
	triedFallback         bool
	triedOverloadFallback bool
	triedNoTools          bool
	forcedDefault         bool
	attempt               int
	transientAttempt      int
	deadline              time.Time
	feedback              []string
}

// Run executes one end-to-end attempt chain for task. It returns the
// first payload that validates, a best-effort payload when the validation
// retry budget runs out, or an error once recovery options are exhausted.
func Run[T any](ctx context.Context, e *Engine, task Task[T], in Input, rec trace.Recorder) (T, error) {
	var zero T
	if rec == nil {
		rec = trace.Nop{}
	}

	cfg := task.Config().withDefaults()
	st := &state{
		model:    cfg.Model,
		useTools: cfg.UseTools,
		deadline: e.nowFunc().Add(cfg.TotalBudget),
	}
	if st.model == "" {
		st.model = cfg.DefaultModel
	}

	for {
		timeout, ok := e.policy.CallTimeout(st.deadline, e.nowFunc())
		if !ok {
			rec.Record("deadline_exhausted", map[string]any{"task": task.Name(), "model": st.model})
			return zero, eris.Wrapf(ErrDeadline, "%s", task.Name())
		}

		prompt := task.Prompt(in, st.feedback)
		rec.Record("request", map[string]any{
			"task":      task.Name(),
			"model":     st.model,
			"attempt":   st.attempt,
			"use_tools": st.useTools,
		})

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := e.client.GenerateContent(callCtx, gemini.GenerateRequest{
			Model:           st.model,
			System:          prompt.System,
			Messages:        []gemini.Message{{Role: "user", Content: prompt.User}},
			UseSearch:       st.useTools,
			Temperature:     cfg.Temperature,
			MaxOutputTokens: cfg.MaxOutputTokens,
			ThinkingBudget:  cfg.ThinkingBudget,
		})
		cancel()

		if err != nil {
			if e.recover(ctx, cfg, st, task.Name(), err, rec) {
				continue
			}
			return zero, eris.Wrapf(err, "orchestrator: %s failed", task.Name())
		}

		text := gemini.Text(resp)
		rec.Record("response", map[string]any{
			"task":   task.Name(),
			"model":  st.model,
			"chars":  len(text),
			"tokens": resp.Usage.TotalTokens,
		})

		raw, parsed := jsonx.ExtractObject(text)
		if !parsed {
			rec.Record("parse_failure", map[string]any{"task": task.Name(), "model": st.model})

			if st.useTools && !st.triedNoTools && e.policy.AllowFallback(st.deadline, e.nowFunc()) {
				st.triedNoTools = true
				st.useTools = false
				rec.Record("grounding_disabled_retry", map[string]any{"task": task.Name(), "model": st.model})
				continue
			}
			if st.attempt < cfg.MaxParseAttempts && e.policy.AllowRetry(st.deadline, e.nowFunc(), 0) {
				st.attempt++
				st.feedback = []string{"The previous response was not valid JSON. Respond with a single JSON object and nothing else."}
				rec.Record("parse_retry", map[string]any{"task": task.Name(), "attempt": st.attempt})
				continue
			}
			return zero, eris.Wrapf(ErrInvalidJSON, "%s", task.Name())
		}

		val, defects := task.Interpret(raw)
		if len(defects) > 0 {
			rec.Record("validation_failure", map[string]any{
				"task":    task.Name(),
				"model":   st.model,
				"defects": defects,
			})

			if st.attempt < cfg.MaxParseAttempts && e.policy.AllowRetry(st.deadline, e.nowFunc(), 0) {
				st.attempt++
				st.feedback = defects
				rec.Record("validation_retry", map[string]any{"task": task.Name(), "attempt": st.attempt})
				continue
			}

			// Budget spent: the normalized payload is returned as-is.
			rec.Record("best_effort_result", map[string]any{"task": task.Name(), "defects": defects})
			return val, nil
		}

		rec.Record("success", map[string]any{"task": task.Name(), "model": st.model, "attempt": st.attempt})
		return val, nil
	}
}

// recover mutates st for the next loop iteration when err is recoverable.
// Returns false when the error is fatal for this run.
func (e *Engine) recover(ctx context.Context, cfg TaskConfig, st *state, taskName string, err error, rec trace.Recorder) bool {
	out := classify(err, st.useTools)
	rec.Record("upstream_error", map[string]any{
		"task":    taskName,
		"model":   st.model,
		"outcome": out.String(),
		"error":   err.Error(),
	})

	switch out {
	case outcomeOverloaded:
		if st.transientAttempt < cfg.MaxOverloadAttempts {
			delay := e.backoff(st.transientAttempt, cfg)
			if e.policy.AllowRetry(st.deadline, e.nowFunc(), delay) {
				st.transientAttempt++
				rec.Record("overloaded_retry", map[string]any{
					"task":       taskName,
					"model":      st.model,
					"attempt":    st.transientAttempt,
					"backoff_ms": delay.Milliseconds(),
				})
				if sleepErr := e.sleepFunc(ctx, delay); sleepErr != nil {
					return false
				}
				return true
			}
		}
		if cfg.OverloadFallbackModel != "" && !st.triedOverloadFallback &&
			cfg.OverloadFallbackModel != st.model &&
			e.policy.AllowFallback(st.deadline, e.nowFunc()) {
			st.triedOverloadFallback = true
			st.model = cfg.OverloadFallbackModel
			st.transientAttempt = 0
			rec.Record("overload_fallback", map[string]any{"task": taskName, "model": st.model})
			return true
		}
		return false

	case outcomeModelError:
		if !st.triedFallback && e.policy.AllowFallback(st.deadline, e.nowFunc()) {
			available := e.registry.Models(ctx)
			if next := cfg.Chain.PickNext(st.model, available); next != "" {
				st.triedFallback = true
				st.model = next
				rec.Record("model_fallback", map[string]any{"task": taskName, "model": next})
				return true
			}
		}
		if !st.forcedDefault && st.model != cfg.DefaultModel &&
			e.policy.AllowFallback(st.deadline, e.nowFunc()) {
			st.forcedDefault = true
			st.model = cfg.DefaultModel
			rec.Record("default_model_retry", map[string]any{"task": taskName, "model": st.model})
			return true
		}
		return false

	case outcomeGroundingError:
		if st.useTools && !st.triedNoTools && e.policy.AllowFallback(st.deadline, e.nowFunc()) {
			st.triedNoTools = true
			st.useTools = false
			rec.Record("grounding_disabled_retry", map[string]any{"task": taskName, "model": st.model})
			return true
		}
		return false

	case outcomeTimeout:
		if st.attempt < cfg.MaxParseAttempts && e.policy.AllowRetry(st.deadline, e.nowFunc(), 0) {
			st.attempt++
			rec.Record("timeout_retry", map[string]any{"task": taskName, "model": st.model, "attempt": st.attempt})
			return true
		}
		return false

	default:
		zap.L().Warn("orchestrator: unrecoverable upstream error",
			zap.String("task", taskName),
			zap.String("model", st.model),
			zap.Error(err),
		)
		return false
	}
}

// backoff computes the overload delay: base doubling per attempt, capped,
// plus random jitter.
func (e *Engine) backoff(attempt int, cfg TaskConfig) time.Duration {
	delay := float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}
	if cfg.JitterFraction > 0 {
		jitterRange := delay * cfg.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
