package main

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/marketmap/internal/cache"
	"github.com/sells-group/marketmap/internal/deadline"
	"github.com/sells-group/marketmap/internal/gate"
	"github.com/sells-group/marketmap/internal/orchestrator"
	"github.com/sells-group/marketmap/internal/registry"
	"github.com/sells-group/marketmap/internal/repair"
	"github.com/sells-group/marketmap/internal/trace"
	"github.com/sells-group/marketmap/pkg/gemini"
)

// pipeline bundles the wired components shared by the subcommands.
type pipeline struct {
	service  *orchestrator.Service
	registry *registry.Registry
	repairer *repair.Repairer

	gate    *gate.Gate
	results *cache.Results
	plans   *cache.Plans
	traces  *trace.Store

	queueWait time.Duration
}

func buildPipeline() (*pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := gemini.NewClient(cfg.Gemini.Key, gemini.WithBaseURL(cfg.Gemini.BaseURL))
	reg := registry.New(client, time.Duration(cfg.Gemini.ModelListTTLMins)*time.Minute)

	chain := registry.DefaultChain()
	if cfg.Gemini.ChainFile != "" {
		loaded, err := registry.LoadChain(cfg.Gemini.ChainFile)
		if err != nil {
			return nil, eris.Wrap(err, "load fallback chain")
		}
		chain = loaded
	}

	policy := deadline.Policy{
		SafetyMargin:   time.Duration(cfg.Orchestrator.SafetyMarginSecs) * time.Second,
		MinCallTimeout: time.Duration(cfg.Orchestrator.MinCallTimeoutSecs) * time.Second,
		MaxCallTimeout: time.Duration(cfg.Orchestrator.MaxCallTimeoutSecs) * time.Second,
	}

	eng := orchestrator.NewEngine(client, reg, policy)
	svc := orchestrator.NewService(eng, orchestrator.Config{
		Model:                 cfg.Gemini.Model,
		DefaultModel:          cfg.Gemini.DefaultModel,
		OverloadFallbackModel: cfg.Gemini.OverloadFallbackModel,
		Chain:                 chain,
		TotalBudget:           cfg.Orchestrator.TotalBudget(),
		MaxParseAttempts:      cfg.Orchestrator.MaxParseAttempts,
		MaxOverloadAttempts:   cfg.Orchestrator.MaxOverloadAttempts,
		InitialBackoff:        time.Duration(cfg.Orchestrator.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:            time.Duration(cfg.Orchestrator.MaxBackoffMS) * time.Millisecond,
		JitterFraction:        cfg.Orchestrator.JitterFraction,
		ThinkingBudget:        cfg.Gemini.ThinkingBudget,
		MaxOutputTokens:       cfg.Gemini.MaxOutputTokens,
	})

	prober := repair.NewHTTPProber(time.Duration(cfg.Repair.ProbeTimeoutSecs) * time.Second)
	repairer := repair.New(prober, svc, cfg.Repair.MaxConcurrent, cfg.Repair.ProbesPerSecond)

	return &pipeline{
		service:   svc,
		registry:  reg,
		repairer:  repairer,
		gate:      gate.New(cfg.Gate.MaxConcurrency),
		results:   cache.NewResults(time.Duration(cfg.Cache.ResultTTLMins) * time.Minute),
		plans:     cache.NewPlans(time.Duration(cfg.Cache.PlanTTLMins) * time.Minute),
		traces:    trace.NewStore(time.Duration(cfg.Cache.TraceTTLMins)*time.Minute, 0),
		queueWait: time.Duration(cfg.Gate.QueueWaitMS) * time.Millisecond,
	}, nil
}
