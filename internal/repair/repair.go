// Package repair verifies that cited URLs in a finished market map are
// reachable, sources replacements for broken ones, and strips citations
// that stay broken. It runs after validation and before caching; never on
// apology payloads.
package repair

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/marketmap/internal/model"
	"github.com/sells-group/marketmap/internal/trace"
)

// Status is the result of a reachability probe.
type Status int

const (
	// StatusOK means the URL answered with anything but a 404.
	StatusOK Status = iota
	// StatusBroken means a definitive 404.
	StatusBroken
	// StatusUnknown means the probe itself failed; policy is fail-open,
	// so unknown counts as reachable.
	StatusUnknown
)

// Prober checks whether a URL is reachable.
type Prober interface {
	Probe(ctx context.Context, url string) Status
}

// ReplacementSource produces substitute citations for broken URLs. The
// orchestrator's repair sub-task implements it.
type ReplacementSource interface {
	RepairCitations(ctx context.Context, rec trace.Recorder, category, company string, items []model.BrokenCitation) ([]model.Replacement, error)
}

// HTTPProber probes with HEAD, falling back to GET on 403/405.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober with the given per-probe timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		client: &http.Client{Timeout: timeout},
	}
}

// Probe implements Prober. Network errors read as unknown, never broken.
func (p *HTTPProber) Probe(ctx context.Context, url string) Status {
	status, ok := p.request(ctx, http.MethodHead, url)
	if !ok {
		return StatusUnknown
	}
	if status == http.StatusForbidden || status == http.StatusMethodNotAllowed {
		status, ok = p.request(ctx, http.MethodGet, url)
		if !ok {
			return StatusUnknown
		}
	}
	if status == http.StatusNotFound {
		return StatusBroken
	}
	return StatusOK
}

func (p *HTTPProber) request(ctx context.Context, method, url string) (int, bool) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, false
	}
	resp.Body.Close()
	return resp.StatusCode, true
}

// Repairer runs the citation repair pass over finished payloads.
type Repairer struct {
	prober  Prober
	source  ReplacementSource
	limit   int
	limiter *rate.Limiter
}

// New creates a repairer. maxConcurrent bounds simultaneous probes;
// probesPerSecond throttles them across one pass.
func New(prober Prober, source ReplacementSource, maxConcurrent int, probesPerSecond float64) *Repairer {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if probesPerSecond <= 0 {
		probesPerSecond = 10
	}
	return &Repairer{
		prober:  prober,
		source:  source,
		limit:   maxConcurrent,
		limiter: rate.NewLimiter(rate.Limit(probesPerSecond), maxConcurrent),
	}
}

// Run probes every citation in a results payload, repairs what it can,
// and strips the rest. The payload is mutated in place. Probe failures
// never fail the pass.
func (r *Repairer) Run(ctx context.Context, p *model.Payload, rec trace.Recorder) {
	if p == nil || p.Mode != model.ModeResults {
		return
	}
	if rec == nil {
		rec = trace.Nop{}
	}

	broken := r.probeAll(ctx, p)
	if len(broken) == 0 {
		return
	}
	rec.Record("citations_broken", map[string]any{"count": countBroken(broken)})

	replacements := r.fetchReplacements(ctx, p, broken, rec)

	for ci := range p.Companies {
		c := &p.Companies[ci]
		badSet := broken[c.Name]
		if len(badSet) == 0 {
			continue
		}

		for mi := range c.Metrics {
			m := &c.Metrics[mi]
			if !badSet[m.SourceURL] {
				continue
			}
			if sub, ok := replacements[m.SourceURL]; ok {
				m.SourceName = sub.Name
				m.SourceURL = sub.URL
			} else {
				m.SourceURL = ""
			}
		}

		kept := c.Sources[:0]
		for _, s := range c.Sources {
			if !badSet[s.URL] {
				kept = append(kept, s)
				continue
			}
			if sub, ok := replacements[s.URL]; ok {
				kept = append(kept, sub)
			}
		}
		c.Sources = kept
	}
}

// probeAll checks every distinct citation URL concurrently and returns
// the broken ones grouped by company name.
func (r *Repairer) probeAll(ctx context.Context, p *model.Payload) map[string]map[string]bool {
	type probeJob struct {
		company string
		url     string
	}

	var jobs []probeJob
	seen := make(map[string]bool)
	for _, c := range p.Companies {
		for _, m := range c.Metrics {
			if m.SourceURL != "" && !seen[c.Name+"\x00"+m.SourceURL] {
				seen[c.Name+"\x00"+m.SourceURL] = true
				jobs = append(jobs, probeJob{company: c.Name, url: m.SourceURL})
			}
		}
		for _, s := range c.Sources {
			if s.URL != "" && !seen[c.Name+"\x00"+s.URL] {
				seen[c.Name+"\x00"+s.URL] = true
				jobs = append(jobs, probeJob{company: c.Name, url: s.URL})
			}
		}
	}

	broken := make(map[string]map[string]bool)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				return nil // pass is best-effort, fail open
			}
			if r.prober.Probe(gctx, job.url) != StatusBroken {
				return nil
			}
			mu.Lock()
			if broken[job.company] == nil {
				broken[job.company] = make(map[string]bool)
			}
			broken[job.company][job.url] = true
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return broken
}

// fetchReplacements asks the orchestrator's repair sub-task for
// substitutes per company and keeps only those that re-probe as alive.
func (r *Repairer) fetchReplacements(ctx context.Context, p *model.Payload, broken map[string]map[string]bool, rec trace.Recorder) map[string]model.Source {
	out := make(map[string]model.Source)
	if r.source == nil {
		return out
	}

	for company, badSet := range broken {
		var items []model.BrokenCitation
		for _, c := range p.Companies {
			if c.Name != company {
				continue
			}
			for _, m := range c.Metrics {
				if badSet[m.SourceURL] {
					items = append(items, model.BrokenCitation{Label: m.Label, URL: m.SourceURL})
				}
			}
			for _, s := range c.Sources {
				if badSet[s.URL] {
					items = append(items, model.BrokenCitation{URL: s.URL})
				}
			}
		}
		if len(items) == 0 {
			continue
		}

		replacements, err := r.source.RepairCitations(ctx, rec, p.Category, company, items)
		if err != nil {
			zap.L().Warn("repair: replacement lookup failed",
				zap.String("company", company),
				zap.Error(err),
			)
			continue
		}

		for _, rep := range replacements {
			if !badSet[rep.BadURL] || !model.ValidHTTPURL(rep.Source.URL) {
				continue
			}
			if r.prober.Probe(ctx, rep.Source.URL) == StatusBroken {
				rec.Record("replacement_broken", map[string]any{"url": rep.Source.URL})
				continue
			}
			out[rep.BadURL] = rep.Source
		}
	}

	return out
}

func countBroken(broken map[string]map[string]bool) int {
	n := 0
	for _, set := range broken {
		n += len(set)
	}
	return n
}
