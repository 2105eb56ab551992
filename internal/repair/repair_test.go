package repair

import (
	"context"
	"sync"
	"testing"

	"github.com/rotisserie/eris"

	"github.com/sells-group/marketmap/internal/model"
	"github.com/sells-group/marketmap/internal/trace"
)

// fakeProber maps URLs to fixed statuses; unknown URLs read as OK.
type fakeProber struct {
	mu       sync.Mutex
	statuses map[string]Status
	probed   []string
}

func (p *fakeProber) Probe(_ context.Context, url string) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, url)
	if s, ok := p.statuses[url]; ok {
		return s
	}
	return StatusOK
}

type fakeSource struct {
	replacements []model.Replacement
	err          error
	calls        int
	lastItems    []model.BrokenCitation
}

func (s *fakeSource) RepairCitations(_ context.Context, _ trace.Recorder, _, _ string, items []model.BrokenCitation) ([]model.Replacement, error) {
	s.calls++
	s.lastItems = items
	return s.replacements, s.err
}

func payloadWithCitations() model.Payload {
	return model.Payload{
		Mode:     model.ModeResults,
		Category: "crm",
		Companies: []model.Company{
			{
				Name: "Alpha",
				Rank: 1,
				Metrics: []model.Metric{
					{Label: "revenue", Value: 10, SourceURL: "https://ok.example/rev"},
					{Label: "users", Value: 20, SourceURL: "https://dead.example/users"},
				},
				Sources: []model.Source{
					{Name: "Live", URL: "https://ok.example/rev"},
					{Name: "Dead", URL: "https://dead.example/users"},
				},
			},
		},
	}
}

func TestRun_AllReachableLeavesPayloadAlone(t *testing.T) {
	prober := &fakeProber{}
	source := &fakeSource{}
	r := New(prober, source, 2, 100)

	p := payloadWithCitations()
	r.Run(context.Background(), &p, nil)

	if source.calls != 0 {
		t.Errorf("replacement source called %d times", source.calls)
	}
	if p.Companies[0].Metrics[1].SourceURL != "https://dead.example/users" {
		t.Errorf("payload mutated: %+v", p.Companies[0].Metrics[1])
	}
}

func TestRun_BrokenCitationRepaired(t *testing.T) {
	prober := &fakeProber{statuses: map[string]Status{
		"https://dead.example/users": StatusBroken,
	}}
	source := &fakeSource{replacements: []model.Replacement{
		{BadURL: "https://dead.example/users", Source: model.Source{Name: "Alt", URL: "https://alt.example/users"}},
	}}
	r := New(prober, source, 2, 100)

	p := payloadWithCitations()
	r.Run(context.Background(), &p, nil)

	if source.calls != 1 {
		t.Fatalf("source calls = %d", source.calls)
	}
	if len(source.lastItems) != 2 {
		t.Errorf("broken items = %v", source.lastItems)
	}
	m := p.Companies[0].Metrics[1]
	if m.SourceURL != "https://alt.example/users" || m.SourceName != "Alt" {
		t.Errorf("metric not repaired: %+v", m)
	}
	if got := p.Companies[0].Sources[1].URL; got != "https://alt.example/users" {
		t.Errorf("source not repaired: %q", got)
	}
}

func TestRun_UnrepairedCitationStripped(t *testing.T) {
	prober := &fakeProber{statuses: map[string]Status{
		"https://dead.example/users": StatusBroken,
	}}
	source := &fakeSource{err: eris.New("upstream down")}
	r := New(prober, source, 2, 100)

	p := payloadWithCitations()
	r.Run(context.Background(), &p, nil)

	m := p.Companies[0].Metrics[1]
	if m.SourceURL != "" {
		t.Errorf("broken metric citation should be cleared, got %q", m.SourceURL)
	}
	if m.Value != 20 {
		t.Errorf("metric itself must survive: %+v", m)
	}
	if len(p.Companies[0].Sources) != 1 || p.Companies[0].Sources[0].URL != "https://ok.example/rev" {
		t.Errorf("broken source entry should be removed: %v", p.Companies[0].Sources)
	}
}

func TestRun_ReplacementThatReProbesBrokenIsDropped(t *testing.T) {
	prober := &fakeProber{statuses: map[string]Status{
		"https://dead.example/users": StatusBroken,
		"https://alsodead.example":   StatusBroken,
	}}
	source := &fakeSource{replacements: []model.Replacement{
		{BadURL: "https://dead.example/users", Source: model.Source{Name: "Alt", URL: "https://alsodead.example"}},
	}}
	r := New(prober, source, 2, 100)

	p := payloadWithCitations()
	r.Run(context.Background(), &p, nil)

	if got := p.Companies[0].Metrics[1].SourceURL; got != "" {
		t.Errorf("dead replacement must not be applied, got %q", got)
	}
}

func TestRun_ProbeFailuresFailOpen(t *testing.T) {
	prober := &fakeProber{statuses: map[string]Status{
		"https://dead.example/users": StatusUnknown,
	}}
	source := &fakeSource{}
	r := New(prober, source, 2, 100)

	p := payloadWithCitations()
	r.Run(context.Background(), &p, nil)

	if source.calls != 0 {
		t.Error("unknown status must not trigger repair")
	}
	if p.Companies[0].Metrics[1].SourceURL != "https://dead.example/users" {
		t.Error("unknown status must not strip the citation")
	}
}

func TestRun_SkipsNonResultPayloads(t *testing.T) {
	prober := &fakeProber{}
	r := New(prober, &fakeSource{}, 2, 100)

	apology := model.NewApology("", "m", "h")
	r.Run(context.Background(), &apology, nil)
	r.Run(context.Background(), nil, nil)

	if len(prober.probed) != 0 {
		t.Errorf("probed = %v", prober.probed)
	}
}
