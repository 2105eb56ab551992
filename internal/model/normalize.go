package model

import (
	"math"
	"strconv"
	"strings"
)

// NormalizeResults maps raw parsed model output into a results payload.
// It never fails: missing or wrong-typed fields become safe defaults,
// malformed array entries are dropped, and over-long arrays are truncated.
func NormalizeResults(raw map[string]any) Payload {
	p := Payload{
		Mode:         ModeResults,
		Category:     asString(raw["category"]),
		RankingBasis: normalizeRankingBasis(raw["ranking_basis"]),
		Companies:    []Company{},
	}

	for _, item := range asSlice(raw["companies"]) {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := strings.TrimSpace(asString(obj["name"]))
		if name == "" {
			continue
		}

		c := Company{
			Name:      name,
			ValueProp: asString(obj["value_prop"]),
		}

		rank, ok := asNumber(obj["rank"])
		if ok && rank >= 1 {
			c.Rank = int(rank)
		} else {
			c.Rank = len(p.Companies) + 1
		}

		for _, mi := range asSlice(obj["metrics"]) {
			if len(c.Metrics) >= MaxMetricsPerCompany {
				break
			}
			m, ok := normalizeMetric(mi)
			if !ok {
				continue
			}
			c.Metrics = append(c.Metrics, m)
		}

		for _, si := range asSlice(obj["sources"]) {
			if len(c.Sources) >= MaxSourcesPerCompany {
				break
			}
			s, ok := normalizeSource(si)
			if !ok {
				continue
			}
			c.Sources = append(c.Sources, s)
		}

		p.Companies = append(p.Companies, c)
	}

	return p
}

// NormalizePlan maps raw parsed model output into a plan payload.
func NormalizePlan(raw map[string]any) Payload {
	p := Payload{
		Mode:               ModePlan,
		Category:           asString(raw["category"]),
		RankingBasis:       normalizeRankingBasis(raw["ranking_basis"]),
		ClarifyingQuestion: strings.TrimSpace(asString(raw["clarifying_question"])),
		Plan:               &Plan{},
	}

	if obj, ok := raw["plan"].(map[string]any); ok {
		p.Plan.Approach = strings.TrimSpace(asString(obj["approach"]))
		for _, s := range asSlice(obj["sources"]) {
			if v := strings.TrimSpace(asString(s)); v != "" {
				p.Plan.Sources = append(p.Plan.Sources, v)
			}
		}
		for _, m := range asSlice(obj["metrics"]) {
			if v := strings.TrimSpace(asString(m)); v != "" {
				p.Plan.Metrics = append(p.Plan.Metrics, v)
			}
		}
	}

	return p
}

// NormalizeAssessment maps raw parsed model output into a plan assessment.
// Any mode other than "replan" collapses to "keep".
func NormalizeAssessment(raw map[string]any) PlanAssessment {
	mode := strings.ToLower(strings.TrimSpace(asString(raw["mode"])))
	if mode != "replan" {
		mode = "keep"
	}
	return PlanAssessment{
		Mode:   mode,
		Reason: strings.TrimSpace(asString(raw["reason"])),
	}
}

// NormalizeReplacements maps raw parsed model output into citation
// replacements. Entries without a bad_url or a valid http(s) substitute
// are dropped.
func NormalizeReplacements(raw map[string]any) []Replacement {
	var out []Replacement
	for _, item := range asSlice(raw["replacements"]) {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		badURL := strings.TrimSpace(asString(obj["bad_url"]))
		if badURL == "" {
			continue
		}
		srcObj, ok := obj["source"].(map[string]any)
		if !ok {
			continue
		}
		src, ok := normalizeSource(srcObj)
		if !ok {
			continue
		}
		out = append(out, Replacement{BadURL: badURL, Source: src})
	}
	return out
}

func normalizeMetric(v any) (Metric, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return Metric{}, false
	}

	value, ok := asNumber(obj["value"])
	if !ok {
		return Metric{}, false
	}

	sourceURL := strings.TrimSpace(asString(obj["source_url"]))
	if !ValidHTTPURL(sourceURL) {
		return Metric{}, false
	}

	return Metric{
		Label:      asString(obj["label"]),
		Value:      value,
		Unit:       asString(obj["unit"]),
		Period:     asString(obj["period"]),
		SourceName: asString(obj["source_name"]),
		SourceURL:  sourceURL,
	}, true
}

func normalizeSource(v any) (Source, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return Source{}, false
	}
	u := strings.TrimSpace(asString(obj["url"]))
	if !ValidHTTPURL(u) {
		return Source{}, false
	}
	return Source{
		Name: asString(obj["name"]),
		URL:  u,
	}, true
}

func normalizeRankingBasis(v any) string {
	basis := strings.ToLower(strings.TrimSpace(asString(v)))
	for _, allowed := range RankingBases {
		if basis == allowed {
			return basis
		}
	}
	return ""
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asNumber coerces JSON numbers and numeric strings to a finite float64.
func asNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
