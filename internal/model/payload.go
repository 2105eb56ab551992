// Package model defines the market-map result payload and the rules for
// normalizing and validating raw model output into it.
package model

import (
	"net/url"
	"strings"
)

// Mode tags the result payload variant.
type Mode string

const (
	// ModeApology is returned for empty/unrelated input or unrecoverable failure.
	ModeApology Mode = "apology"
	// ModeResults is a finished market map.
	ModeResults Mode = "results"
	// ModePlan is a proposed research plan awaiting user confirmation.
	ModePlan Mode = "plan"
)

// Limits applied during normalization and checked during validation.
const (
	MaxMetricsPerCompany = 2
	MaxSourcesPerCompany = 2
	MinCompanies         = 3
	MinMetricsPerCompany = 2
)

// DefaultApologyTitle is the title shown when no specific apology applies.
const DefaultApologyTitle = "Signal Lost"

// RankingBases lists the accepted values for Payload.RankingBasis.
var RankingBases = []string{"revenue", "users", "funding", "market_share", "growth", "other"}

// Payload is the externally visible outcome of one pipeline run. The Mode
// field selects which of the remaining fields are meaningful.
type Payload struct {
	Mode Mode `json:"mode"`

	// Apology fields.
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
	Hint    string `json:"hint,omitempty"`
	Debug   *Debug `json:"debug,omitempty"`

	// Results fields.
	Category     string    `json:"category,omitempty"`
	RankingBasis string    `json:"ranking_basis,omitempty"`
	Companies    []Company `json:"companies,omitempty"`

	// Plan fields.
	Plan               *Plan  `json:"plan,omitempty"`
	ClarifyingQuestion string `json:"clarifying_question,omitempty"`
}

// Debug carries the underlying cause of an apology produced by a failure.
// It is never rendered to the end user.
type Debug struct {
	Message string `json:"message"`
}

// Company is one ranked vendor in a market map.
type Company struct {
	Name      string   `json:"name"`
	Rank      int      `json:"rank"`
	Metrics   []Metric `json:"metrics"`
	ValueProp string   `json:"value_prop"`
	Sources   []Source `json:"sources"`
}

// Metric is one evidence-backed number about a company.
type Metric struct {
	Label      string  `json:"label"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
	Period     string  `json:"period,omitempty"`
	SourceName string  `json:"source_name"`
	SourceURL  string  `json:"source_url"`
}

// Source is a citation attached to a company.
type Source struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Plan is a proposed research approach for the multi-turn flow.
type Plan struct {
	Sources  []string `json:"sources"`
	Metrics  []string `json:"metrics"`
	Approach string   `json:"approach"`
}

// PlanAssessment classifies a user clarification against an existing plan.
type PlanAssessment struct {
	Mode   string `json:"mode"` // "keep" or "replan"
	Reason string `json:"reason"`
}

// BrokenCitation identifies one unreachable URL within a company's citations.
type BrokenCitation struct {
	Label string `json:"label,omitempty"`
	URL   string `json:"url"`
}

// Replacement pairs a broken URL with its sourced substitute.
type Replacement struct {
	BadURL string `json:"bad_url"`
	Source Source `json:"source"`
}

// NewApology builds an apology payload with defaults filled in.
func NewApology(title, message, hint string) Payload {
	if title == "" {
		title = DefaultApologyTitle
	}
	return Payload{
		Mode:    ModeApology,
		Title:   title,
		Message: message,
		Hint:    hint,
	}
}

// ApologyFromError builds an apology payload for an unrecoverable failure,
// attaching the cause as debug info.
func ApologyFromError(err error) Payload {
	p := NewApology("", "Something went wrong while mapping this market.", "Try again in a moment, or rephrase your query.")
	if err != nil {
		p.Debug = &Debug{Message: err.Error()}
	}
	return p
}

// ValidHTTPURL reports whether s parses as an absolute http(s) URL with a host.
func ValidHTTPURL(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
