package model

import "fmt"

// ValidateResults returns human-readable defects found in a normalized
// results payload. The defect strings double as corrective feedback folded
// into the next prompt attempt. Apology payloads are always valid.
func ValidateResults(p Payload) []string {
	if p.Mode == ModeApology {
		return nil
	}

	var defects []string
	if p.Category == "" {
		defects = append(defects, "category is missing")
	}

	if len(p.Companies) < MinCompanies {
		defects = append(defects, fmt.Sprintf("only %d companies returned, need at least %d", len(p.Companies), MinCompanies))
		return defects
	}

	for _, c := range p.Companies {
		if c.Name == "" {
			defects = append(defects, fmt.Sprintf("company ranked %d has no name", c.Rank))
		}
		if len(c.Metrics) < MinMetricsPerCompany {
			defects = append(defects, fmt.Sprintf("company %q has %d metrics, need at least %d with a numeric value and an http(s) source_url", c.Name, len(c.Metrics), MinMetricsPerCompany))
		}
	}

	return defects
}

// ValidatePlan returns defects found in a normalized plan payload.
func ValidatePlan(p Payload) []string {
	if p.Mode == ModeApology {
		return nil
	}

	var defects []string
	if p.Category == "" {
		defects = append(defects, "category is missing")
	}
	if p.Plan == nil || len(p.Plan.Sources) == 0 {
		defects = append(defects, "plan has no sources")
	}
	if p.Plan == nil || len(p.Plan.Metrics) == 0 {
		defects = append(defects, "plan has no metrics")
	}
	if p.ClarifyingQuestion == "" {
		defects = append(defects, "clarifying_question is missing")
	}
	return defects
}
