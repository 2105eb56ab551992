package orchestrator

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/sells-group/marketmap/pkg/gemini"
)

// outcome classifies a failed upstream call. The engine picks a recovery
// path per outcome, in the priority order overloaded > model error >
// grounding error > timeout > fatal.
type outcome int

const (
	outcomeFatal outcome = iota
	outcomeOverloaded
	outcomeModelError
	outcomeGroundingError
	outcomeTimeout
)

func (o outcome) String() string {
	switch o {
	case outcomeOverloaded:
		return "overloaded"
	case outcomeModelError:
		return "model_error"
	case outcomeGroundingError:
		return "grounding_error"
	case outcomeTimeout:
		return "timeout"
	default:
		return "fatal"
	}
}

// classify maps an upstream error onto an outcome. useTools widens the
// grounding-error match: a server-side failure on a tool-enabled call is
// worth one ungrounded retry.
func classify(err error, useTools bool) outcome {
	if err == nil {
		return outcomeFatal
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return outcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return outcomeTimeout
	}

	var apiErr *gemini.APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)

		switch apiErr.StatusCode {
		case 429, 503:
			return outcomeOverloaded
		case 404:
			return outcomeModelError
		case 403:
			if strings.Contains(msg, "permission") || strings.Contains(msg, "not authorized") {
				return outcomeModelError
			}
		case 400:
			if strings.Contains(msg, "not found") ||
				strings.Contains(msg, "not supported") ||
				strings.Contains(msg, "deprecated") {
				return outcomeModelError
			}
		}

		if strings.Contains(msg, "overloaded") ||
			strings.Contains(msg, "resource exhausted") ||
			strings.Contains(msg, "server busy") {
			return outcomeOverloaded
		}

		if useTools && (strings.Contains(msg, "grounding") ||
			strings.Contains(msg, "google_search") ||
			strings.Contains(msg, "tool")) {
			return outcomeGroundingError
		}
		if useTools && apiErr.StatusCode >= 500 {
			return outcomeGroundingError
		}
	}

	return outcomeFatal
}
