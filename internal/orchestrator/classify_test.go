package orchestrator

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"

	"github.com/sells-group/marketmap/pkg/gemini"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		useTools bool
		want     outcome
	}{
		{"nil", nil, true, outcomeFatal},
		{"429", apiErr(429, "quota exceeded"), false, outcomeOverloaded},
		{"503", apiErr(503, "unavailable"), false, outcomeOverloaded},
		{"overloaded message", apiErr(500, "The model is overloaded"), false, outcomeOverloaded},
		{"resource exhausted message", apiErr(400, "RESOURCE EXHAUSTED"), false, outcomeOverloaded},
		{"404 model", apiErr(404, "models/x is not found"), false, outcomeModelError},
		{"403 permission", apiErr(403, "permission denied for model"), false, outcomeModelError},
		{"400 not supported", apiErr(400, "model not supported for generateContent"), false, outcomeModelError},
		{"400 deprecated", apiErr(400, "model is deprecated"), false, outcomeModelError},
		{"grounding by message", apiErr(500, "google_search tool failed"), true, outcomeGroundingError},
		{"grounded 5xx", apiErr(502, "bad gateway"), true, outcomeGroundingError},
		{"ungrounded 5xx is fatal", apiErr(502, "bad gateway"), false, outcomeFatal},
		{"context deadline", context.DeadlineExceeded, false, outcomeTimeout},
		{"wrapped deadline", eris.Wrap(context.DeadlineExceeded, "call"), true, outcomeTimeout},
		{"plain error", eris.New("connection refused"), false, outcomeFatal},
		{"400 generic", apiErr(400, "invalid argument"), false, outcomeFatal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.err, tc.useTools); got != tc.want {
				t.Errorf("classify(%v, %v) = %s, want %s", tc.err, tc.useTools, got, tc.want)
			}
		})
	}
}

func TestClassify_WrappedAPIError(t *testing.T) {
	err := eris.Wrap(&gemini.APIError{StatusCode: 503, Message: "unavailable"}, "gemini: generate content")
	if got := classify(err, false); got != outcomeOverloaded {
		t.Errorf("got %s", got)
	}
}
