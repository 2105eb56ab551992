package orchestrator

import "github.com/rotisserie/eris"

// ErrDeadline is returned when the time budget runs out before a final
// payload is produced. It wins over every retry policy: no checkpoint
// issues further I/O once the budget is exhausted.
var ErrDeadline = eris.New("orchestrator: timeout before completion")

// ErrInvalidJSON is returned when the upstream never produced parseable
// JSON within the retry budget.
var ErrInvalidJSON = eris.New("orchestrator: upstream returned invalid JSON")
