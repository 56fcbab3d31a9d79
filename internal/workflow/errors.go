package workflow

import "errors"

// Structural errors returned by parsing, validation and rewriting. They are
// wrapped with context; match them with errors.Is.
var (
	ErrMalformedGraph = errors.New("malformed graph")
	ErrCycleDetected  = errors.New("cycle detected")
	ErrSourceNotFound = errors.New("source node not found")
	ErrNoPromptTarget = errors.New("no prompt target")
)
