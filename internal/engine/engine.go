package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/vk/graphforge/internal/preflight"
)

var (
	// ErrUnavailable means the engine could not be reached or is not ready.
	ErrUnavailable = errors.New("engine unavailable")
	// ErrRejected means the engine refused a document as structurally
	// invalid. Retrying the same document will not help.
	ErrRejected = errors.New("submission rejected")
	// ErrExecution wraps failures reported by the engine while running a job.
	ErrExecution = errors.New("execution failed")
)

// Token is the engine's identifier for a submitted job.
type Token string

// EventKind classifies stream events.
type EventKind string

const (
	EventProgress    EventKind = "progress"
	EventExecuting   EventKind = "executing"
	EventCompleted   EventKind = "completed"
	EventFailed      EventKind = "failed"
	EventInterrupted EventKind = "interrupted"
)

// Terminal reports whether no further events follow this kind.
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventFailed || k == EventInterrupted
}

// Artifact locates an output file on the engine.
type Artifact struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	// NodeID is the node that produced the file.
	NodeID string `json:"node_id,omitempty"`
}

// Locator is a stable, human-readable path for the artifact.
func (a Artifact) Locator() string {
	return path.Join(a.Type, a.Subfolder, a.Filename)
}

// Event is one progress notification for a job. Progress is a fraction in
// [0,1] for progress and executing events.
type Event struct {
	Kind     EventKind
	Progress float64
	Message  string
	// Artifact is set on completed events when the job produced output.
	Artifact *Artifact
	Err      error
}

// Stream delivers events for one job. The channel is closed after a terminal
// event, after Close, or when the connection drops; Err tells the last case
// apart.
type Stream interface {
	Events() <-chan Event
	// Err returns the reason the stream ended early, nil otherwise.
	Err() error
	Close() error
}

// Engine is the set of operations the supervisor needs.
type Engine interface {
	CheckAvailability(ctx context.Context) error
	Submit(ctx context.Context, doc []byte) (Token, error)
	Subscribe(ctx context.Context, token Token) (Stream, error)
	Cancel(ctx context.Context, token Token) error
	Inventory(ctx context.Context) (preflight.Inventory, error)
	Fetch(ctx context.Context, a Artifact) ([]byte, string, error)
}

// RejectedError carries the engine's explanation of a structural rejection.
type RejectedError struct {
	Status     int
	Message    string
	NodeErrors map[string]json.RawMessage
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("%s (status %d): %s", ErrRejected, e.Status, e.Message)
	if len(e.NodeErrors) > 0 {
		ids := make([]string, 0, len(e.NodeErrors))
		for id := range e.NodeErrors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		msg += fmt.Sprintf("; offending nodes: %s", strings.Join(ids, ", "))
	}
	return msg
}

func (e *RejectedError) Unwrap() error { return ErrRejected }
