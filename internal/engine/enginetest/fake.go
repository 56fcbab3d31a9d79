// Package enginetest provides a scripted in-memory Engine for tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vk/graphforge/internal/engine"
	"github.com/vk/graphforge/internal/preflight"
	"github.com/vk/graphforge/internal/transport"
)

// ErrDropped is the transient error a dropped script stream reports.
var ErrDropped = transport.Transient(errors.New("stream dropped"))

// Script is what one subscription delivers.
type Script struct {
	Events []engine.Event
	// Drop ends the stream with ErrDropped after Events.
	Drop bool
	// Hold keeps the stream open after Events until it is closed.
	Hold bool
}

// Completed is a script that finishes with artifact at progress 1.
func Completed(filename string) Script {
	return Script{Events: []engine.Event{
		{Kind: engine.EventProgress, Progress: 0.5},
		{Kind: engine.EventCompleted, Progress: 1, Artifact: &engine.Artifact{Filename: filename, Type: "output"}},
	}}
}

// Fake is a scripted Engine. Error slices are consumed one call at a time;
// once empty the call succeeds. Scripts are consumed one subscription at a
// time; once empty subscriptions hold open with no events.
type Fake struct {
	mu sync.Mutex

	AvailabilityErrs []error
	SubmitErrs       []error
	SubscribeErrs    []error
	CancelErr        error
	Scripts          []Script
	Inv              preflight.Inventory
	InventoryErr     error
	// Files are served by Fetch, keyed by artifact filename.
	Files map[string][]byte

	submitted  [][]byte
	cancelled  []engine.Token
	subscribes []engine.Token
	streams    []*stream
	fetched    []string
}

var _ engine.Engine = (*Fake)(nil)

func pop[T any](s *[]T) (T, bool) {
	var zero T
	if len(*s) == 0 {
		return zero, false
	}
	v := (*s)[0]
	*s = (*s)[1:]
	return v, true
}

func (f *Fake) CheckAvailability(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err, _ := pop(&f.AvailabilityErrs)
	return err
}

func (f *Fake) Submit(ctx context.Context, doc []byte) (engine.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, _ := pop(&f.SubmitErrs); err != nil {
		return "", err
	}
	f.submitted = append(f.submitted, append([]byte(nil), doc...))
	return engine.Token(fmt.Sprintf("t-%d", len(f.submitted))), nil
}

func (f *Fake) Subscribe(ctx context.Context, token engine.Token) (engine.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, token)
	if err, _ := pop(&f.SubscribeErrs); err != nil {
		return nil, err
	}
	script, ok := pop(&f.Scripts)
	if !ok {
		script = Script{Hold: true}
	}
	s := newStream(script)
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *Fake) Cancel(ctx context.Context, token engine.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, token)
	return f.CancelErr
}

func (f *Fake) Inventory(ctx context.Context) (preflight.Inventory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InventoryErr != nil {
		return nil, f.InventoryErr
	}
	if f.Inv == nil {
		return preflight.NewInventory(nil), nil
	}
	return f.Inv, nil
}

func (f *Fake) Fetch(ctx context.Context, a engine.Artifact) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, a.Locator())
	data, ok := f.Files[a.Filename]
	if !ok {
		return nil, "", fmt.Errorf("artifact %s not found", a.Locator())
	}
	return data, "image/png", nil
}

// Fetched returns the locators Fetch was called with, in order.
func (f *Fake) Fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

// Submitted returns copies of every accepted document, in order.
func (f *Fake) Submitted() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.submitted...)
}

// Cancelled returns the tokens Cancel was called with.
func (f *Fake) Cancelled() []engine.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Token(nil), f.cancelled...)
}

// Subscriptions returns the tokens Subscribe was called with.
func (f *Fake) Subscriptions() []engine.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Token(nil), f.subscribes...)
}

// AllClosed reports whether every stream handed out has been closed.
func (f *Fake) AllClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.streams {
		if !s.isClosed() {
			return false
		}
	}
	return true
}

type stream struct {
	ch   chan engine.Event
	err  error
	hold bool

	mu     sync.Mutex
	closed bool
}

func newStream(script Script) *stream {
	s := &stream{ch: make(chan engine.Event, len(script.Events)), hold: script.Hold}
	for _, ev := range script.Events {
		s.ch <- ev
	}
	if script.Drop {
		s.err = ErrDropped
	}
	if !script.Hold {
		close(s.ch)
	}
	return s
}

func (s *stream) Events() <-chan engine.Event { return s.ch }

func (s *stream) Err() error { return s.err }

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.hold {
		close(s.ch)
	}
	return nil
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
