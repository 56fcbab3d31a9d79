package engine

import (
	"sync"
)

const eventBuffer = 16

// stream is the transport-independent half of a subscription. Transports
// push raw messages in; a single pump goroutine translates them and owns the
// events channel.
type stream struct {
	tr      *translator
	in      chan message
	events  chan Event
	done    chan struct{}
	dropped chan struct{}
	closer  func()

	closeOnce sync.Once
	dropOnce  sync.Once
	mu        sync.Mutex
	err       error
}

func newStream(tr *translator, closer func()) *stream {
	s := &stream{
		tr:      tr,
		in:      make(chan message),
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
		dropped: make(chan struct{}),
		closer:  closer,
	}
	go s.pump()
	return s
}

func (s *stream) Events() <-chan Event { return s.events }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream and releases the connection. It is safe to call
// more than once.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.closer != nil {
			s.closer()
		}
	})
	return nil
}

// push hands a message to the pump. It returns false once the stream is
// closed.
func (s *stream) push(m message) bool {
	select {
	case s.in <- m:
		return true
	case <-s.done:
		return false
	case <-s.dropped:
		return false
	}
}

// drop ends the stream because the connection failed. Failures after Close
// are the connection shutting down and are not recorded.
func (s *stream) drop(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.dropOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.dropped)
	})
}

func (s *stream) pump() {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case <-s.dropped:
			return
		case m := <-s.in:
			ev, ok := s.tr.translate(m)
			if !ok {
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
			if ev.Kind.Terminal() {
				s.Close()
				return
			}
		}
	}
}
