// Package stream merges model output and tool results into one ordered,
// cancelable event stream.
package stream

import (
	"context"
	"sync"
)

const bufferSize = 64

// Stream is the consumer side of a round's output.
type Stream struct {
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
}

// Writer is the producer side. It is safe for concurrent use; each call to
// Write is delivered atomically, so events from concurrent producers are
// totally ordered while each producer's own order is kept.
type Writer struct {
	s      *Stream
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a stream whose lifetime is bound to parent.
func New(parent context.Context) (*Stream, *Writer) {
	ctx, cancel := context.WithCancel(parent)
	s := &Stream{
		events: make(chan Event, bufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	return s, &Writer{s: s}
}

// Events is closed once the round finishes or is cancelled.
func (s *Stream) Events() <-chan Event { return s.events }

// Cancel aborts the round feeding this stream.
func (s *Stream) Cancel() { s.cancel() }

// Context is cancelled when the consumer aborts.
func (s *Stream) Context() context.Context { return s.ctx }

// Collect drains the stream until it is closed.
func (s *Stream) Collect() []Event {
	var out []Event
	for ev := range s.events {
		out = append(out, ev)
	}
	return out
}

// Context is the round's context; it is done once the consumer cancels.
func (w *Writer) Context() context.Context { return w.s.ctx }

// Write delivers ev unless the stream was cancelled or closed.
func (w *Writer) Write(ev Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.s.ctx.Err() != nil {
		return false
	}
	select {
	case w.s.events <- ev:
		return true
	case <-w.s.ctx.Done():
		return false
	}
}

// Merge forwards src into the stream until src is closed or the stream is
// cancelled. The returned channel closes when forwarding stops.
func (w *Writer) Merge(src <-chan Event) <-chan struct{} {
	done := make(chan struct{})
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(done)
		for {
			select {
			case ev, ok := <-src:
				if !ok {
					return
				}
				if !w.Write(ev) {
					// keep draining so the producer never blocks
					for range src {
					}
					return
				}
			case <-w.s.ctx.Done():
				for range src {
				}
				return
			}
		}
	}()
	return done
}

// Close waits for merged sources and closes the event channel.
func (w *Writer) Close() {
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.s.events)
	w.s.cancel()
}
