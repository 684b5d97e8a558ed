// Package telemetry is a synchronous event bus used to publish lifecycle
// events (job start/stop/exception, lifeline rescue, producer fetch
// counts). Dispatch is synchronous and subscribers are invoked in
// registration order; a process-wide or per-client instance may be used.
package telemetry

import "sync"

// Event names, matching the vocabulary a handler-side subscriber would
// switch on.
const (
	EventJobStart            = "job.start"
	EventJobStop             = "job.stop"
	EventJobException        = "job.exception"
	EventLifelineRescueStart = "lifeline.rescue.start"
	EventLifelineRescueStop  = "lifeline.rescue.stop"
	EventProducerFetchStop   = "producer.fetch.stop"
)

// Meta carries whatever payload an event names; handlers type-assert the
// fields they care about.
type Meta map[string]any

// Handler receives a single emitted event.
type Handler func(event string, meta Meta)

// Bus is a process-safe, synchronous fan-out of telemetry events. The zero
// value is ready to use.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// Attach registers a handler and returns a detach function.
func (b *Bus) Attach(handler Handler) (detach func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = append(b.handlers, handler)
	idx := len(b.handlers) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if idx < len(b.handlers) {
			b.handlers[idx] = nil
		}
	}
}

// Emit dispatches event synchronously to every attached handler.
func (b *Bus) Emit(event string, meta Meta) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, h := range b.handlers {
		if h != nil {
			h(event, meta)
		}
	}
}

// Span wraps a unit of work, emitting a start/stop pair of events derived
// from name ("X" -> "X.start", "X.stop"). The stop event carries only the
// fields added through Add: no monotonic_time or duration field is added
// automatically, and the meta given to StartSpan is not carried over.
type Span struct {
	bus   *Bus
	name  string
	extra Meta
}

// StartSpan emits "<name>.start" with meta immediately and returns a Span
// whose Finish emits "<name>.stop".
func StartSpan(bus *Bus, name string, meta Meta) *Span {
	bus.Emit(name+".start", meta)
	return &Span{bus: bus, name: name, extra: Meta{}}
}

// Add merges additional fields into the eventual stop event.
func (s *Span) Add(fields Meta) {
	for k, v := range fields {
		s.extra[k] = v
	}
}

// Finish emits "<name>.stop" with any fields added via Add.
func (s *Span) Finish() {
	s.bus.Emit(s.name+".stop", s.extra)
}
