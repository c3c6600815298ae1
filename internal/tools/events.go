package tools

import "sync/atomic"

// Status is a tool lifecycle phase.
type Status string

const (
	// StatusStart is emitted before a tool call runs.
	StatusStart Status = "START"

	// StatusEnd is emitted after a tool call succeeds.
	StatusEnd Status = "END"

	// StatusError is emitted after a tool call fails.
	StatusError Status = "ERROR"
)

// Event is a tool lifecycle notification for progress surfaces.
type Event struct {
	Title   string // tool name
	Status  Status
	Message string // error text for StatusError, otherwise empty
}

// Emitter receives tool lifecycle events. Implementations must not block:
// the orchestrator emits from the turn's hot path.
type Emitter interface {
	Emit(Event)
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// ChannelEmitter delivers events over a bounded channel. When the
// consumer stalls and the buffer fills, new events are dropped rather
// than blocking the producing turn.
type ChannelEmitter struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewChannelEmitter creates an emitter with the given buffer size.
func NewChannelEmitter(buffer int) *ChannelEmitter {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChannelEmitter{ch: make(chan Event, buffer)}
}

// Emit delivers the event or drops it if the buffer is full. Never blocks.
func (e *ChannelEmitter) Emit(ev Event) {
	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Events returns the receive side of the event stream.
func (e *ChannelEmitter) Events() <-chan Event {
	return e.ch
}

// Dropped returns how many events were discarded due to a full buffer.
func (e *ChannelEmitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Close closes the event stream. Emit must not be called after Close.
func (e *ChannelEmitter) Close() {
	close(e.ch)
}
