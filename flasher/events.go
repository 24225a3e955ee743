package flasher

// State is a job's position in the flashing pipeline. States only move
// forward; a job never re-enters an earlier state.
type State string

const (
	StatePending     State = "pending"
	StatePreparing   State = "preparing"
	StateWriting     State = "writing"
	StateVerifying   State = "verifying"
	StateCustomizing State = "customizing"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// EventType names what happened.
type EventType string

const (
	EventStarted     EventType = "started"
	EventProgress    EventType = "progress"
	EventVerifying   EventType = "verifying"
	EventCustomizing EventType = "customizing"
	EventCompleted   EventType = "completed"
	EventFailed      EventType = "failed"
	EventCancelled   EventType = "cancelled"
)

// Event is one entry on a job's event stream. Events arrive in pipeline
// order and at most one terminal event is ever delivered, after which the
// stream is closed.
type Event struct {
	Type EventType

	// Done and Total are set on progress events. Done counts decompressed
	// image bytes committed to the destination and never decreases.
	Done  uint64
	Total uint64

	// Err is set on failure events.
	Err error
}
