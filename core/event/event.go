// Package event implements the account context's event emitter (§2:
// the account context owns "the database handle, the blob directory,
// an event emitter, and an I/O scheduler"): a bounded, in-memory
// fan-out of the Info/Warning/Error/ErrorSelfNotInGroup variants §7
// names for UI surfacing. Grounded on core/jobqueue's buffered
// "nudge" channel idiom, generalized from a single-slot wakeup signal
// to a bounded multi-consumer event ring; per §5's "a bounded events
// ring is NOT persisted", Emitter keeps no database-backed history.
package event

import "fmt"

// Kind classifies an Event for the UI's routing/severity decision.
type Kind int

const (
	Info Kind = iota
	Warning
	Error
	// ErrorSelfNotInGroup fires when an incoming group command
	// implies this account has been removed from a group it still
	// has a local Chat row for (§7's dedicated variant, kept distinct
	// from a generic Error so the UI can offer "you left this group"
	// instead of a raw error toast).
	ErrorSelfNotInGroup
)

func (k Kind) String() string {
	switch k {
	case Info:
		return "Info"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case ErrorSelfNotInGroup:
		return "ErrorSelfNotInGroup"
	default:
		return "Kind(unknown)"
	}
}

// Event is one notification published through the emitter: a chat
// created, a message inserted and ready to render, a handshake that
// failed, a group membership lost. ChatID/MsgID are 0 when not
// applicable to Kind.
type Event struct {
	Kind   Kind
	ChatID int64
	MsgID  int64
	Text   string
}

func (e Event) String() string {
	return fmt.Sprintf("%s chat=%d msg=%d: %s", e.Kind, e.ChatID, e.MsgID, e.Text)
}

// ringSize bounds how many unconsumed events an Emitter holds before
// it starts dropping the oldest: a UI that isn't listening (or has
// fallen behind) should never make the engine itself block on
// delivering a notification.
const ringSize = 256

// Emitter is the account context's single event sink. One per
// account context, shared by every component that needs to tell the
// UI something happened (core/receive, core/scheduler,
// core/securejoin, core/ephemeral).
type Emitter struct {
	ch chan Event
}

// New creates an Emitter with the default ring size.
func New() *Emitter {
	return &Emitter{ch: make(chan Event, ringSize)}
}

// Emit publishes ev. If the ring is full, the oldest unconsumed event
// is dropped to make room — an event emitter is a best-effort UI
// signal, not a durable log (§5: "a bounded events ring is NOT
// persisted").
func (e *Emitter) Emit(ev Event) {
	select {
	case e.ch <- ev:
		return
	default:
	}
	select {
	case <-e.ch:
	default:
	}
	select {
	case e.ch <- ev:
	default:
	}
}

// Emitf is a convenience wrapper for the common case of an Info/
// Warning/Error with only a formatted message and no chat/msg
// context.
func (e *Emitter) Emitf(kind Kind, format string, args ...interface{}) {
	e.Emit(Event{Kind: kind, Text: fmt.Sprintf(format, args...)})
}

// Events returns the channel a UI binding layer drains. Closed never;
// callers range over it until the account context shuts down and
// stops sending.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}
