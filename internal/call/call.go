// Package call implements the two-party call state machine: one attempt per
// conversation at a time, role-bound (caller or receiver), driven by snapshot
// notifications from the signaling channel, negotiation-engine events and
// local user actions. Remote-triggered transitions are idempotent and
// terminal states are never left, so duplicate or reordered notifications
// are harmless.
//
// Coupling to the rest of the program is via small interfaces only: the
// signaling channel, a history writer, a media capturer and an engine
// factory. Production wires pubsub/SQLite/pion implementations in run.go;
// tests wire fakes.
package call

import (
	"errors"
	"time"

	"github.com/mboers/dyad/internal/media"
)

// Role binds an attempt to one side of the protocol at creation.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// State is the local attempt state. RINGING and CONNECTING exist only on the
// receiver; CALLING only on the caller.
type State string

const (
	StateCalling    State = "calling"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnded      State = "ended"
	StateMissed     State = "missed"
)

// Terminal reports whether the state can never be left again.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateMissed
}

// Identity is the local user, supplied by the auth collaborator.
type Identity struct {
	ID          string
	DisplayName string
}

// LogEntry carries the writable fields of a conversation log entry, so the
// call package does not import internal/history.
type LogEntry struct {
	AuthorID string
	Kind     string
	Text     string
}

// HistoryWriter is the only surface the call package needs from the
// conversation-log layer. Used exactly once per missed-call outcome.
type HistoryWriter interface {
	AppendLogEntry(conversationID string, e LogEntry) error
}

// RemoteTrack describes an inbound media track surfaced by the engine.
type RemoteTrack struct {
	ID   string
	Kind media.TrackKind
}

// EngineEvents are the callbacks an Engine fires. LocalDescription fires
// exactly once per attempt (the handshake is non-trickle: one full blob).
type EngineEvents struct {
	LocalDescription   func(blob string)
	RemoteTrackArrived func(t RemoteTrack)
	Connected          func()
	Closed             func()
	Error              func(err error)
}

// Engine wraps one peer-to-peer transport session for one attempt.
//
// ApplyRemoteDescription must be invoked exactly once per attempt; the
// apply-once guard lives in the state machine, not in implementations.
// Close must be idempotent.
type Engine interface {
	ApplyRemoteDescription(blob string) error
	SetOutgoingEnabled(kind media.TrackKind, enabled bool) error
	ReplaceOutgoingVideoTrack(t media.Track) error
	Close()
}

// EngineFactory builds one Engine per attempt. local may be nil for a
// receiver whose capture ladder bottomed out.
type EngineFactory func(role Role, local media.Stream, ev EngineEvents) (Engine, error)

// Timeouts groups the attempt timing knobs. Tests shrink them to
// milliseconds; production values come from config.
type Timeouts struct {
	// Ring is how long the caller waits for an answer before the attempt
	// is marked missed.
	Ring time.Duration

	// Freshness is the maximum age of a calling-status record a receiver
	// still surfaces as a live, answerable call.
	Freshness time.Duration

	// MissedGrace delays the cleared event after a missed outcome so the
	// UI can show the result before resetting.
	MissedGrace time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Ring:        30 * time.Second,
		Freshness:   35 * time.Second,
		MissedGrace: 2 * time.Second,
	}
}

// Snapshot is what the UI boundary reads.
type Snapshot struct {
	ConversationID  string `json:"conversation_id"`
	State           State  `json:"state"`
	OtherParty      string `json:"other_party"`
	DurationSeconds int    `json:"duration_seconds"`
	NoMedia         bool   `json:"no_media"`
}

// Event is pushed to UI listeners. Kind "state" carries a state change;
// "cleared" tells the UI to dismiss a finished attempt.
type Event struct {
	Kind string `json:"kind"`
	Snapshot
}

const (
	EventState   = "state"
	EventCleared = "cleared"
)

var (
	ErrCallInProgress = errors.New("call: attempt already in progress for conversation")
	ErrNoAttempt      = errors.New("call: no live attempt for conversation")
	ErrNotRinging     = errors.New("call: attempt is not ringing")
	ErrNotActive      = errors.New("call: attempt is not active")
)
