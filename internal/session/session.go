// Package session holds the per-call state machine and its persistence.
// A Session is owned by exactly one call's pipeline goroutine; the store is
// the only cross-process view of it.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a call's position in the dialog state machine.
type State string

const (
	// StateConnected means the identity frame has been accepted.
	StateConnected State = "connected"
	// StateGreeting means the opening prompt is being played.
	StateGreeting State = "greeting"
	// StateListening means the pipeline is waiting for caller speech.
	StateListening State = "listening"
	// StateProcessing means an agent turn is in flight.
	StateProcessing State = "processing"
	// StateSpeaking means synthesized audio is being written out.
	StateSpeaking State = "speaking"
	// StateTimeout means the silence check-in prompt is being played.
	StateTimeout State = "timeout"
	// StateTransferring means the call is being redirected to an operator.
	StateTransferring State = "transferring"
	// StateTerminated is terminal; no transition ever leaves it.
	StateTerminated State = "terminated"
)

// transitions lists the dialog's ordinary state changes. Any non-terminated
// state may additionally move to StateTerminated (hangup, error, disconnect)
// or StateTransferring (a degraded call is handed to an operator from
// wherever it happens to be).
var transitions = map[State][]State{
	StateConnected:  {StateGreeting},
	StateGreeting:   {StateListening},
	StateListening:  {StateProcessing, StateTimeout},
	StateProcessing: {StateSpeaking, StateTransferring, StateListening},
	StateSpeaking:   {StateListening, StateProcessing, StateTimeout},
	StateTimeout:    {StateListening},
	StateTransferring: nil,
	StateTerminated:   nil,
}

// InvalidTransitionError reports an attempted illegal state change.
type InvalidTransitionError struct {
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session: invalid transition %s -> %s", e.From, e.To)
}

// Speaker tags a dialog turn's originator.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerBot    Speaker = "bot"
)

// Turn is one utterance in the dialog history.
type Turn struct {
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence,omitempty"`
	Language   string    `json:"language,omitempty"`
	At         time.Time `json:"at"`
}

// Session is the state of one active phone call. All mutation happens on the
// owning call's goroutine; the struct itself carries no locking.
type Session struct {
	Identity       uuid.UUID `json:"identity"`
	CallerNumber   string    `json:"caller_number,omitempty"`
	State          State     `json:"state"`
	History        []Turn    `json:"history"`
	TimeoutStrikes int       `json:"timeout_strikes"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
}

// New creates a session in StateConnected for a freshly handshaken call.
func New(identity uuid.UUID) *Session {
	now := time.Now().UTC()
	return &Session{
		Identity:     identity,
		State:        StateConnected,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Transition moves the session to a new state, validating the edge against
// the state machine. StateTerminated and StateTransferring are reachable from
// every non-terminated state; StateTerminated is absorbing: once terminated,
// every further transition fails.
func (s *Session) Transition(to State) error {
	if s.State == StateTerminated {
		return &InvalidTransitionError{From: s.State, To: to}
	}
	if to != StateTerminated && to != StateTransferring && !legal(s.State, to) {
		return &InvalidTransitionError{From: s.State, To: to}
	}
	s.State = to
	s.LastActivity = time.Now().UTC()
	return nil
}

func legal(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the session has reached an absorbing state.
func (s *Session) Terminal() bool {
	return s.State == StateTerminated || s.State == StateTransferring
}

// Append adds a turn to the dialog history. History is append-only; a
// barge-in discards a reply by never appending it.
func (s *Session) Append(t Turn) {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	s.History = append(s.History, t)
	s.LastActivity = time.Now().UTC()
}

// Window returns the most recent n turns for the agent's context.
func (s *Session) Window(n int) []Turn {
	if n <= 0 || n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}
