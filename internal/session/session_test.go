package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionStartsConnected(t *testing.T) {
	id := uuid.New()
	s := New(id)
	assert.Equal(t, id, s.Identity)
	assert.Equal(t, StateConnected, s.State)
	assert.False(t, s.CreatedAt.IsZero())
	assert.Empty(t, s.History)
}

func TestHappyPathTransitions(t *testing.T) {
	s := New(uuid.New())
	path := []State{
		StateGreeting, StateListening, StateProcessing, StateSpeaking,
		StateListening, StateProcessing, StateSpeaking, StateListening,
	}
	for _, st := range path {
		require.NoError(t, s.Transition(st), "to %s", st)
	}
	require.NoError(t, s.Transition(StateTerminated))
}

func TestBargeInTransition(t *testing.T) {
	s := New(uuid.New())
	for _, st := range []State{StateGreeting, StateListening, StateProcessing, StateSpeaking} {
		require.NoError(t, s.Transition(st))
	}
	// A final recognizer result during Speaking preempts straight into Processing.
	require.NoError(t, s.Transition(StateProcessing))
}

func TestTimeoutPath(t *testing.T) {
	s := New(uuid.New())
	for _, st := range []State{StateGreeting, StateListening, StateTimeout, StateListening} {
		require.NoError(t, s.Transition(st))
	}
}

func TestTransferPath(t *testing.T) {
	s := New(uuid.New())
	for _, st := range []State{StateGreeting, StateListening, StateProcessing, StateTransferring} {
		require.NoError(t, s.Transition(st))
	}
	assert.True(t, s.Terminal())
	require.NoError(t, s.Transition(StateTerminated))
}

func TestTransferReachableFromAnyActiveState(t *testing.T) {
	// A call degraded before reaching the normal dialog loop, e.g. by a dead
	// recognizer, still hands over to an operator from wherever it is.
	for _, from := range []State{
		StateConnected, StateGreeting, StateListening, StateProcessing,
		StateSpeaking, StateTimeout,
	} {
		s := New(uuid.New())
		s.State = from
		require.NoError(t, s.Transition(StateTransferring), "from %s", from)
		assert.True(t, s.Terminal())
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	cases := []struct {
		from, to State
	}{
		{StateConnected, StateListening},
		{StateConnected, StateSpeaking},
		{StateGreeting, StateProcessing},
		{StateListening, StateSpeaking},
		{StateTimeout, StateProcessing},
	}
	for _, c := range cases {
		s := New(uuid.New())
		s.State = c.from
		err := s.Transition(c.to)
		var ite *InvalidTransitionError
		require.ErrorAs(t, err, &ite, "%s -> %s", c.from, c.to)
		assert.Equal(t, c.from, s.State, "state must not move on a rejected transition")
	}
}

func TestTerminatedIsAbsorbing(t *testing.T) {
	s := New(uuid.New())
	require.NoError(t, s.Transition(StateTerminated))
	for _, to := range []State{
		StateConnected, StateGreeting, StateListening, StateProcessing,
		StateSpeaking, StateTimeout, StateTransferring, StateTerminated,
	} {
		var ite *InvalidTransitionError
		require.ErrorAs(t, s.Transition(to), &ite, "terminated -> %s", to)
	}
}

func TestAnyStateCanTerminate(t *testing.T) {
	for _, from := range []State{
		StateConnected, StateGreeting, StateListening, StateProcessing,
		StateSpeaking, StateTimeout, StateTransferring,
	} {
		s := New(uuid.New())
		s.State = from
		require.NoError(t, s.Transition(StateTerminated), "from %s", from)
	}
}

func TestAppendAndWindow(t *testing.T) {
	s := New(uuid.New())
	for i := 0; i < 10; i++ {
		sp := SpeakerCaller
		if i%2 == 1 {
			sp = SpeakerBot
		}
		s.Append(Turn{Speaker: sp, Text: "turn", At: time.Now().UTC()})
	}
	require.Len(t, s.History, 10)

	w := s.Window(4)
	require.Len(t, w, 4)
	assert.Equal(t, s.History[6:], w)

	assert.Len(t, s.Window(0), 10)
	assert.Len(t, s.Window(100), 10)
}

func TestHistoryOrderPreserved(t *testing.T) {
	s := New(uuid.New())
	texts := []string{"hello", "hi there", "check order status", "your order shipped"}
	for _, txt := range texts {
		s.Append(Turn{Speaker: SpeakerCaller, Text: txt})
	}
	for i, turn := range s.History {
		assert.Equal(t, texts[i], turn.Text)
	}
}
