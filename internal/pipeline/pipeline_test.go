package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/voxgate-dev/voxgate/internal/agent"
	"github.com/voxgate-dev/voxgate/internal/calllog"
	"github.com/voxgate-dev/voxgate/internal/session"
	"github.com/voxgate-dev/voxgate/internal/speech"
	"github.com/voxgate-dev/voxgate/internal/tools"
	"github.com/voxgate-dev/voxgate/internal/wire"
)

// fakeConn drives the pipeline without a TCP socket.
type fakeConn struct {
	id     uuid.UUID
	frames chan *wire.Frame
	done   chan struct{}

	mu        sync.Mutex
	out       []*wire.Frame
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		id:     uuid.New(),
		frames: make(chan *wire.Frame, 64),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) Identity() uuid.UUID        { return c.id }
func (c *fakeConn) Frames() <-chan *wire.Frame { return c.frames }
func (c *fakeConn) Done() <-chan struct{}      { return c.done }
func (c *fakeConn) Err() error                 { return nil }

func (c *fakeConn) WriteFrame(ctx context.Context, f *wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *fakeConn) outCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.out)
}

// fakeRecognizer lets tests inject recognizer results directly.
type fakeRecognizer struct {
	results chan speech.Result

	mu    sync.Mutex
	audio int
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{results: make(chan speech.Result, 16)}
}

func (r *fakeRecognizer) WriteAudio(ctx context.Context, pcm []byte) error {
	r.mu.Lock()
	r.audio++
	r.mu.Unlock()
	return nil
}

func (r *fakeRecognizer) Results() <-chan speech.Result { return r.results }
func (r *fakeRecognizer) Close() error                  { return nil }

func (r *fakeRecognizer) final(text string) {
	r.results <- speech.Result{Text: text, Confidence: 0.95, Final: true}
}

// fakeSynth streams canned chunks, optionally slowly so a test can barge in.
type fakeSynth struct {
	chunks     int
	chunkDelay time.Duration
	slowTexts  map[string]bool

	mu    sync.Mutex
	texts []string
}

func (s *fakeSynth) Synthesize(ctx context.Context, text, voice string) (<-chan []byte, <-chan error) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()

	chunks := make(chan []byte, 1)
	errs := make(chan error, 1)
	n := 2
	var delay time.Duration
	if s.slowTexts[text] {
		n = s.chunks
		delay = s.chunkDelay
	}
	go func() {
		defer close(chunks)
		defer close(errs)
		for i := 0; i < n; i++ {
			if delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			select {
			case chunks <- []byte("pcm"):
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, errs
}

func (s *fakeSynth) spoke(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.texts {
		if t == text {
			return true
		}
	}
	return false
}

// scriptedAgent plays back a queue of results or errors, one per round-trip.
type scriptedAgent struct {
	mu      sync.Mutex
	script  []agent.Result
	errs    []error
	supplied int
}

func (a *scriptedAgent) next() (agent.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(a.script) == 0 {
		return agent.TextReply{Text: "anything else?"}, nil
	}
	r := a.script[0]
	a.script = a.script[1:]
	return r, nil
}

func (a *scriptedAgent) Respond(ctx context.Context, history []session.Turn) (agent.Result, error) {
	return a.next()
}

func (a *scriptedAgent) SupplyToolResult(ctx context.Context, req agent.ToolRequest, result json.RawMessage) (agent.Result, error) {
	a.mu.Lock()
	a.supplied++
	a.mu.Unlock()
	return a.next()
}

// fakeInvoker resolves tool calls in-process.
type fakeInvoker struct {
	err error

	mu    sync.Mutex
	calls int
}

func (f *fakeInvoker) Invoke(ctx context.Context, name string, args json.RawMessage) (*tools.Invocation, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return &tools.Invocation{Name: name, Args: args, Err: f.err.Error()}, f.err
	}
	return &tools.Invocation{Name: name, Args: args, Result: json.RawMessage(`{"ok":true}`)}, nil
}

func (f *fakeInvoker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSwitch records transfers.
type fakeSwitch struct {
	mu        sync.Mutex
	redirects []string
}

func (s *fakeSwitch) CallerNumber(ctx context.Context, id uuid.UUID) (string, error) {
	return "+4930123456", nil
}

func (s *fakeSwitch) Redirect(ctx context.Context, id uuid.UUID, queue, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirects = append(s.redirects, reason)
	return nil
}

func (s *fakeSwitch) redirected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.redirects)
}

// recordingSink captures call log events in memory.
type recordingSink struct {
	mu     sync.Mutex
	events []calllog.Event
}

func (s *recordingSink) Log(ev calllog.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) byKind(kind calllog.EventKind) []calllog.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []calllog.Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSink) botSaid(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Kind == calllog.EventUtterance && ev.Speaker == "bot" && ev.Text == text {
			return true
		}
	}
	return false
}

type harness struct {
	conn   *fakeConn
	rec    *fakeRecognizer
	synth  *fakeSynth
	agent  *scriptedAgent
	tools  *fakeInvoker
	sw     *fakeSwitch
	sink   *recordingSink
	store  *session.RedisStore
	mr     *miniredis.Miniredis
	doneCh chan struct{}
}

func newHarness(t *testing.T, cfg Config, opts ...func(*Deps)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := session.NewRedisStoreFromClient(client, "", 0)
	t.Cleanup(func() {
		_ = store.Close()
	})

	h := &harness{
		conn:   newFakeConn(),
		rec:    newFakeRecognizer(),
		synth:  &fakeSynth{chunks: 200, chunkDelay: 5 * time.Millisecond, slowTexts: map[string]bool{}},
		agent:  &scriptedAgent{},
		tools:  &fakeInvoker{},
		sw:     &fakeSwitch{},
		sink:   &recordingSink{},
		store:  store,
		mr:     mr,
		doneCh: make(chan struct{}),
	}

	deps := Deps{
		Store: store,
		NewRecognizer: func(ctx context.Context) (speech.Recognizer, error) {
			return h.rec, nil
		},
		NewAgent:    func() Agent { return h.agent },
		Synthesizer: h.synth,
		Tools:       h.tools,
		Switch:      h.sw,
		Log:         h.sink,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	p := New(cfg, deps)

	go func() {
		defer close(h.doneCh)
		p.Run(context.Background(), h.conn)
	}()
	return h
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("call never finished")
	}
}

func testConfig() Config {
	return Config{
		SilenceTimeout: time.Second,
		Prompts: Prompts{
			Greeting: "greeting",
			CheckIn:  "check-in",
			Apology:  "apology",
			Fallback: "fallback",
			Goodbye:  "goodbye",
		},
	}
}

func TestGreetingThenHangup(t *testing.T) {
	h := newHarness(t, testConfig())

	// The greeting plays without any caller speech.
	require.Eventually(t, func() bool {
		return h.synth.spoke("greeting") && h.conn.outCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		h.conn.frames <- &wire.Frame{Kind: wire.KindAudio, Payload: []byte{0, 0}}
	}
	require.Eventually(t, func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return h.rec.audio == 5
	}, 2*time.Second, 5*time.Millisecond, "every audio frame reaches the recognizer")

	_ = h.conn.Close() // hangup
	h.waitDone(t)

	assert.Empty(t, h.sink.byKind(calllog.EventToolCall), "no tool calls for a greeting-only call")
	assert.Zero(t, h.sw.redirected())

	states := h.sink.byKind(calllog.EventState)
	require.NotEmpty(t, states)
	assert.Equal(t, string(session.StateGreeting), states[0].Text)
	assert.Contains(t, states[len(states)-1].Text, string(session.StateTerminated))

	assert.Empty(t, h.mr.Keys(), "store entry deleted on termination")
}

func TestBargeInDiscardsInterruptedReply(t *testing.T) {
	h := newHarness(t, testConfig())
	h.synth.slowTexts["long reply that keeps playing"] = true
	h.agent.script = []agent.Result{
		agent.TextReply{Text: "long reply that keeps playing"},
		agent.TextReply{Text: "short answer"},
	}

	require.Eventually(t, func() bool { return h.synth.spoke("greeting") }, 2*time.Second, 5*time.Millisecond)

	h.rec.final("first question")
	require.Eventually(t, func() bool {
		return h.synth.spoke("long reply that keeps playing")
	}, 2*time.Second, 5*time.Millisecond)

	// Caller speaks over the reply.
	h.rec.final("actually, something else")
	require.Eventually(t, func() bool {
		return h.sink.botSaid("short answer")
	}, 3*time.Second, 5*time.Millisecond)

	// The interrupted reply was cancelled: no further chunks after the new
	// turn's reply finished.
	n := h.conn.outCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, h.conn.outCount(), "interrupted synthesis kept writing")

	assert.False(t, h.sink.botSaid("long reply that keeps playing"),
		"discarded reply must not enter history")

	_ = h.conn.Close()
	h.waitDone(t)
}

func TestCircuitOpenSpeaksFallbackThenTransfersOnRepeat(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tools.err = &tools.CircuitOpenError{Dependency: "catalog"}
	h.agent.script = []agent.Result{
		agent.ToolRequest{ID: "t1", Name: "check_order_status", Arguments: json.RawMessage(`{}`)},
		agent.ToolRequest{ID: "t2", Name: "check_order_status", Arguments: json.RawMessage(`{}`)},
	}

	require.Eventually(t, func() bool { return h.synth.spoke("greeting") }, 2*time.Second, 5*time.Millisecond)

	h.rec.final("where is my order?")
	require.Eventually(t, func() bool { return h.synth.spoke("fallback") }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.sw.redirected(), "first circuit open stays in the dialog")

	h.rec.final("try again please")
	h.waitDone(t)
	assert.Equal(t, 1, h.sw.redirected(), "second circuit open forces a transfer")
}

func TestToolLoopCapForcesTransfer(t *testing.T) {
	cfg := testConfig()
	cfg.MaxToolCalls = 3
	h := newHarness(t, cfg)
	h.agent.script = []agent.Result{
		agent.ToolRequest{ID: "t1", Name: "check_order_status"},
		agent.ToolRequest{ID: "t2", Name: "check_order_status"},
		agent.ToolRequest{ID: "t3", Name: "check_order_status"},
		agent.ToolRequest{ID: "t4", Name: "check_order_status"},
	}

	require.Eventually(t, func() bool { return h.synth.spoke("greeting") }, 2*time.Second, 5*time.Millisecond)
	h.rec.final("do everything at once")
	h.waitDone(t)

	assert.Equal(t, 3, h.tools.count(), "invocations stop at the cap")
	assert.Equal(t, 1, h.sw.redirected())
}

func TestTransferToolRedirectsCall(t *testing.T) {
	h := newHarness(t, testConfig())
	h.agent.script = []agent.Result{
		agent.ToolRequest{ID: "t1", Name: tools.TransferTool},
	}

	require.Eventually(t, func() bool { return h.synth.spoke("greeting") }, 2*time.Second, 5*time.Millisecond)
	h.rec.final("let me talk to a human")
	h.waitDone(t)

	assert.Equal(t, 1, h.sw.redirected())
	assert.Zero(t, h.tools.count(), "transfer is resolved locally, not downstream")
}

func TestAgentUnavailableApologizesAndTransfers(t *testing.T) {
	h := newHarness(t, testConfig())
	h.agent.errs = []error{agent.ErrAgentUnavailable}

	require.Eventually(t, func() bool { return h.synth.spoke("greeting") }, 2*time.Second, 5*time.Millisecond)
	h.rec.final("hello?")
	h.waitDone(t)

	assert.True(t, h.synth.spoke("apology"))
	assert.Equal(t, 1, h.sw.redirected())
}

func TestRecognizerUnavailableTransfersCall(t *testing.T) {
	h := newHarness(t, testConfig(), func(d *Deps) {
		d.NewRecognizer = func(ctx context.Context) (speech.Recognizer, error) {
			return nil, speech.ErrRecognizerUnavailable
		}
	})
	h.waitDone(t)

	assert.True(t, h.synth.spoke("apology"))
	assert.Equal(t, 1, h.sw.redirected())

	// The dialog loop never ran, yet the session still records the handover.
	var sawTransfer bool
	for _, ev := range h.sink.byKind(calllog.EventState) {
		if ev.Text == string(session.StateTransferring) {
			sawTransfer = true
		}
	}
	assert.True(t, sawTransfer, "transfer recorded from the connected state")
}

func TestSilenceDuringReplyCutsOffSynthesis(t *testing.T) {
	cfg := testConfig()
	cfg.SilenceTimeout = 200 * time.Millisecond
	h := newHarness(t, cfg)
	h.synth.slowTexts["a reply that goes on and on."] = true
	h.agent.script = []agent.Result{
		agent.TextReply{Text: "a reply that goes on and on."},
	}

	require.Eventually(t, func() bool { return h.synth.spoke("greeting") }, 2*time.Second, 5*time.Millisecond)

	h.rec.final("tell me everything")
	require.Eventually(t, func() bool {
		return h.synth.spoke("a reply that goes on and on.")
	}, 2*time.Second, 5*time.Millisecond)

	// The caller stays quiet through the whole reply, so the silence window
	// expires mid-speech: the reply is cut off in favour of a check-in.
	require.Eventually(t, func() bool { return h.synth.spoke("check-in") }, 2*time.Second, 5*time.Millisecond)

	h.waitDone(t)
	assert.True(t, h.synth.spoke("goodbye"))
	assert.False(t, h.sink.botSaid("a reply that goes on and on."),
		"a cut-off reply must not enter history")

	var sawTimeout bool
	for _, ev := range h.sink.byKind(calllog.EventState) {
		if ev.Text == string(session.StateTimeout) {
			sawTimeout = true
		}
	}
	assert.True(t, sawTimeout)
}

func TestTurnsAndToolCallsEmitSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	h := newHarness(t, testConfig())
	h.agent.script = []agent.Result{
		agent.ToolRequest{ID: "t1", Name: "check_order_status", Arguments: json.RawMessage(`{}`)},
		agent.TextReply{Text: "it shipped yesterday"},
	}

	require.Eventually(t, func() bool { return h.synth.spoke("greeting") }, 2*time.Second, 5*time.Millisecond)
	h.rec.final("where is my order?")
	require.Eventually(t, func() bool {
		return h.sink.botSaid("it shipped yesterday")
	}, 3*time.Second, 5*time.Millisecond)
	_ = h.conn.Close()
	h.waitDone(t)

	// The turn span ends on the turn goroutine; give it a moment to land.
	require.Eventually(t, func() bool {
		names := map[string]bool{}
		for _, s := range sr.Ended() {
			names[s.Name()] = true
		}
		return names["dialog.turn"] && names["tool.invoke"]
	}, 2*time.Second, 10*time.Millisecond)

	for _, s := range sr.Ended() {
		if s.Name() == "tool.invoke" {
			assert.Contains(t, s.Attributes(), attribute.String("tool.name", "check_order_status"))
		}
	}
}

func TestSilenceTimeoutChecksInThenHangsUp(t *testing.T) {
	cfg := testConfig()
	cfg.SilenceTimeout = 150 * time.Millisecond
	h := newHarness(t, cfg)

	require.Eventually(t, func() bool { return h.synth.spoke("check-in") }, 2*time.Second, 5*time.Millisecond)
	h.waitDone(t)

	assert.True(t, h.synth.spoke("goodbye"))
	assert.Zero(t, h.sw.redirected())
}

func TestCallerSpeechResetsTimeoutStrikes(t *testing.T) {
	cfg := testConfig()
	cfg.SilenceTimeout = 200 * time.Millisecond
	h := newHarness(t, cfg)
	h.agent.script = []agent.Result{agent.TextReply{Text: "reply"}}

	require.Eventually(t, func() bool { return h.synth.spoke("check-in") }, 2*time.Second, 5*time.Millisecond)

	// Speech after the first check-in starts the strike count over.
	h.rec.final("still here")
	require.Eventually(t, func() bool { return h.sink.botSaid("reply") }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		h.synth.mu.Lock()
		defer h.synth.mu.Unlock()
		n := 0
		for _, txt := range h.synth.texts {
			if txt == "check-in" {
				n++
			}
		}
		return n >= 2
	}, 2*time.Second, 5*time.Millisecond, "a fresh silence window gets a fresh check-in")

	h.waitDone(t)
	assert.True(t, h.synth.spoke("goodbye"))
}
