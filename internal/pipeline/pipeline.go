// Package pipeline runs the per-call orchestration loop: audio in, recognizer
// results, agent turns, synthesized audio out. One goroutine owns each call's
// session; everything the loop waits on arrives through channels.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/voxgate-dev/voxgate/internal/agent"
	"github.com/voxgate-dev/voxgate/internal/calllog"
	"github.com/voxgate-dev/voxgate/internal/session"
	"github.com/voxgate-dev/voxgate/internal/speech"
	"github.com/voxgate-dev/voxgate/internal/tools"
	"github.com/voxgate-dev/voxgate/internal/tracing"
	"github.com/voxgate-dev/voxgate/internal/wire"
	"github.com/voxgate-dev/voxgate/pkg/observability"
)

// CallConn is the slice of the wire connection the pipeline drives. Real
// calls pass *wire.Conn; scenario tests pass a fake.
type CallConn interface {
	Identity() uuid.UUID
	Frames() <-chan *wire.Frame
	Done() <-chan struct{}
	Err() error
	WriteFrame(ctx context.Context, f *wire.Frame) error
	Close() error
}

var _ CallConn = (*wire.Conn)(nil)

// Agent is one call's conversational model adapter.
type Agent interface {
	Respond(ctx context.Context, history []session.Turn) (agent.Result, error)
	SupplyToolResult(ctx context.Context, req agent.ToolRequest, result json.RawMessage) (agent.Result, error)
}

// ToolInvoker resolves agent tool requests downstream.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (*tools.Invocation, error)
}

// SwitchControl is the telephony switch's control surface.
type SwitchControl interface {
	CallerNumber(ctx context.Context, identity uuid.UUID) (string, error)
	Redirect(ctx context.Context, identity uuid.UUID, queue, reason string) error
}

// EventSink receives call log events. *calllog.Logger satisfies it.
type EventSink interface {
	Log(ev calllog.Event)
}

// Prompts are the canned phrases spoken outside agent turns.
type Prompts struct {
	Greeting string
	CheckIn  string
	Apology  string
	Fallback string
	Goodbye  string
}

// Config holds pipeline tuning.
type Config struct {
	// SilenceTimeout is how long the caller may stay quiet before a check-in.
	SilenceTimeout time.Duration
	// MaxToolCalls caps chained tool calls within one agent turn.
	MaxToolCalls int
	// Voice is the synthesizer voice id.
	Voice string
	// OperatorQueue is where transfers land.
	OperatorQueue string
	Prompts       Prompts
}

func (c *Config) applyDefaults() {
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 10 * time.Second
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = 5
	}
	if c.OperatorQueue == "" {
		c.OperatorQueue = "operators"
	}
}

// Deps are the pipeline's collaborators. Store, Synthesizer, Tools, Switch
// and Log are shared across calls; NewRecognizer and NewAgent mint per-call
// instances.
type Deps struct {
	Store         session.Store
	NewRecognizer func(ctx context.Context) (speech.Recognizer, error)
	NewAgent      func() Agent
	Synthesizer   speech.Synthesizer
	Tools         ToolInvoker
	Switch        SwitchControl
	Log           EventSink
}

// Pipeline handles calls handed over by the transport listener.
type Pipeline struct {
	cfg  Config
	deps Deps
}

// New creates a pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{cfg: cfg, deps: deps}
}

// HandleCall implements wire.Handler.
func (p *Pipeline) HandleCall(ctx context.Context, conn *wire.Conn) {
	p.Run(ctx, conn)
}

// Run drives one call to completion.
func (p *Pipeline) Run(ctx context.Context, conn CallConn) {
	start := time.Now()
	observability.RecordCallStarted()

	ctx, span := tracing.StartSpan(ctx, "call.handle",
		attribute.String("call.id", conn.Identity().String()))
	defer span.End()

	c := &call{
		cfg:  p.cfg,
		deps: p.deps,
		conn: conn,
		sess: session.New(conn.Identity()),
	}
	outcome := c.run(ctx)
	span.SetAttributes(attribute.String("call.outcome", outcome))
	observability.RecordCallEnded(outcome, time.Since(start))
}

// call is the per-call loop state. Only the loop goroutine touches it.
type call struct {
	cfg  Config
	deps Deps
	conn CallConn
	sess *session.Session

	agent    Agent
	rec      speech.Recognizer
	degraded bool

	// circuitOpens counts circuit-open fallbacks within this call; a repeat
	// forces a transfer instead of another fallback phrase.
	circuitOpens int
}

func (c *call) run(ctx context.Context) (outcome string) {
	// The call context dies with the connection, whichever side hangs up.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.conn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	defer func() {
		c.terminate(outcome)
	}()

	c.agent = c.deps.NewAgent()
	c.save(ctx)

	if number, err := c.deps.Switch.CallerNumber(ctx, c.sess.Identity); err != nil {
		log.Printf("pipeline %s: caller lookup failed: %v", c.sess.Identity, err)
	} else {
		c.sess.CallerNumber = number
	}

	rec, err := c.startRecognizer(ctx)
	if err != nil {
		log.Printf("pipeline %s: recognizer unavailable: %v", c.sess.Identity, err)
		c.speak(ctx, c.cfg.Prompts.Apology)
		return c.transfer(ctx, "recognizer unavailable")
	}
	c.rec = rec
	defer func() {
		_ = rec.Close()
	}()

	// Inbound audio flows into the recognizer for the whole call, whatever
	// the dialog state. Barge-in detection depends on it.
	activity := make(chan struct{}, 1)
	go c.forwardAudio(ctx, activity)

	c.setState(ctx, session.StateGreeting)
	c.speak(ctx, c.cfg.Prompts.Greeting)
	if ctx.Err() != nil {
		return "hangup"
	}
	c.setState(ctx, session.StateListening)

	silence := time.NewTimer(c.cfg.SilenceTimeout)
	defer silence.Stop()

	// turnEvents is the in-flight agent turn's channel; nil when idle. A
	// barge-in replaces it, so stale events from a cancelled turn are never
	// observed.
	var turnEvents chan turnEvent
	var turnCancel context.CancelFunc
	defer func() {
		if turnCancel != nil {
			turnCancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if c.conn.Err() != nil {
				return "error"
			}
			return "hangup"

		case <-activity:
			resetTimer(silence, c.cfg.SilenceTimeout)

		case res, ok := <-c.rec.Results():
			if !ok {
				c.speak(ctx, c.cfg.Prompts.Apology)
				return c.transfer(ctx, "recognizer stream lost")
			}
			resetTimer(silence, c.cfg.SilenceTimeout)
			if !res.Final {
				continue
			}
			c.sess.TimeoutStrikes = 0

			// A final utterance preempts any in-flight turn. When the old
			// turn was already speaking this is a barge-in; either way its
			// remaining output is discarded, never queued.
			if turnCancel != nil {
				turnCancel()
				turnCancel, turnEvents = nil, nil
				if c.sess.State == session.StateSpeaking {
					observability.RecordBargeIn()
					c.setState(ctx, session.StateProcessing)
				}
			} else {
				c.setState(ctx, session.StateProcessing)
			}

			c.appendTurn(ctx, session.Turn{
				Speaker:    session.SpeakerCaller,
				Text:       res.Text,
				Confidence: res.Confidence,
				Language:   res.Language,
			})

			turnCtx, cancelTurn := context.WithCancel(ctx)
			turnCancel = cancelTurn
			turnEvents = make(chan turnEvent, 8)
			history := append([]session.Turn(nil), c.sess.History...)
			go c.runTurn(turnCtx, history, turnEvents)

		case ev := <-turnEvents:
			switch ev.kind {
			case evSpeaking:
				c.setState(ctx, session.StateSpeaking)

			case evDone:
				turnCancel, turnEvents = nil, nil
				if ev.completed {
					c.appendTurn(ctx, session.Turn{Speaker: session.SpeakerBot, Text: ev.text})
				}
				if c.sess.State != session.StateListening {
					c.setState(ctx, session.StateListening)
				}
				resetTimer(silence, c.cfg.SilenceTimeout)

			case evTransfer:
				turnCancel()
				turnCancel, turnEvents = nil, nil
				return c.transfer(ctx, ev.reason)

			case evError:
				turnCancel()
				turnCancel, turnEvents = nil, nil
				if out, handled := c.handleTurnError(ctx, ev.err, silence); handled {
					return out
				}
			}

		case <-silence.C:
			switch c.sess.State {
			case session.StateListening:
			case session.StateSpeaking:
				// The caller has been quiet through the entire reply; stop
				// talking into dead air and check in instead.
				if turnCancel != nil {
					turnCancel()
					turnCancel, turnEvents = nil, nil
				}
			default:
				resetTimer(silence, c.cfg.SilenceTimeout)
				continue
			}
			c.sess.TimeoutStrikes++
			if c.sess.TimeoutStrikes >= 2 {
				c.speak(ctx, c.cfg.Prompts.Goodbye)
				return "timeout"
			}
			c.setState(ctx, session.StateTimeout)
			c.speak(ctx, c.cfg.Prompts.CheckIn)
			if ctx.Err() != nil {
				return "hangup"
			}
			c.setState(ctx, session.StateListening)
			resetTimer(silence, c.cfg.SilenceTimeout)
		}
	}
}

// handleTurnError maps a failed agent turn onto the caller-visible policy:
// apology, fallback phrase, or transfer. The second return is true when the
// call is over and run must exit with the first value.
func (c *call) handleTurnError(ctx context.Context, err error, silence *time.Timer) (string, bool) {
	if ctx.Err() != nil {
		return "hangup", true
	}
	if errors.Is(err, context.Canceled) {
		c.setState(ctx, session.StateListening)
		resetTimer(silence, c.cfg.SilenceTimeout)
		return "", false
	}

	var open *tools.CircuitOpenError
	if errors.As(err, &open) {
		c.circuitOpens++
		if c.circuitOpens > 1 {
			c.speak(ctx, c.cfg.Prompts.Apology)
			return c.transfer(ctx, "circuit open twice"), true
		}
		c.setState(ctx, session.StateSpeaking)
		c.speak(ctx, c.cfg.Prompts.Fallback)
		c.setState(ctx, session.StateListening)
		resetTimer(silence, c.cfg.SilenceTimeout)
		return "", false
	}

	log.Printf("pipeline %s: turn failed: %v", c.sess.Identity, err)
	c.speak(ctx, c.cfg.Prompts.Apology)
	return c.transfer(ctx, "agent unavailable"), true
}

// startRecognizer opens the recognizer stream, retrying once.
func (c *call) startRecognizer(ctx context.Context) (speech.Recognizer, error) {
	rec, err := c.deps.NewRecognizer(ctx)
	if err == nil {
		return rec, nil
	}
	return c.deps.NewRecognizer(ctx)
}

// forwardAudio pumps inbound audio frames into the recognizer until the
// connection dies. Every audio frame also pokes the silence timer.
func (c *call) forwardAudio(ctx context.Context, activity chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-c.conn.Frames():
			if !ok {
				return
			}
			observability.RecordFrame("in", f.Kind.String())
			if f.Kind != wire.KindAudio {
				continue
			}
			if err := c.rec.WriteAudio(ctx, f.Payload); err != nil {
				log.Printf("pipeline %s: recognizer write: %v", c.sess.Identity, err)
			}
			select {
			case activity <- struct{}{}:
			default:
			}
		}
	}
}

type turnEventKind int

const (
	evSpeaking turnEventKind = iota
	evDone
	evTransfer
	evError
)

type turnEvent struct {
	kind      turnEventKind
	text      string
	completed bool
	reason    string
	err       error
}

// runTurn drives one agent turn off the loop goroutine: model round-trips,
// the bounded tool-call loop, and synthesis of the final reply. It never
// mutates the session; state changes travel back as events.
func (c *call) runTurn(ctx context.Context, history []session.Turn, events chan<- turnEvent) {
	ctx, span := tracing.StartSpan(ctx, "dialog.turn",
		attribute.String("call.id", c.sess.Identity.String()),
		attribute.Int("history.turns", len(history)))
	defer span.End()
	started := time.Now()

	res, err := c.agent.Respond(ctx, history)
	calls := 0
	for {
		if err != nil {
			tracing.RecordError(ctx, err)
			events <- turnEvent{kind: evError, err: err}
			return
		}

		switch r := res.(type) {
		case agent.TextReply:
			events <- turnEvent{kind: evSpeaking, text: r.Text}
			completed, firstAudio := c.speakReply(ctx, r.Text)
			if completed {
				observability.RecordTurn(firstAudio.Sub(started))
			}
			events <- turnEvent{kind: evDone, text: r.Text, completed: completed}
			return

		case agent.ToolRequest:
			if r.Name == tools.TransferTool {
				events <- turnEvent{kind: evTransfer, reason: "caller asked for an operator"}
				return
			}
			calls++
			if calls > c.cfg.MaxToolCalls {
				events <- turnEvent{kind: evTransfer, reason: "tool call budget exhausted"}
				return
			}

			toolCtx, toolSpan := tracing.StartSpan(ctx, "tool.invoke",
				attribute.String("tool.name", r.Name))
			inv, invErr := c.deps.Tools.Invoke(toolCtx, r.Name, r.Arguments)
			if invErr != nil {
				tracing.RecordError(toolCtx, invErr)
			}
			toolSpan.End()
			c.logInvocation(inv)

			var open *tools.CircuitOpenError
			if errors.As(invErr, &open) {
				events <- turnEvent{kind: evError, err: invErr}
				return
			}

			// A plain tool failure goes back to the model as an error
			// descriptor; it decides what to tell the caller.
			payload := json.RawMessage(`{}`)
			if invErr != nil {
				msg, _ := json.Marshal(map[string]string{"error": invErr.Error()})
				payload = msg
			} else if inv != nil && len(inv.Result) > 0 {
				payload = inv.Result
			}
			res, err = c.agent.SupplyToolResult(ctx, r, payload)

		default:
			err := fmt.Errorf("pipeline: unexpected agent result %T", res)
			tracing.RecordError(ctx, err)
			events <- turnEvent{kind: evError, err: err}
			return
		}
	}
}

func (c *call) logInvocation(inv *tools.Invocation) {
	if inv == nil {
		return
	}
	status := "ok"
	if inv.Err != "" {
		status = "error"
	}
	observability.RecordToolCall(inv.Name, status, inv.Duration)
	c.deps.Log.Log(calllog.Event{
		CallID:   c.sess.Identity.String(),
		Kind:     calllog.EventToolCall,
		Tool:     inv.Name,
		Args:     inv.Args,
		Result:   inv.Result,
		Error:    inv.Err,
		Duration: inv.Duration,
	})
}

// speakReply synthesizes an agent reply sentence by sentence, so the first
// audio goes out before the whole reply is rendered and a barge-in cancels
// at a sentence boundary. A synthesis failure gets one retry with the cached
// fallback phrase. Returns whether audio was delivered uninterrupted and
// when the first chunk went out.
func (c *call) speakReply(ctx context.Context, text string) (bool, time.Time) {
	var firstAudio time.Time
	for _, sentence := range speech.SplitSentences(text) {
		completed, fa, err := c.stream(ctx, sentence)
		if firstAudio.IsZero() {
			firstAudio = fa
		}
		if err != nil {
			var synthErr *speech.SynthesisError
			if !errors.As(err, &synthErr) || ctx.Err() != nil {
				return false, firstAudio
			}
			log.Printf("pipeline %s: synthesis failed, speaking fallback: %v", c.sess.Identity, err)
			completed, fa, err = c.stream(ctx, c.cfg.Prompts.Fallback)
			if firstAudio.IsZero() {
				firstAudio = fa
			}
			if err != nil || !completed {
				// Silent skip: the dialog continues without this reply.
				return false, firstAudio
			}
			// The fallback phrase stands in for the rest of the reply.
			return true, firstAudio
		}
		if !completed {
			return false, firstAudio
		}
	}
	return !firstAudio.IsZero(), firstAudio
}

// speak plays a canned phrase, ignoring failures beyond logging them. Used
// for the greeting, check-in, apology and goodbye.
func (c *call) speak(ctx context.Context, text string) {
	if _, _, err := c.stream(ctx, text); err != nil && ctx.Err() == nil {
		log.Printf("pipeline %s: prompt synthesis failed: %v", c.sess.Identity, err)
	}
}

// stream synthesizes text and writes the audio out frame by frame. A
// cancelled ctx stops the stream mid-way without error.
func (c *call) stream(ctx context.Context, text string) (completed bool, firstAudio time.Time, err error) {
	chunks, errs := c.deps.Synthesizer.Synthesize(ctx, text, c.cfg.Voice)
	for chunk := range chunks {
		if firstAudio.IsZero() {
			firstAudio = time.Now()
		}
		f := &wire.Frame{Kind: wire.KindAudio, Payload: chunk}
		if werr := c.conn.WriteFrame(ctx, f); werr != nil {
			if errors.Is(werr, net.ErrClosed) || ctx.Err() != nil {
				return false, firstAudio, nil
			}
			return false, firstAudio, werr
		}
		observability.RecordFrame("out", wire.KindAudio.String())
	}
	if serr := <-errs; serr != nil {
		return false, firstAudio, serr
	}
	return ctx.Err() == nil, firstAudio, nil
}

// transfer redirects the call to the operator queue and reports the outcome.
// The transferring edge is legal from any active state, so a call degraded
// before the dialog loop ever ran still lands with an operator.
func (c *call) transfer(ctx context.Context, reason string) string {
	c.setState(ctx, session.StateTransferring)

	// The redirect must go out even when the caller already hung up the
	// media path; use a fresh context with its own deadline.
	redirectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.deps.Switch.Redirect(redirectCtx, c.sess.Identity, c.cfg.OperatorQueue, reason); err != nil {
		log.Printf("pipeline %s: redirect failed: %v", c.sess.Identity, err)
		return "error"
	}
	return "transfer"
}

// terminate runs the end-of-call cleanup: terminal state, store entry
// deletion, connection close. Safe against being reached twice.
func (c *call) terminate(outcome string) {
	if c.sess.State != session.StateTerminated {
		_ = c.sess.Transition(session.StateTerminated)
		c.deps.Log.Log(calllog.Event{
			CallID: c.sess.Identity.String(),
			Kind:   calllog.EventState,
			Text:   string(session.StateTerminated) + " (" + outcome + ")",
		})
	}
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !c.degraded {
		if err := c.deps.Store.Delete(cleanupCtx, c.sess.Identity.String()); err != nil && !errors.Is(err, session.ErrNotFound) {
			log.Printf("pipeline %s: store delete: %v", c.sess.Identity, err)
		}
	}
	_ = c.conn.Close()
}

// setState transitions the session, persists it, and logs the change.
func (c *call) setState(ctx context.Context, to session.State) {
	if err := c.sess.Transition(to); err != nil {
		log.Printf("pipeline %s: %v", c.sess.Identity, err)
		return
	}
	c.deps.Log.Log(calllog.Event{
		CallID: c.sess.Identity.String(),
		Kind:   calllog.EventState,
		Text:   string(to),
	})
	c.save(ctx)
}

// appendTurn records a dialog turn in history, the store and the call log.
func (c *call) appendTurn(ctx context.Context, t session.Turn) {
	c.sess.Append(t)
	c.deps.Log.Log(calllog.Event{
		CallID:  c.sess.Identity.String(),
		Kind:    calllog.EventUtterance,
		Speaker: string(t.Speaker),
		Text:    t.Text,
	})
	c.save(ctx)
}

// save persists the session. A store failure flips the call into degraded
// in-memory mode once; the live call keeps going without crash recovery.
func (c *call) save(ctx context.Context) {
	if c.degraded {
		return
	}
	if err := c.deps.Store.Save(ctx, c.sess); err != nil && ctx.Err() == nil {
		log.Printf("pipeline %s: session store unavailable, continuing in memory: %v", c.sess.Identity, err)
		c.degraded = true
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
