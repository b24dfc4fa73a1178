// Package agent wraps the conversational model's tool-calling protocol
// behind a tagged-union result the pipeline can drive a bounded loop over.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voxgate-dev/voxgate/internal/session"
	"github.com/voxgate-dev/voxgate/internal/tools"
)

// ErrAgentUnavailable is surfaced after the model API failed twice for one
// request. The pipeline maps it to an apology and a forced transfer.
var ErrAgentUnavailable = errors.New("agent: model unavailable")

// Result is what one model round-trip produced: exactly one of TextReply or
// ToolRequest.
type Result interface {
	isResult()
}

// TextReply is a plain spoken reply, ready for synthesis.
type TextReply struct {
	Text string
}

func (TextReply) isResult() {}

// ToolRequest asks the pipeline to resolve one tool call and feed the result
// back via SupplyToolResult.
type ToolRequest struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

func (ToolRequest) isResult() {}

// ChatClient is the slice of the OpenAI client the adapter needs; real
// deployments pass *openai.Client, tests pass a fake.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config holds adapter settings.
type Config struct {
	// Model is the chat model name.
	Model string
	// SystemPrompt frames the assistant's role on every turn.
	SystemPrompt string
	// HistoryWindow bounds how many recent dialog turns are sent.
	HistoryWindow int
	// RequestTimeout bounds one model round-trip.
	RequestTimeout time.Duration
	// RetryBackoff is the pause before the single retry.
	RetryBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = openai.GPT4oMini
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 20
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

// Adapter drives the model for one call. It is owned by that call's pipeline
// goroutine and keeps the in-flight turn's message state between Respond and
// SupplyToolResult; it is not safe for concurrent use.
type Adapter struct {
	client ChatClient
	cfg    Config
	defs   []openai.Tool

	// turn is the message list of the current turn, reset by Respond.
	turn []openai.ChatCompletionMessage
}

// New creates an adapter over the given chat client and tool catalog.
func New(client ChatClient, cfg Config) *Adapter {
	cfg.applyDefaults()
	defs := make([]openai.Tool, len(tools.Catalog))
	for i, d := range tools.Catalog {
		defs[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		}
	}
	return &Adapter{client: client, cfg: cfg, defs: defs}
}

// Respond starts a new agent turn from the dialog history. It returns either
// a TextReply or a ToolRequest the pipeline must resolve.
func (a *Adapter) Respond(ctx context.Context, history []session.Turn) (Result, error) {
	window := history
	if len(window) > a.cfg.HistoryWindow {
		window = window[len(window)-a.cfg.HistoryWindow:]
	}

	a.turn = a.turn[:0]
	a.turn = append(a.turn, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: a.cfg.SystemPrompt,
	})
	for _, t := range window {
		role := openai.ChatMessageRoleUser
		if t.Speaker == session.SpeakerBot {
			role = openai.ChatMessageRoleAssistant
		}
		a.turn = append(a.turn, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}

	return a.complete(ctx)
}

// SupplyToolResult feeds a resolved tool call back into the in-flight turn
// and asks the model to continue. result may be a success payload or an
// error descriptor; either way the model decides what to say next.
func (a *Adapter) SupplyToolResult(ctx context.Context, req ToolRequest, result json.RawMessage) (Result, error) {
	if len(a.turn) == 0 {
		return nil, errors.New("agent: no turn in flight")
	}
	a.turn = append(a.turn, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleAssistant,
		ToolCalls: []openai.ToolCall{{
			ID:   req.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      req.Name,
				Arguments: string(req.Arguments),
			},
		}},
	})
	a.turn = append(a.turn, openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		ToolCallID: req.ID,
		Content:    string(result),
	})

	return a.complete(ctx)
}

// complete performs one model round-trip with a single retry on failure.
func (a *Adapter) complete(ctx context.Context) (Result, error) {
	req := openai.ChatCompletionRequest{
		Model:    a.cfg.Model,
		Messages: a.turn,
		Tools:    a.defs,
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.cfg.RetryBackoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
		resp, err := a.client.CreateChatCompletion(callCtx, req)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		return a.parse(resp)
	}
	return nil, fmt.Errorf("%w: %v", ErrAgentUnavailable, lastErr)
}

func (a *Adapter) parse(resp openai.ChatCompletionResponse) (Result, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", ErrAgentUnavailable)
	}
	msg := resp.Choices[0].Message

	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0]
		if !json.Valid([]byte(call.Function.Arguments)) {
			return nil, fmt.Errorf("%w: malformed tool arguments", ErrAgentUnavailable)
		}
		return ToolRequest{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		}, nil
	}

	return TextReply{Text: msg.Content}, nil
}
