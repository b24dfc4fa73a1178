package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ToolError reports a downstream tool failure with enough detail for the
// pipeline to decide between apology and transfer.
type ToolError struct {
	Tool       string
	StatusCode int
	Message    string
	Err        error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tools: %s failed: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("tools: %s failed: status %d: %s", e.Tool, e.StatusCode, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Invocation records one resolved tool call for the call logger. It lives
// for the duration of a single agent turn.
type Invocation struct {
	Name     string
	Args     json.RawMessage
	Result   json.RawMessage
	Err      string
	Duration time.Duration
}

// ClientConfig holds tool client settings.
type ClientConfig struct {
	// BaseURL is the catalog/order service root.
	BaseURL string
	// Timeout bounds one downstream request.
	Timeout time.Duration
	// FailureThreshold and CoolDown tune the circuit breaker; zero values
	// take the breaker defaults.
	FailureThreshold int
	CoolDown         time.Duration
}

// Client calls the catalog/order service on behalf of agent tool requests.
// One Client is shared by every concurrent call; the breaker inside it is the
// deliberate cross-call state that shields all calls from a degraded
// dependency.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *Breaker
	// newToken mints idempotency tokens; swappable for tests.
	newToken func() string
}

// NewClient creates a tool client with its own circuit breaker.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		http:     &http.Client{Timeout: timeout},
		breaker:  NewBreaker("catalog", cfg.FailureThreshold, cfg.CoolDown),
		newToken: uuid.NewString,
	}
}

// Breaker exposes the circuit for metrics.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Invoke resolves one tool call against the downstream service. While the
// circuit is open it returns *CircuitOpenError without touching the network.
// Mutating tools carry an idempotency token so a retry after a half-open
// trial cannot double-create a resource.
func (c *Client) Invoke(ctx context.Context, name string, args json.RawMessage) (*Invocation, error) {
	def, ok := Lookup(name)
	if !ok {
		return nil, &ToolError{Tool: name, Message: "unknown tool"}
	}
	if def.Local() {
		return nil, &ToolError{Tool: name, Message: "local tool cannot be invoked downstream"}
	}

	inv := &Invocation{Name: name, Args: args}
	start := time.Now()
	defer func() { inv.Duration = time.Since(start) }()

	if err := c.breaker.Allow(); err != nil {
		inv.Err = err.Error()
		return inv, err
	}

	result, err := c.post(ctx, def, args)
	if err != nil {
		c.breaker.Failure()
		inv.Err = err.Error()
		return inv, err
	}
	c.breaker.Success()
	inv.Result = result
	return inv, nil
}

func (c *Client) post(ctx context.Context, def Definition, args json.RawMessage) (json.RawMessage, error) {
	body := args
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+def.Path, bytes.NewReader(body))
	if err != nil {
		return nil, &ToolError{Tool: def.Name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if def.Mutating {
		req.Header.Set("Idempotency-Key", c.newToken())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ToolError{Tool: def.Name, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ToolError{Tool: def.Name, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ToolError{Tool: def.Name, StatusCode: resp.StatusCode, Message: string(data)}
	}
	return data, nil
}
