// Package switchctl is the client for the telephony switch's control API:
// caller number lookup at call start and operator redirect on transfer.
package switchctl

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

// Client talks to the switch control API. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Config holds switch control API settings.
type Config struct {
	// BaseURL is the control API root.
	BaseURL string
	// APIKey authenticates requests (optional).
	APIKey string
	// Timeout bounds one request.
	Timeout time.Duration
}

// NewClient creates a control API client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// CallerNumber fetches the caller's phone number for a call. Done once per
// call, right after the identity frame.
func (c *Client) CallerNumber(ctx context.Context, identity uuid.UUID) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/calls/%s/caller", c.baseURL, identity), nil)
	if err != nil {
		return "", err
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("caller lookup: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("caller lookup: status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Number string `json:"number"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("caller lookup: %w", err)
	}
	return out.Number, nil
}

// Redirect hands the call to a human operator queue. Once the switch
// acknowledges, the call leaves this pipeline's ownership.
func (c *Client) Redirect(ctx context.Context, identity uuid.UUID, queue, reason string) error {
	payload, err := json.Marshal(map[string]string{
		"queue":  queue,
		"reason": reason,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/calls/%s/redirect", c.baseURL, identity), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("redirect: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("redirect: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
