package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RecognizerConfig holds the vendor stream settings.
type RecognizerConfig struct {
	// URL is the vendor websocket endpoint.
	URL string
	// APIKey is sent as a bearer token on the dial request.
	APIKey string
	// Language hints the recognizer, e.g. "de" or "en".
	Language string
	// DialTimeout bounds one connection attempt.
	DialTimeout time.Duration
	// MaxRestarts caps transparent reconnects per call; vendor streams have
	// session limits well below a call's worst-case length.
	MaxRestarts int
}

func (c *RecognizerConfig) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 10
	}
}

// WSRecognizer streams audio to a websocket STT vendor and fans results back.
// When the vendor closes the stream (session limit) it redials and keeps
// going; the pipeline never notices the restart.
type WSRecognizer struct {
	cfg     RecognizerConfig
	results chan Result

	mu       sync.Mutex
	conn     *websocket.Conn
	restarts int
	closed   bool
}

// NewWSRecognizer dials the vendor and starts the result reader.
func NewWSRecognizer(cfg RecognizerConfig) (*WSRecognizer, error) {
	cfg.applyDefaults()
	r := &WSRecognizer{
		cfg:     cfg,
		results: make(chan Result, 16),
	}
	conn, err := r.dial()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecognizerUnavailable, err)
	}
	r.conn = conn
	go r.readLoop(conn)
	return r, nil
}

func (r *WSRecognizer) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: r.cfg.DialTimeout}
	header := http.Header{}
	if r.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}
	url := r.cfg.URL
	if r.cfg.Language != "" {
		url += "?language=" + r.cfg.Language
	}
	conn, _, err := dialer.Dial(url, header)
	return conn, err
}

// WriteAudio forwards one PCM chunk as a binary websocket message.
func (r *WSRecognizer) WriteAudio(ctx context.Context, pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecognizerUnavailable
	}
	if r.conn == nil {
		return ErrRecognizerUnavailable
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = r.conn.SetWriteDeadline(dl)
	} else {
		_ = r.conn.SetWriteDeadline(time.Now().Add(time.Second))
	}
	if err := r.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		// The read loop will notice the dead stream and restart; drop this
		// chunk rather than stall the audio path.
		return nil
	}
	return nil
}

// Results returns the recognizer output stream.
func (r *WSRecognizer) Results() <-chan Result { return r.results }

// Close shuts the stream down and closes the result channel.
func (r *WSRecognizer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (r *WSRecognizer) readLoop(conn *websocket.Conn) {
	defer close(r.results)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			next, restarted := r.restart()
			if !restarted {
				return
			}
			conn = next
			continue
		}
		var res Result
		if err := json.Unmarshal(data, &res); err != nil {
			log.Printf("speech: dropping malformed recognizer message: %v", err)
			continue
		}
		r.results <- res
	}
}

// restart redials after a vendor-side stream end. Returns false when the
// recognizer was closed locally or the restart budget is spent.
func (r *WSRecognizer) restart() (*websocket.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	if r.restarts >= r.cfg.MaxRestarts {
		log.Printf("speech: recognizer restart budget exhausted (%d)", r.restarts)
		r.closed = true
		return nil, false
	}
	r.restarts++
	conn, err := r.dial()
	if err != nil {
		log.Printf("speech: recognizer restart failed: %v", err)
		r.closed = true
		return nil, false
	}
	log.Printf("speech: recognizer stream restarted (%d)", r.restarts)
	r.conn = conn
	return conn, true
}
