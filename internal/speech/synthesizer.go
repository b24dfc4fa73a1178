package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// SynthesizerConfig holds the TTS vendor settings.
type SynthesizerConfig struct {
	// URL is the vendor websocket endpoint.
	URL string
	// APIKey is sent as a bearer token on the dial request.
	APIKey string
	// DialTimeout bounds one connection attempt.
	DialTimeout time.Duration
	// ChunkTimeout bounds the wait for the next audio chunk.
	ChunkTimeout time.Duration
}

func (c *SynthesizerConfig) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 10 * time.Second
	}
}

// synthesisRequest opens one synthesis stream on the vendor socket.
type synthesisRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice_id"`
}

// synthesisEvent is the vendor's JSON control message; audio arrives as
// binary messages between control events.
type synthesisEvent struct {
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// WSSynthesizer streams text to a websocket TTS vendor and yields PCM chunks
// as they arrive. One dial per Synthesize call keeps cancellation trivial:
// closing the socket aborts the vendor-side stream.
type WSSynthesizer struct {
	cfg SynthesizerConfig
}

// NewWSSynthesizer creates a synthesizer client.
func NewWSSynthesizer(cfg SynthesizerConfig) *WSSynthesizer {
	cfg.applyDefaults()
	return &WSSynthesizer{cfg: cfg}
}

// Synthesize streams audio for text. The chunk channel closes on completion
// or cancellation; a terminal failure is delivered on the error channel as a
// *SynthesisError.
func (s *WSSynthesizer) Synthesize(ctx context.Context, text, voice string) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte, 8)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errc)

		dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
		header := http.Header{}
		if s.cfg.APIKey != "" {
			header.Set("Authorization", "Bearer "+s.cfg.APIKey)
		}
		conn, _, err := dialer.DialContext(ctx, s.cfg.URL, header)
		if err != nil {
			errc <- &SynthesisError{Err: err}
			return
		}
		defer conn.Close()

		// Cancellation kills the socket, which unblocks ReadMessage.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-done:
			}
		}()

		req, err := json.Marshal(synthesisRequest{Text: text, Voice: voice})
		if err != nil {
			errc <- &SynthesisError{Err: err}
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
			errc <- &SynthesisError{Err: err}
			return
		}

		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ChunkTimeout))
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return // cancelled, not a failure
				}
				errc <- &SynthesisError{Err: err}
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				select {
				case chunks <- data:
				case <-ctx.Done():
					return
				}
			case websocket.TextMessage:
				var ev synthesisEvent
				if err := json.Unmarshal(data, &ev); err != nil {
					continue
				}
				if ev.Error != "" {
					errc <- &SynthesisError{Err: &vendorError{msg: ev.Error}}
					return
				}
				if ev.Done {
					return
				}
			}
		}
	}()

	return chunks, errc
}

type vendorError struct {
	msg string
}

func (e *vendorError) Error() string { return e.msg }
