// Package speech defines the streaming recognizer and synthesizer contracts
// the pipeline depends on, plus websocket clients for vendors that speak a
// binary-audio-in / JSON-results-out protocol.
package speech

import (
	"context"
	"errors"
	"strings"
)

// Result is one recognizer output. Interim results (Final == false) are
// discardable hints; only final results drive the dialog.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Final      bool    `json:"is_final"`
}

// ErrRecognizerUnavailable is returned when the recognizer stream cannot be
// (re)established. The pipeline retries once, then degrades to a transfer.
var ErrRecognizerUnavailable = errors.New("speech: recognizer unavailable")

// SynthesisError reports a failed synthesis request. The pipeline retries
// once with a cached fallback phrase before skipping the utterance.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string {
	return "speech: synthesis failed: " + e.Err.Error()
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Recognizer is a bidirectional speech-to-text stream for one call. Audio
// goes in continuously, whatever the dialog state, so barge-in detection
// never stops. Implementations must survive vendor session limits by
// restarting the stream transparently.
type Recognizer interface {
	// WriteAudio forwards one chunk of 16 kHz 16-bit LE PCM.
	WriteAudio(ctx context.Context, pcm []byte) error

	// Results returns the recognizer output stream. The channel closes when
	// the recognizer shuts down.
	Results() <-chan Result

	// Close tears the stream down.
	Close() error
}

// Synthesizer converts text to 16 kHz 16-bit LE PCM, delivered incrementally.
type Synthesizer interface {
	// Synthesize streams audio for the given text. Chunks arrive on the
	// first channel; a terminal error, if any, on the second. Both channels
	// close when the synthesis ends or ctx is cancelled.
	Synthesize(ctx context.Context, text, voice string) (<-chan []byte, <-chan error)
}

// SplitSentences breaks reply text into speakable sentences so synthesis can
// start on the first one while the rest wait, and a barge-in cancels at a
// sentence boundary. A terminator inside a token ("1.5", "v2.go") does not
// split.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			j := i + 1
			for j < len(text) && (text[j] == '.' || text[j] == '!' || text[j] == '?') {
				j++
			}
			if j < len(text) && text[j] != ' ' {
				i = j - 1
				continue
			}
			if s := strings.TrimSpace(text[start:j]); s != "" {
				out = append(out, s)
			}
			start = j
			i = j - 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
