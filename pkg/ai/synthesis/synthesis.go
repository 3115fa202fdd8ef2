// Package synthesis provides the speech-synthesis provider interface used
// to turn approved responses into audio for broadcast.
package synthesis

import (
	"context"
	"errors"

	"github.com/meetkit/meetbot/pkg/ai"
)

// Synthesis-specific error variables
var (
	// ErrRecoverable indicates a temporary synthesis failure that may succeed if retried.
	// Examples: service overload, temporary quota exceeded.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent synthesis failure that will not succeed if retried.
	// Examples: invalid voice ID, invalid API key.
	ErrFatal = ai.ErrFatal

	// ErrMuted is returned when the synthesizer is muted. This is an
	// expected branch, not a failure: callers skip the response.
	ErrMuted = errors.New("synthesizer is muted")

	// ErrEmptyText is returned for blank input text.
	ErrEmptyText = errors.New("empty text")
)

// Request contains parameters for speech synthesis.
type Request struct {
	Text    string
	VoiceID string // Empty selects the provider's configured default voice
}

// Voice describes a voice in the provider's catalog.
type Voice struct {
	ID          string
	Name        string
	Category    string
	Description string
	PreviewURL  string
}

// Capabilities describes the capabilities of a synthesis provider.
type Capabilities struct {
	Streaming       bool
	SupportedVoices []string
	OutputFormat    string
}

// Synthesizer is the main interface for speech-synthesis providers.
type Synthesizer interface {
	// Synthesize converts text into audio bytes ready for broadcast.
	Synthesize(ctx context.Context, req Request) ([]byte, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}
