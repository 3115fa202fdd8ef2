// Package transcribe provides the streaming-transcription session manager
// and provider interfaces. A provider owns one live transport to the
// external transcription service; the manager owns the provider session's
// lifecycle: guarded initialization, retry/backoff, timeout recovery and
// graceful shutdown.
package transcribe

import (
	"context"
	"errors"
	"time"

	"github.com/meetkit/meetbot/pkg/ai"
)

// Transcription-specific error variables
var (
	// ErrRecoverable indicates a temporary transcription failure that may succeed if retried.
	// Examples: transport drop, provider session timeout.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent transcription failure that will not succeed if retried.
	// Examples: invalid API key, rejected audio configuration.
	ErrFatal = ai.ErrFatal

	// ErrNotReady is returned by Send when no live session exists. The
	// segment is dropped, never queued.
	ErrNotReady = errors.New("transcription session not ready")

	// ErrClosed is returned once the manager has been shut down.
	ErrClosed = errors.New("transcription session closed")
)

// Event is a transcription result or stream error delivered by a provider
// session. Stream errors carry Err and no text.
type Event struct {
	Text      string
	Timestamp time.Time
	IsFinal   bool
	Err       error
}

// StreamConfig describes the audio the provider should expect.
type StreamConfig struct {
	SampleRate int
	BitDepth   int
	Channels   int
	Language   string
}

// Session is an active streaming session with the transcription provider.
type Session interface {
	// ID returns the provider-assigned session identifier.
	ID() string

	// Send submits one audio segment for transcription.
	Send(ctx context.Context, audio []byte) error

	// Events returns the stream of transcription events. The channel is
	// closed when the transport ends.
	Events() <-chan Event

	// Close sends a graceful end-of-stream signal if the transport is
	// open, with a bounded wait, then releases the transport.
	Close(ctx context.Context) error
}

// Provider opens streaming sessions with an external transcription service.
type Provider interface {
	Open(ctx context.Context, cfg StreamConfig) (Session, error)
}
