// Package analysis provides the conversation-analysis engine interface.
// The engine receives a finalized transcript plus recent conversation
// context and decides whether the bot should speak, and if so, what to say.
package analysis

import (
	"context"

	"github.com/meetkit/meetbot/pkg/ai"
)

// Analysis-specific error variables
var (
	// ErrRecoverable indicates a temporary analysis failure that may succeed if retried.
	// Examples: rate limiting, temporary service error, timeout.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent analysis failure that will not succeed if retried.
	// Examples: invalid API key, unsupported model.
	ErrFatal = ai.ErrFatal
)

// Request contains the transcript under consideration and its context.
type Request struct {
	CurrentMessage string   // The finalized transcript being analyzed
	Context        []string // Recent utterances, oldest first
	Speaker        string   // Display name of the current speaker
}

// Decision is the engine's verdict on whether to contribute.
type Decision struct {
	ShouldSpeak bool
	Response    string  // Text to synthesize, set when ShouldSpeak is true
	Confidence  float64 // 0.0 - 1.0
	Reasoning   string
}

// Capabilities describes the capabilities of an analysis provider.
type Capabilities struct {
	Models          []string
	MaxContextSize  int
	SupportsPausing bool
}

// Analyzer is the main interface for conversation analysis providers.
type Analyzer interface {
	// Analyze evaluates the current message in context and returns a
	// decision. A paused analyzer returns a declined decision without
	// calling the provider.
	Analyze(ctx context.Context, req Request) (Decision, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}
