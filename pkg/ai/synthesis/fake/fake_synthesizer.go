// Package fake provides a fake speech synthesizer for testing.
package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/meetkit/meetbot/pkg/ai/synthesis"
)

// DefaultAudio is the audio payload returned when none is configured.
var DefaultAudio = []byte("fake-audio-bytes")

// FakeSynthesizer is a fake Synthesizer implementation for testing. It
// returns fixed audio bytes and records every request.
type FakeSynthesizer struct {
	mu       sync.Mutex
	audio    []byte
	err      error
	requests []synthesis.Request
}

// NewFakeSynthesizer creates a fake synthesizer returning DefaultAudio.
func NewFakeSynthesizer() *FakeSynthesizer {
	return &FakeSynthesizer{audio: DefaultAudio}
}

// SetAudio replaces the audio returned by Synthesize.
func (f *FakeSynthesizer) SetAudio(audio []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = audio
}

// SetError makes Synthesize fail with err.
func (f *FakeSynthesizer) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Synthesize records the request and returns the configured audio.
func (f *FakeSynthesizer) Synthesize(ctx context.Context, req synthesis.Request) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.TrimSpace(req.Text) == "" {
		return nil, synthesis.ErrEmptyText
	}
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.audio, nil
}

// Capabilities returns the fake synthesizer capabilities.
func (f *FakeSynthesizer) Capabilities() synthesis.Capabilities {
	return synthesis.Capabilities{
		Streaming:       false,
		SupportedVoices: []string{"fake-voice"},
		OutputFormat:    "audio/fake",
	}
}

// Requests returns a copy of all recorded requests.
func (f *FakeSynthesizer) Requests() []synthesis.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]synthesis.Request, len(f.requests))
	copy(out, f.requests)
	return out
}
