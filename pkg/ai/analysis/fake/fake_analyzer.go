// Package fake provides a fake analysis engine for testing.
package fake

import (
	"context"
	"sync"

	"github.com/meetkit/meetbot/pkg/ai/analysis"
)

// FakeAnalyzer is a fake Analyzer implementation for testing. It returns a
// configured decision and records every request it receives.
type FakeAnalyzer struct {
	mu       sync.Mutex
	decision analysis.Decision
	err      error
	requests []analysis.Request
}

// NewFakeAnalyzer creates a fake analyzer that approves with the given
// response text. An empty response produces a declining analyzer.
func NewFakeAnalyzer(response string) *FakeAnalyzer {
	return &FakeAnalyzer{
		decision: analysis.Decision{
			ShouldSpeak: response != "",
			Response:    response,
			Confidence:  0.9,
			Reasoning:   "fake decision",
		},
	}
}

// SetDecision replaces the decision returned by Analyze.
func (f *FakeAnalyzer) SetDecision(d analysis.Decision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decision = d
}

// SetError makes Analyze fail with err.
func (f *FakeAnalyzer) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Analyze records the request and returns the configured decision.
func (f *FakeAnalyzer) Analyze(ctx context.Context, req analysis.Request) (analysis.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return analysis.Decision{}, f.err
	}
	return f.decision, nil
}

// Capabilities returns the fake analyzer capabilities.
func (f *FakeAnalyzer) Capabilities() analysis.Capabilities {
	return analysis.Capabilities{
		Models:          []string{"fake"},
		MaxContextSize:  10,
		SupportsPausing: false,
	}
}

// Requests returns a copy of all recorded requests.
func (f *FakeAnalyzer) Requests() []analysis.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]analysis.Request, len(f.requests))
	copy(out, f.requests)
	return out
}
