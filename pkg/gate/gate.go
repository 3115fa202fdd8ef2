// Package gate decides whether a finalized transcript earns a spoken reply.
// It keeps a bounded window of recent utterances for analysis context and a
// cooldown that spaces out approved responses.
package gate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meetkit/meetbot/pkg/ai/analysis"
	"github.com/meetkit/meetbot/pkg/ai/synthesis"
)

// Utterance is one finalized transcript in the conversation window.
type Utterance struct {
	Speaker   string
	Text      string
	Timestamp time.Time
}

// Window is a bounded, ordered sequence of recent utterances shared across
// speakers. Insertion order is the arrival order of finalized transcripts;
// the oldest entry is evicted when capacity is reached.
type Window struct {
	mu       sync.Mutex
	entries  []Utterance
	capacity int
}

// NewWindow creates a window holding at most capacity utterances.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = defaultWindowCapacity
	}
	return &Window{capacity: capacity}
}

// Append adds an utterance, evicting the oldest when full.
func (w *Window) Append(u Utterance) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, u)
	if len(w.entries) > w.capacity {
		w.entries = w.entries[1:]
	}
}

// Context returns the text of up to n utterances preceding the newest one,
// oldest first. The newest entry is excluded: it is the current message.
func (w *Window) Context(n int) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.entries) <= 1 {
		return nil
	}
	prior := w.entries[:len(w.entries)-1]
	if n > 0 && len(prior) > n {
		prior = prior[len(prior)-n:]
	}
	out := make([]string, len(prior))
	for i, u := range prior {
		out[i] = u.Text
	}
	return out
}

// Len returns the number of buffered utterances.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Dispatcher receives synthesized audio for fan-out to listeners.
type Dispatcher interface {
	BroadcastAudio(data []byte)
}

// Config tunes the gate.
type Config struct {
	// Cooldown is the minimum spacing between two approved responses.
	// Default 30s.
	Cooldown time.Duration

	// ContextSize is how many prior utterances accompany the current
	// message into analysis. Default 3.
	ContextSize int

	// WindowCapacity bounds the conversation window. Default 10.
	WindowCapacity int

	// VoiceID selects the synthesis voice.
	VoiceID string
}

const (
	defaultCooldown       = 30 * time.Second
	defaultContextSize    = 3
	defaultWindowCapacity = 10
)

func (c *Config) applyDefaults() {
	if c.Cooldown == 0 {
		c.Cooldown = defaultCooldown
	}
	if c.ContextSize == 0 {
		c.ContextSize = defaultContextSize
	}
	if c.WindowCapacity == 0 {
		c.WindowCapacity = defaultWindowCapacity
	}
}

// Gate applies the cooldown and context policy to finalized transcripts
// and, on approval, synthesizes and dispatches a spoken reply.
type Gate struct {
	cfg        Config
	window     *Window
	analyzer   analysis.Analyzer
	synth      synthesis.Synthesizer
	dispatcher Dispatcher
	logger     *slog.Logger

	mu           sync.Mutex
	lastResponse time.Time

	now func() time.Time
}

// New creates a gate wired to the given analysis and synthesis engines.
func New(cfg Config, analyzer analysis.Analyzer, synth synthesis.Synthesizer, dispatcher Dispatcher, logger *slog.Logger) *Gate {
	cfg.applyDefaults()
	return &Gate{
		cfg:        cfg,
		window:     NewWindow(cfg.WindowCapacity),
		analyzer:   analyzer,
		synth:      synth,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// CooldownRemaining reports how long until the next response is eligible.
// Zero means eligible now.
func (g *Gate) CooldownRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	remaining := g.cfg.Cooldown - g.now().Sub(g.lastResponse)
	if remaining < 0 || g.lastResponse.IsZero() {
		return 0
	}
	return remaining
}

// WindowLen reports how many utterances the conversation window holds.
func (g *Gate) WindowLen() int {
	return g.window.Len()
}

// OnFinalTranscript handles one finalized transcript. Declined analysis and
// an active cooldown are the common case and return without dispatching;
// analysis and synthesis failures degrade to no response this turn.
func (g *Gate) OnFinalTranscript(ctx context.Context, speakerID, speakerName, text string, ts time.Time) {
	if text == "" {
		return
	}

	g.window.Append(Utterance{Speaker: speakerName, Text: text, Timestamp: ts})

	decision, err := g.analyzer.Analyze(ctx, analysis.Request{
		CurrentMessage: text,
		Context:        g.window.Context(g.cfg.ContextSize),
		Speaker:        speakerName,
	})
	if err != nil {
		g.logger.Error("Analysis failed, skipping response",
			slog.String("speaker", speakerName),
			slog.String("error", err.Error()))
		return
	}
	if !decision.ShouldSpeak || decision.Response == "" {
		g.logger.Debug("Analysis declined",
			slog.String("speaker", speakerName),
			slog.Float64("confidence", decision.Confidence))
		return
	}

	// Claim the cooldown before dispatching so two near-simultaneous
	// approvals cannot both pass the check.
	if !g.claimCooldown() {
		g.logger.Info("Response suppressed by cooldown",
			slog.String("speaker", speakerName),
			slog.Duration("remaining", g.CooldownRemaining()))
		return
	}

	g.logger.Info("Response approved",
		slog.String("speaker", speakerName),
		slog.Float64("confidence", decision.Confidence),
		slog.String("reasoning", decision.Reasoning))

	audio, err := g.synth.Synthesize(ctx, synthesis.Request{
		Text:    decision.Response,
		VoiceID: g.cfg.VoiceID,
	})
	if err != nil {
		g.logger.Error("Synthesis failed, no response this turn",
			slog.String("error", err.Error()))
		return
	}

	g.dispatcher.BroadcastAudio(audio)
}

// claimCooldown atomically checks eligibility and records the response
// time. Returns false when the cooldown has not elapsed.
func (g *Gate) claimCooldown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if !g.lastResponse.IsZero() && now.Sub(g.lastResponse) < g.cfg.Cooldown {
		return false
	}
	g.lastResponse = now
	return true
}
