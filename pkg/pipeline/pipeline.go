// Package pipeline composes the per-meeting processing chain: speaker
// tracking, audio segmentation, streaming transcription, the response gate
// and the observer broadcaster. One Pipeline exists per bot session, so no
// state is shared between meetings.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meetkit/meetbot/pkg/ai"
	"github.com/meetkit/meetbot/pkg/ai/analysis"
	"github.com/meetkit/meetbot/pkg/ai/synthesis"
	"github.com/meetkit/meetbot/pkg/bot"
	"github.com/meetkit/meetbot/pkg/broadcast"
	"github.com/meetkit/meetbot/pkg/gate"
	"github.com/meetkit/meetbot/pkg/speaker"
	"github.com/meetkit/meetbot/pkg/transcribe"
)

const (
	defaultFlushInterval = 100 * time.Millisecond
	sendTimeout          = 10 * time.Second
)

// Config tunes one pipeline.
type Config struct {
	BotID         string
	WebhookSecret string

	SampleRate       int
	SilenceThreshold time.Duration
	FlushInterval    time.Duration

	Cooldown    time.Duration
	ContextSize int
	VoiceID     string

	Retry ai.RetryConfig
}

func (c *Config) applyDefaults() {
	if c.FlushInterval == 0 {
		c.FlushInterval = defaultFlushInterval
	}
}

// Deps are the external engines a pipeline drives.
type Deps struct {
	Provider    transcribe.Provider
	Analyzer    analysis.Analyzer
	Synthesizer synthesis.Synthesizer
	Store       bot.Store
	Logger      *slog.Logger
}

// Health is the pipeline's status snapshot for the operational surface.
type Health struct {
	BotID             string        `json:"bot_id"`
	Status            bot.Status    `json:"status"`
	SessionState      string        `json:"session_state"`
	SessionID         string        `json:"session_id,omitempty"`
	Speakers          int           `json:"speakers"`
	SpeakersActive    int           `json:"speakers_active"`
	Listeners         int           `json:"listeners"`
	WindowLen         int           `json:"window_len"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
}

// Pipeline wires the per-meeting components together and owns the
// background goroutines that keep audio flowing.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	tracker     *speaker.Tracker
	segmenter   *speaker.Segmenter
	manager     *transcribe.Manager
	gate        *gate.Gate
	broadcaster *broadcast.Broadcaster
	controller  *bot.Controller

	stopTicker chan struct{}
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once

	socketMu sync.Mutex
	inputs   int
}

// New assembles a pipeline for one bot session.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	cfg.applyDefaults()
	logger := deps.Logger.With(slog.String("bot_id", cfg.BotID))

	manager, err := transcribe.NewManager(transcribe.ManagerConfig{
		Provider: deps.Provider,
		Stream: transcribe.StreamConfig{
			SampleRate: cfg.SampleRate,
			BitDepth:   16,
			Channels:   1,
		},
		Retry: cfg.Retry,
	}, logger)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:         cfg,
		logger:      logger,
		tracker:     speaker.NewTracker(logger),
		manager:     manager,
		broadcaster: broadcast.New(logger),
		stopTicker:  make(chan struct{}),
	}

	p.gate = gate.New(gate.Config{
		Cooldown:    cfg.Cooldown,
		ContextSize: cfg.ContextSize,
		VoiceID:     cfg.VoiceID,
	}, deps.Analyzer, deps.Synthesizer, p.broadcaster, logger)

	p.segmenter = speaker.NewSegmenter(p.tracker, speaker.SegmenterConfig{
		SilenceThreshold: cfg.SilenceThreshold,
		SampleRate:       cfg.SampleRate,
	}, p.submitSegment, logger)

	p.controller = bot.NewController(cfg.BotID, deps.Store, manager, p.tracker,
		p.broadcaster, cfg.WebhookSecret, logger)

	return p, nil
}

// Start launches the transcript pump and the periodic flush ticker.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(2)
		go p.pumpTranscripts()
		go p.flushLoop()
		p.logger.Info("Pipeline started")
	})
}

// Stop shuts the pipeline down: the transcription session ends gracefully,
// background goroutines exit and all observer connections close.
func (p *Pipeline) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		close(p.stopTicker)
		if err := p.manager.Shutdown(ctx); err != nil {
			p.logger.Error("Shutdown error", slog.String("error", err.Error()))
		}
		p.wg.Wait()
		p.broadcaster.CloseAll()
		p.logger.Info("Pipeline stopped")
	})
}

// Controller exposes the lifecycle controller for the webhook route.
func (p *Pipeline) Controller() *bot.Controller {
	return p.controller
}

// Broadcaster exposes the observer registry for the output socket route.
func (p *Pipeline) Broadcaster() *broadcast.Broadcaster {
	return p.broadcaster
}

// Manager exposes the transcription session manager.
func (p *Pipeline) Manager() *transcribe.Manager {
	return p.manager
}

// InputAttached records one connected platform audio socket.
func (p *Pipeline) InputAttached() {
	p.socketMu.Lock()
	defer p.socketMu.Unlock()
	p.inputs++
}

// InputDetached records a platform audio socket disconnect.
func (p *Pipeline) InputDetached() {
	p.socketMu.Lock()
	defer p.socketMu.Unlock()
	if p.inputs > 0 {
		p.inputs--
	}
}

// Observers counts the sockets attached to this meeting: platform audio
// streams plus broadcast listeners. The transcription session stays live
// while any observer remains, so a transient socket drop never ends it.
func (p *Pipeline) Observers() int {
	p.socketMu.Lock()
	inputs := p.inputs
	p.socketMu.Unlock()
	return inputs + p.broadcaster.Count()
}

// OnMetadata applies a speaker-metadata message from the input socket.
func (p *Pipeline) OnMetadata(entries []speaker.Meta) {
	p.tracker.OnMetadata(entries)
	p.segmenter.Tick(time.Now())
}

// OnAudio appends audio for the current speaker context and runs the flush
// rules.
func (p *Pipeline) OnAudio(data []byte) {
	id, _ := p.tracker.CurrentSpeaker()
	p.tracker.OnAudio(id, data)
	p.segmenter.Tick(time.Now())
}

// Health reports the pipeline's operational snapshot.
func (p *Pipeline) Health(ctx context.Context) Health {
	h := Health{
		BotID:             p.cfg.BotID,
		SessionState:      p.manager.State().String(),
		SessionID:         p.manager.SessionID(),
		Speakers:          p.tracker.Count(),
		SpeakersActive:    p.tracker.Speaking(),
		Listeners:         p.broadcaster.Count(),
		WindowLen:         p.gate.WindowLen(),
		CooldownRemaining: p.gate.CooldownRemaining(),
	}
	if status, err := p.controller.Status(ctx); err == nil {
		h.Status = status
	}
	return h
}

// submitSegment forwards a flushed segment to the transcription session.
// Segments arriving before the session is ready are dropped, not queued.
func (p *Pipeline) submitSegment(seg speaker.Segment) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := p.manager.Send(ctx, seg.Data); err != nil {
		if err == transcribe.ErrNotReady || err == transcribe.ErrClosed {
			return
		}
		p.logger.Error("Segment submission failed",
			slog.String("speaker_id", seg.SpeakerID),
			slog.Int("bytes", len(seg.Data)),
			slog.String("error", err.Error()))
	}
}

// pumpTranscripts consumes the manager's transcript stream, attributes each
// result to the current speaker, informs observers and feeds finals to the
// response gate.
func (p *Pipeline) pumpTranscripts() {
	defer p.wg.Done()

	for {
		select {
		case ev := <-p.manager.Transcripts():
			p.handleTranscript(ev)
		case <-p.manager.Done():
			return
		}
	}
}

func (p *Pipeline) handleTranscript(ev transcribe.Event) {
	if ev.Err != nil {
		// The manager only surfaces errors it could not recover from, so
		// the meeting has lost transcription for good. Settle the bot
		// session instead of recording forever in a dead state.
		p.logger.Error("Transcription stream failed beyond recovery",
			slog.String("error", ev.Err.Error()))
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := p.controller.FailSession(ctx, "TranscriptionFailed", ev.Err.Error()); err != nil {
			p.logger.Error("Recording transcription failure failed",
				slog.String("error", err.Error()))
		}
		return
	}
	if ev.Text == "" {
		return
	}

	speakerID, ok := p.tracker.CurrentSpeaker()
	if !ok {
		speakerID = speaker.Unattributed
	}
	name := p.tracker.Name(speakerID)

	p.broadcaster.SendTranscription(speakerID, name, ev.Text, ev.IsFinal, ev.Timestamp)

	if !ev.IsFinal {
		return
	}

	p.tracker.AddTranscript(speakerID, speaker.Entry{
		Text:      ev.Text,
		Timestamp: ev.Timestamp,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.gate.OnFinalTranscript(ctx, speakerID, name, ev.Text, ev.Timestamp)
}

// flushLoop drives the segmenter even when no inbound messages arrive, so
// trailing audio still flushes by silence.
func (p *Pipeline) flushLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			p.segmenter.Tick(now)
		case <-p.stopTicker:
			return
		}
	}
}
