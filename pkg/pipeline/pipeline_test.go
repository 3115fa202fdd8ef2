package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/meetkit/meetbot/pkg/ai"
	analysisfake "github.com/meetkit/meetbot/pkg/ai/analysis/fake"
	synthesisfake "github.com/meetkit/meetbot/pkg/ai/synthesis/fake"
	"github.com/meetkit/meetbot/pkg/bot"
	"github.com/meetkit/meetbot/pkg/broadcast"
	"github.com/meetkit/meetbot/pkg/pipeline"
	"github.com/meetkit/meetbot/pkg/speaker"
	transcribefake "github.com/meetkit/meetbot/pkg/transcribe/fake"
)

// memListener is a thread-safe broadcast listener for tests.
type memListener struct {
	mu    sync.Mutex
	json  []any
	audio [][]byte
}

func (l *memListener) SendJSON(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.json = append(l.json, v)
	return nil
}

func (l *memListener) SendAudio(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audio = append(l.audio, data)
	return nil
}

func (l *memListener) Close() error { return nil }

func (l *memListener) audioFrames() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.audio)
}

func (l *memListener) jsonMessages() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]any, len(l.json))
	copy(out, l.json)
	return out
}

func hasTranscription(messages []any, text, speakerName string) bool {
	for _, msg := range messages {
		tm, ok := msg.(broadcast.TranscriptionMessage)
		if ok && tm.Text == text && tm.SpeakerName == speakerName {
			return true
		}
	}
	return false
}

type fixture struct {
	pipeline *pipeline.Pipeline
	provider *transcribefake.FakeProvider
	analyzer *analysisfake.FakeAnalyzer
	synth    *synthesisfake.FakeSynthesizer
	store    *bot.MemoryStore
	listener *memListener
}

func newFixture(t *testing.T, response string) *fixture {
	t.Helper()
	f := &fixture{
		provider: transcribefake.NewFakeProvider(),
		analyzer: analysisfake.NewFakeAnalyzer(response),
		synth:    synthesisfake.NewFakeSynthesizer(),
		store:    bot.NewMemoryStore(),
		listener: &memListener{},
	}

	err := f.store.Put(context.Background(), bot.Session{
		ID:        "bot-1",
		Status:    bot.StatusJoining,
		StartedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	p, err := pipeline.New(pipeline.Config{
		BotID:            "bot-1",
		SampleRate:       16000,
		SilenceThreshold: time.Millisecond,
		FlushInterval:    5 * time.Millisecond,
		Cooldown:         30 * time.Second,
		Retry:            ai.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}, pipeline.Deps{
		Provider:    f.provider,
		Analyzer:    f.analyzer,
		Synthesizer: f.synth,
		Store:       f.store,
		Logger:      slog.Default(),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.pipeline = p
	f.pipeline.Broadcaster().Add(f.listener)

	f.pipeline.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.pipeline.Stop(ctx)
	})
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func startRecording(t *testing.T, f *fixture) {
	t.Helper()
	is := is.New(t)
	is.NoErr(f.pipeline.Controller().OnLifecycleEvent(context.Background(), bot.Event{
		Kind: bot.EventStatusChange,
		Data: bot.EventData{BotID: "bot-1", Status: bot.StatusChange{Code: "in_call_recording"}},
	}))
	waitFor(t, func() bool { return f.pipeline.Manager().Ready() })
}

func TestPipeline_AudioToSegmentToProvider(t *testing.T) {
	is := is.New(t)

	f := newFixture(t, "")
	startRecording(t, f)

	f.pipeline.OnMetadata([]speaker.Meta{{ID: "A", Name: "Alice", IsSpeaking: true}})
	f.pipeline.OnAudio(make([]byte, 4000))

	// The flush ticker detects silence and submits the buffered audio.
	waitFor(t, func() bool {
		s := f.provider.LastSession()
		return s != nil && len(s.Sent()) == 1
	})
	is.Equal(len(f.provider.LastSession().Sent()[0]), 4000)
}

func TestPipeline_TranscriptFlowsToObserversAndGate(t *testing.T) {
	is := is.New(t)

	f := newFixture(t, "Consider the cash position.")
	startRecording(t, f)

	f.pipeline.OnMetadata([]speaker.Meta{{ID: "A", Name: "Alice", IsSpeaking: true}})
	f.provider.LastSession().Emit("Let's discuss Q4 revenue", true)

	// Observers receive the transcription and then the synthesized reply.
	waitFor(t, func() bool { return f.listener.audioFrames() == 1 })
	is.True(hasTranscription(f.listener.jsonMessages(), "Let's discuss Q4 revenue", "Alice"))

	reqs := f.synth.Requests()
	is.Equal(len(reqs), 1)
	is.Equal(reqs[0].Text, "Consider the cash position.")
}

func TestPipeline_InterimTranscriptSkipsGate(t *testing.T) {
	is := is.New(t)

	f := newFixture(t, "reply")
	startRecording(t, f)

	f.pipeline.OnMetadata([]speaker.Meta{{ID: "A", Name: "Alice", IsSpeaking: true}})
	f.provider.LastSession().Emit("partial words", false)

	waitFor(t, func() bool {
		return hasTranscription(f.listener.jsonMessages(), "partial words", "Alice")
	})
	is.Equal(len(f.analyzer.Requests()), 0) // interim results never reach analysis
}

func TestPipeline_LifecycleFailureStopsEverything(t *testing.T) {
	is := is.New(t)

	f := newFixture(t, "")
	startRecording(t, f)

	is.NoErr(f.pipeline.Controller().OnLifecycleEvent(context.Background(), bot.Event{
		Kind: bot.EventFailed,
		Data: bot.EventData{BotID: "bot-1", Error: "RemovedByHost"},
	}))

	sess, err := f.store.Get(context.Background(), "bot-1")
	is.NoErr(err)
	is.Equal(sess.Status, bot.Status("failed_RemovedByHost"))
	is.True(f.provider.LastSession().Closed())

	// Further audio is dropped: the closed manager accepts no segments.
	f.pipeline.OnMetadata([]speaker.Meta{{ID: "A", IsSpeaking: true}})
	f.pipeline.OnAudio(make([]byte, 1000))
	time.Sleep(20 * time.Millisecond)
	is.Equal(len(f.provider.LastSession().Sent()), 0)
}

func TestPipeline_StreamFailureFailsSession(t *testing.T) {
	is := is.New(t)

	f := newFixture(t, "")
	startRecording(t, f)

	// Every reconnect attempt fails, so the stream loss is unrecoverable.
	f.provider.FailOpens(10)
	f.provider.LastSession().EmitError(
		ai.NewRecoverableError(errors.New("transport dropped"), "transport dropped"))

	// The bot session settles in a failed terminal state instead of
	// staying in_call_recording with a dead stream.
	waitFor(t, func() bool {
		sess, err := f.store.Get(context.Background(), "bot-1")
		return err == nil && sess.Status == bot.FailedStatus("TranscriptionFailed")
	})

	sess, err := f.store.Get(context.Background(), "bot-1")
	is.NoErr(err)
	is.True(sess.ErrorDetail != "")
	is.True(!sess.EndedAt.IsZero())
	waitFor(t, func() bool { return f.pipeline.Manager().State().String() == "Closed" })
}

func TestPipeline_Health(t *testing.T) {
	is := is.New(t)

	f := newFixture(t, "")
	startRecording(t, f)

	f.pipeline.OnMetadata([]speaker.Meta{{ID: "A", Name: "Alice", IsSpeaking: true}})

	h := f.pipeline.Health(context.Background())
	is.Equal(h.BotID, "bot-1")
	is.Equal(h.Status, bot.StatusInCallRecording)
	is.Equal(h.SessionState, "Ready")
	is.Equal(h.Speakers, 1)
	is.Equal(h.SpeakersActive, 1)
	is.Equal(h.Listeners, 1)
}

func TestPipeline_StopIsIdempotent(t *testing.T) {
	is := is.New(t)

	f := newFixture(t, "")
	startRecording(t, f)

	ctx := context.Background()
	f.pipeline.Stop(ctx)
	f.pipeline.Stop(ctx) // second call is a no-op
	is.Equal(f.pipeline.Manager().State().String(), "Closed")
}
