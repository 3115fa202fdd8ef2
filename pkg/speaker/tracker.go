// Package speaker maintains per-speaker audio buffers and speaking state
// from the platform's metadata stream, and decides when buffered audio
// becomes a segment ready for transcription.
package speaker

import (
	"log/slog"
	"sync"
	"time"
)

// Unattributed is the implicit speaker used when the platform supplies
// audio without a speaker identifier.
const Unattributed = "unattributed"

// Meta is one entry of a speaker-metadata message from the platform.
type Meta struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	IsSpeaking bool   `json:"isSpeaking"`
}

// Entry is one finalized transcript attributed to a speaker.
type Entry struct {
	Text       string
	Timestamp  time.Time
	Confidence float64
}

// state is the per-speaker record. The buffer and last-voice timestamp are
// only touched by audio arrival; the speaking flag only by metadata (or by
// a silence flush).
type state struct {
	id          string
	name        string
	buffer      []byte
	lastVoice   time.Time
	speaking    bool
	transcripts []Entry
}

// Tracker maintains SpeakerState for every speaker seen in a session.
type Tracker struct {
	mu       sync.Mutex
	speakers map[string]*state
	current  string
	logger   *slog.Logger
	now      func() time.Time
}

// NewTracker creates an empty speaker tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		speakers: make(map[string]*state),
		logger:   logger,
		now:      time.Now,
	}
}

// OnMetadata upserts speaker state from a metadata message. When several
// entries claim to be speaking at once, the last one in arrival order wins
// as current speaker. Known simplification: overlapping speech is
// attributed to a single speaker.
func (t *Tracker) OnMetadata(entries []Meta) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, m := range entries {
		if m.ID == "" {
			continue
		}
		s, ok := t.speakers[m.ID]
		if !ok {
			s = &state{id: m.ID, lastVoice: t.now()}
			t.speakers[m.ID] = s
		}
		if m.Name != "" {
			s.name = m.Name
		}
		s.speaking = m.IsSpeaking

		if m.IsSpeaking {
			t.current = m.ID
			t.logger.Info("Current speaker changed",
				slog.String("speaker_id", m.ID),
				slog.String("name", s.name))
		}
	}
}

// OnAudio appends audio bytes to the speaker's buffer and refreshes its
// last-voice timestamp. An empty speaker id attributes the bytes to the
// implicit unattributed speaker.
func (t *Tracker) OnAudio(speakerID string, data []byte) {
	if len(data) == 0 {
		return
	}
	if speakerID == "" {
		speakerID = Unattributed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.speakers[speakerID]
	if !ok {
		s = &state{id: speakerID}
		t.speakers[speakerID] = s
	}
	s.buffer = append(s.buffer, data...)
	s.lastVoice = t.now()
}

// CurrentSpeaker returns the id of the speaker most recently marked as
// speaking, if any.
func (t *Tracker) CurrentSpeaker() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == "" {
		return "", false
	}
	return t.current, true
}

// Name returns the display name recorded for a speaker, falling back to
// the id when no metadata has named it yet.
func (t *Tracker) Name(speakerID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.speakers[speakerID]; ok && s.name != "" {
		return s.name
	}
	return speakerID
}

// AddTranscript appends a finalized transcript entry to a speaker's
// ordered history.
func (t *Tracker) AddTranscript(speakerID string, e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.speakers[speakerID]
	if !ok {
		s = &state{id: speakerID, lastVoice: t.now()}
		t.speakers[speakerID] = s
	}
	s.transcripts = append(s.transcripts, e)
}

// Transcripts returns a copy of the speaker's finalized transcript history.
func (t *Tracker) Transcripts(speakerID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.speakers[speakerID]
	if !ok {
		return nil
	}
	out := make([]Entry, len(s.transcripts))
	copy(out, s.transcripts)
	return out
}

// Count returns the number of distinct speakers seen so far.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.speakers)
}

// Speaking returns the number of speakers currently marked as speaking.
func (t *Tracker) Speaking() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.speakers {
		if s.speaking {
			n++
		}
	}
	return n
}

// Detach drops all speaker state. Called when the owning session ends.
func (t *Tracker) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.speakers = make(map[string]*state)
	t.current = ""
	t.logger.Info("Speaker state detached")
}
