// Package broadcast fans out transcription messages and synthesized audio
// to every connected outbound listener. A listener whose send fails is
// treated as disconnected and pruned; a failing listener never aborts the
// broadcast to the others.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Listener is one connected outbound channel. Implementations wrap a
// websocket connection (text frames for JSON, binary frames for audio).
type Listener interface {
	// SendJSON delivers a text frame.
	SendJSON(v any) error

	// SendAudio delivers a binary frame of synthesized speech.
	SendAudio(data []byte) error

	// Close releases the underlying connection.
	Close() error
}

// TranscriptionMessage is the text frame sent to observers for every
// transcript.
type TranscriptionMessage struct {
	Type        string `json:"type"`
	SpeakerID   string `json:"speaker_id"`
	SpeakerName string `json:"speaker_name"`
	Text        string `json:"text"`
	IsFinal     bool   `json:"is_final"`
	Timestamp   string `json:"timestamp"`
}

// StatusMessage is the text frame sent to observers on lifecycle changes.
type StatusMessage struct {
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Broadcaster maintains the set of connected listeners.
type Broadcaster struct {
	mu        sync.Mutex
	listeners map[string]Listener
	logger    *slog.Logger
}

// New creates an empty broadcaster.
func New(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		listeners: make(map[string]Listener),
		logger:    logger,
	}
}

// Add registers a listener and returns its id for later removal.
func (b *Broadcaster) Add(l Listener) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.listeners[id] = l
	n := len(b.listeners)
	b.mu.Unlock()

	b.logger.Info("Listener connected",
		slog.String("listener_id", id),
		slog.Int("total", n))
	return id
}

// Remove unregisters a listener. Removing an unknown id is a no-op.
func (b *Broadcaster) Remove(id string) {
	b.mu.Lock()
	_, ok := b.listeners[id]
	delete(b.listeners, id)
	n := len(b.listeners)
	b.mu.Unlock()

	if ok {
		b.logger.Info("Listener disconnected",
			slog.String("listener_id", id),
			slog.Int("total", n))
	}
}

// Count returns the number of connected listeners.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// snapshot returns the current listener set so sends happen outside the
// lock.
func (b *Broadcaster) snapshot() map[string]Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Listener, len(b.listeners))
	for id, l := range b.listeners {
		out[id] = l
	}
	return out
}

// BroadcastJSON sends a text frame to every listener, pruning any whose
// send fails.
func (b *Broadcaster) BroadcastJSON(v any) {
	for id, l := range b.snapshot() {
		if err := l.SendJSON(v); err != nil {
			b.logger.Error("Broadcast send failed, pruning listener",
				slog.String("listener_id", id),
				slog.String("error", err.Error()))
			b.Remove(id)
			l.Close()
		}
	}
}

// BroadcastAudio sends a binary audio frame to every listener, pruning any
// whose send fails.
func (b *Broadcaster) BroadcastAudio(data []byte) {
	for id, l := range b.snapshot() {
		if err := l.SendAudio(data); err != nil {
			b.logger.Error("Audio broadcast failed, pruning listener",
				slog.String("listener_id", id),
				slog.String("error", err.Error()))
			b.Remove(id)
			l.Close()
		}
	}
}

// SendTranscription broadcasts a transcript to all observers.
func (b *Broadcaster) SendTranscription(speakerID, speakerName, text string, isFinal bool, ts time.Time) {
	b.BroadcastJSON(TranscriptionMessage{
		Type:        "transcription",
		SpeakerID:   speakerID,
		SpeakerName: speakerName,
		Text:        text,
		IsFinal:     isFinal,
		Timestamp:   ts.Format(time.RFC3339),
	})
}

// SendStatus broadcasts a lifecycle status update to all observers.
func (b *Broadcaster) SendStatus(status string, details map[string]any) {
	b.BroadcastJSON(StatusMessage{
		Type:      "status",
		Status:    status,
		Details:   details,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// CloseAll disconnects every listener. Called at session teardown.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	listeners := b.listeners
	b.listeners = make(map[string]Listener)
	b.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
}
