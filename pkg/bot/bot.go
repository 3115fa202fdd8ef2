// Package bot tracks a meeting bot's lifecycle. Webhook events from the
// hosting platform drive a small state machine that starts transcription
// when recording begins and tears everything down when the meeting ends.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
)

// Status is the bot's position in the lifecycle state machine.
//
//	joining -> in_call -> in_call_recording -> completed | failed_<code>
type Status string

const (
	StatusJoining         Status = "joining"
	StatusInCall          Status = "in_call"
	StatusInCallRecording Status = "in_call_recording"
	StatusCompleted       Status = "completed"

	failedPrefix = "failed_"
)

// FailedStatus returns the terminal status for a platform failure code.
func FailedStatus(code string) Status {
	if code == "" {
		code = "UnknownError"
	}
	return Status(failedPrefix + code)
}

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || strings.HasPrefix(string(s), failedPrefix)
}

// Session is the persisted record of one bot's meeting.
type Session struct {
	ID           string          `json:"bot_id"`
	MeetingURL   string          `json:"meeting_url"`
	BotName      string          `json:"bot_name"`
	Status       Status          `json:"status"`
	StatusDetail string          `json:"status_detail,omitempty"`
	ErrorDetail  string          `json:"error_detail,omitempty"`
	RecordingURL string          `json:"recording_url,omitempty"`
	Speakers     []string        `json:"speakers,omitempty"`
	Transcript   json.RawMessage `json:"transcript,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      time.Time       `json:"ended_at,omitempty"`
}

// ErrNotFound is returned by a Store when no session exists for the id.
var ErrNotFound = errors.New("bot: session not found")

// Store persists bot sessions. The in-memory implementation below serves a
// single process; durable storage sits behind the same interface.
type Store interface {
	Get(ctx context.Context, botID string) (Session, error)
	Put(ctx context.Context, s Session) error
	List(ctx context.Context) ([]Session, error)
}

// MemoryStore is a mutex-guarded in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (s *MemoryStore) Get(ctx context.Context, botID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[botID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) Put(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out, nil
}
