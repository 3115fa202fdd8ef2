// Package fake provides a fake transcription provider for testing the
// session manager without a live transport.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meetkit/meetbot/pkg/ai"
	"github.com/meetkit/meetbot/pkg/transcribe"
)

// FakeProvider is a fake Provider whose sessions record sent audio and
// emit scripted events. The first FailOpens calls to Open fail with a
// recoverable error.
type FakeProvider struct {
	mu        sync.Mutex
	opens     int
	failOpens int
	openFatal bool
	sessions  []*FakeSession
}

// NewFakeProvider creates a fake transcription provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{}
}

// FailOpens makes the next n Open calls fail with a recoverable error.
func (f *FakeProvider) FailOpens(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOpens = n
}

// FailOpensFatal makes every Open call fail with a fatal error.
func (f *FakeProvider) FailOpensFatal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openFatal = true
}

// Open returns a new fake session, or a scripted failure.
func (f *FakeProvider) Open(ctx context.Context, cfg transcribe.StreamConfig) (transcribe.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openFatal {
		return nil, ai.NewFatalError(fmt.Errorf("open rejected"), "invalid credentials")
	}
	if f.failOpens > 0 {
		f.failOpens--
		return nil, ai.NewRecoverableError(fmt.Errorf("open failed"), "provider unavailable")
	}

	s := &FakeSession{
		id:     fmt.Sprintf("fake-session-%d", f.opens),
		events: make(chan transcribe.Event, 32),
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

// Opens returns how many times Open was called.
func (f *FakeProvider) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Sessions returns every session handed out so far.
func (f *FakeProvider) Sessions() []*FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeSession, len(f.sessions))
	copy(out, f.sessions)
	return out
}

// LastSession returns the most recently opened session, or nil.
func (f *FakeProvider) LastSession() *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

// FakeSession is a scripted provider session.
type FakeSession struct {
	id     string
	events chan transcribe.Event

	mu        sync.Mutex
	sent      [][]byte
	sendErrs  []error
	closed    bool
	closeErrs int
}

// ID returns the fake session id.
func (s *FakeSession) ID() string { return s.id }

// QueueSendError makes upcoming Send calls fail with the given errors, in
// order, before succeeding again.
func (s *FakeSession) QueueSendError(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErrs = append(s.sendErrs, errs...)
}

// Send records the audio unless a scripted error is queued.
func (s *FakeSession) Send(ctx context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transcribe.ErrNotReady
	}
	if len(s.sendErrs) > 0 {
		err := s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
		return err
	}
	cp := make([]byte, len(audio))
	copy(cp, audio)
	s.sent = append(s.sent, cp)
	return nil
}

// Sent returns every audio payload accepted so far.
func (s *FakeSession) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// Emit pushes a transcript event to the session's consumers.
func (s *FakeSession) Emit(text string, isFinal bool) {
	s.events <- transcribe.Event{Text: text, Timestamp: time.Now(), IsFinal: isFinal}
}

// EmitError pushes a stream error event.
func (s *FakeSession) EmitError(err error) {
	s.events <- transcribe.Event{Err: err}
}

// Events returns the scripted event stream.
func (s *FakeSession) Events() <-chan transcribe.Event {
	return s.events
}

// Close marks the session closed and ends the event stream.
func (s *FakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.closeErrs++
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// Closed reports whether Close was called.
func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
