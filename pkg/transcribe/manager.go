package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meetkit/meetbot/pkg/ai"
)

// State is the manager's explicit lifecycle state. Concurrent
// initialization triggers collapse into a single attempt: the first caller
// moves Uninitialized → Initializing and performs the work, later callers
// wait for that attempt's outcome.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitializing:
		return "Initializing"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Manager owns the provider session lifecycle for one meeting. Transcripts
// from every underlying session (across reconnects) are published on a
// single ordered channel consumed by the response gate.
type Manager struct {
	provider  Provider
	streamCfg StreamConfig
	retry     ai.RetryConfig
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	session  Session
	pumpDone chan struct{}
	initDone chan struct{}
	initErr  error

	transcripts chan Event
	closed      chan struct{}
	closeOnce   sync.Once
}

// ManagerConfig holds configuration for creating a Manager.
type ManagerConfig struct {
	Provider Provider
	Stream   StreamConfig
	Retry    ai.RetryConfig // Zero value selects ai.DefaultRetryConfig
}

// NewManager creates a new transcription session manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = ai.DefaultRetryConfig
	}

	return &Manager{
		provider:    cfg.Provider,
		streamCfg:   cfg.Stream,
		retry:       retry,
		logger:      logger,
		transcripts: make(chan Event, 64),
		closed:      make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready reports whether a live session exists.
func (m *Manager) Ready() bool {
	return m.State() == StateReady
}

// SessionID returns the provider-assigned id of the live session, if any.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.ID()
}

// Transcripts returns the ordered stream of transcription events.
// Consumers should select on Done to observe shutdown.
func (m *Manager) Transcripts() <-chan Event {
	return m.transcripts
}

// Done is closed when the manager shuts down.
func (m *Manager) Done() <-chan struct{} {
	return m.closed
}

// Initialize establishes a provider session, retrying with backoff up to
// the configured bound. It is idempotent: a ready manager returns
// immediately, and a caller arriving during an in-flight attempt waits for
// and shares that attempt's outcome.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return ErrClosed
	case StateReady:
		m.mu.Unlock()
		return nil
	case StateInitializing:
		done := m.initDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		err := m.initErr
		m.mu.Unlock()
		return err
	}

	m.state = StateInitializing
	done := make(chan struct{})
	m.initDone = done
	m.mu.Unlock()

	err := ai.Retry(ctx, m.logger, m.retry, "transcription session init", func(ctx context.Context) error {
		return m.openSession(ctx)
	})

	m.mu.Lock()
	if m.state != StateClosed {
		if err != nil {
			m.state = StateFailed
		} else {
			m.state = StateReady
		}
	}
	m.initErr = err
	close(done)
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("Transcription session initialization failed",
			slog.String("error", err.Error()))
	}
	return err
}

// openSession performs one initialization attempt.
func (m *Manager) openSession(ctx context.Context) error {
	s, err := m.provider.Open(ctx, m.streamCfg)
	if err != nil {
		return err
	}

	pumpDone := make(chan struct{})

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Close(closeCtx)
		return ErrClosed
	}
	m.session = s
	m.pumpDone = pumpDone
	m.mu.Unlock()

	go m.pump(s, pumpDone)
	return nil
}

// pump forwards one session's events onto the shared transcript channel.
// Recoverable stream errors trigger a transparent background
// reinitialization; fatal errors are forwarded so the lifecycle controller
// can mark the bot session failed.
func (m *Manager) pump(s Session, done chan struct{}) {
	defer close(done)

	for ev := range s.Events() {
		if ev.Err != nil {
			if ai.IsRecoverable(ev.Err) {
				go m.reinitialize(s)
				continue
			}
		}

		select {
		case m.transcripts <- ev:
		case <-m.closed:
			return
		}
	}
}

// reinitialize tears down a broken session and establishes a fresh one.
// Stale calls (the session was already replaced) are no-ops.
func (m *Manager) reinitialize(old Session) {
	m.mu.Lock()
	if m.state == StateClosed || m.session != old {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.state = StateUninitialized
	m.mu.Unlock()

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	old.Close(closeCtx)
	cancel()

	m.logger.Warn("Reinitializing transcription session after recoverable failure")

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Initialize(initCtx); err != nil {
		select {
		case m.transcripts <- Event{Err: err}:
		case <-m.closed:
		}
	}
}

// Send submits one audio segment. A not-ready manager rejects immediately:
// the segment is dropped and logged, never queued. A recoverable transport
// failure triggers reinitialization and a single resend within the retry
// bound; callers see success if the resend lands.
func (m *Manager) Send(ctx context.Context, audio []byte) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateReady || m.session == nil {
		m.mu.Unlock()
		m.logger.Warn("Dropping segment, transcription session not ready",
			slog.Int("bytes", len(audio)))
		return ErrNotReady
	}
	s := m.session
	m.mu.Unlock()

	err := s.Send(ctx, audio)
	if err == nil {
		return nil
	}
	if !ai.IsRecoverable(err) {
		return err
	}

	m.logger.Warn("Send failed, recovering transcription session",
		slog.String("error", err.Error()))
	m.reinitialize(s)

	m.mu.Lock()
	if m.state != StateReady || m.session == nil {
		m.mu.Unlock()
		return ErrNotReady
	}
	s = m.session
	m.mu.Unlock()
	return s.Send(ctx, audio)
}

// Shutdown gracefully ends the live session and signals Done. It is
// idempotent and never blocks beyond a bounded wait.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosed
	s := m.session
	pumpDone := m.pumpDone
	m.session = nil
	m.mu.Unlock()

	m.closeOnce.Do(func() { close(m.closed) })

	var err error
	if s != nil {
		err = s.Close(ctx)
		if pumpDone != nil {
			select {
			case <-pumpDone:
			case <-time.After(2 * time.Second):
			}
		}
	}

	m.logger.Info("Transcription session manager shut down")
	return err
}
