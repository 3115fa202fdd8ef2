package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event kinds delivered by the platform webhook.
const (
	EventStatusChange = "bot.status_change"
	EventComplete     = "complete"
	EventFailed       = "failed"
)

// Event is one lifecycle notification from the meeting platform.
type Event struct {
	Kind      string    `json:"event"`
	AuthToken string    `json:"api_key,omitempty"`
	Data      EventData `json:"data"`
}

// EventData carries the kind-specific payload.
type EventData struct {
	BotID        string          `json:"bot_id"`
	Status       StatusChange    `json:"status,omitempty"`
	MP4          string          `json:"mp4,omitempty"`
	Speakers     []string        `json:"speakers,omitempty"`
	Transcript   json.RawMessage `json:"transcript,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorType    string          `json:"error_type,omitempty"`
}

// StatusChange is the status block of a bot.status_change event.
type StatusChange struct {
	Code         string `json:"code"`
	CreatedAt    string `json:"created_at,omitempty"`
	StartTime    string `json:"start_time,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
}

var (
	// ErrUnauthorized means the event carried an auth token that does not
	// match configuration. The event produces no state change.
	ErrUnauthorized = errors.New("bot: webhook auth token mismatch")

	// ErrUnknownBot means the event targets a different bot id than the
	// one this controller owns.
	ErrUnknownBot = errors.New("bot: event for unknown bot id")

	// ErrInvalidEvent means the event is missing its kind or bot id.
	ErrInvalidEvent = errors.New("bot: invalid lifecycle event")
)

// SessionControl is the slice of the transcription manager the controller
// drives.
type SessionControl interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Detacher releases per-speaker state when the meeting ends.
type Detacher interface {
	Detach()
}

// Notifier pushes status updates to connected observers.
type Notifier interface {
	SendStatus(status string, details map[string]any)
}

// Controller owns the lifecycle state machine for one bot session.
type Controller struct {
	botID    string
	store    Store
	control  SessionControl
	speakers Detacher
	notifier Notifier
	secret   string
	logger   *slog.Logger

	mu       sync.Mutex
	shutdown bool
	now      func() time.Time
}

// NewController creates a controller for the given bot. secret, when
// non-empty, must match the auth token on any event that carries one.
func NewController(botID string, store Store, control SessionControl, speakers Detacher, notifier Notifier, secret string, logger *slog.Logger) *Controller {
	return &Controller{
		botID:    botID,
		store:    store,
		control:  control,
		speakers: speakers,
		notifier: notifier,
		secret:   secret,
		logger:   logger.With(slog.String("bot_id", botID)),
		now:      time.Now,
	}
}

// statusFromCode maps platform status codes onto the state machine. Codes
// the platform adds later pass through unmapped so they are still recorded.
func statusFromCode(code string) Status {
	switch code {
	case "joining_call", "joining":
		return StatusJoining
	case "in_waiting_room":
		return StatusJoining
	case "in_call", "in_call_not_recording":
		return StatusInCall
	case "in_call_recording":
		return StatusInCallRecording
	default:
		return Status(code)
	}
}

// OnLifecycleEvent applies one webhook event to the state machine. Events
// arriving after a terminal state are logged and ignored. Unknown event
// kinds are accepted without effect.
func (c *Controller) OnLifecycleEvent(ctx context.Context, ev Event) error {
	if c.secret != "" && ev.AuthToken != "" && ev.AuthToken != c.secret {
		c.logger.Warn("Rejected lifecycle event with mismatching auth token",
			slog.String("event", ev.Kind))
		return ErrUnauthorized
	}
	if ev.Kind == "" || ev.Data.BotID == "" {
		return ErrInvalidEvent
	}
	if ev.Data.BotID != c.botID {
		return fmt.Errorf("%w: %s", ErrUnknownBot, ev.Data.BotID)
	}

	sess, err := c.store.Get(ctx, c.botID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if sess.Status.Terminal() {
		c.logger.Info("Ignoring lifecycle event after terminal state",
			slog.String("event", ev.Kind),
			slog.String("status", string(sess.Status)))
		return nil
	}

	switch ev.Kind {
	case EventStatusChange:
		return c.onStatusChange(ctx, sess, ev.Data)
	case EventComplete:
		return c.onComplete(ctx, sess, ev.Data)
	case EventFailed:
		return c.onFailed(ctx, sess, ev.Data)
	default:
		c.logger.Info("Unknown lifecycle event kind",
			slog.String("event", ev.Kind))
		return nil
	}
}

func (c *Controller) onStatusChange(ctx context.Context, sess Session, data EventData) error {
	status := statusFromCode(data.Status.Code)
	c.logger.Info("Bot status changed",
		slog.String("from", string(sess.Status)),
		slog.String("to", string(status)))

	sess.Status = status
	sess.StatusDetail = data.Status.Code
	if err := c.store.Put(ctx, sess); err != nil {
		return fmt.Errorf("persisting status: %w", err)
	}

	c.notifier.SendStatus(string(status), map[string]any{
		"bot_id": c.botID,
		"code":   data.Status.Code,
	})

	if status == StatusInCallRecording {
		// Initialize is idempotent, so a repeated recording event is
		// harmless.
		if err := c.control.Initialize(ctx); err != nil {
			c.logger.Error("Transcription session failed to initialize",
				slog.String("error", err.Error()))
			return c.terminate(ctx, sess, FailedStatus("TranscriptionInitFailed"), err.Error())
		}
	}
	return nil
}

func (c *Controller) onComplete(ctx context.Context, sess Session, data EventData) error {
	sess.RecordingURL = data.MP4
	sess.Speakers = data.Speakers
	sess.Transcript = data.Transcript

	c.notifier.SendStatus(string(StatusCompleted), map[string]any{
		"bot_id":  c.botID,
		"mp4_url": data.MP4,
	})
	return c.terminate(ctx, sess, StatusCompleted, "")
}

func (c *Controller) onFailed(ctx context.Context, sess Session, data EventData) error {
	status := FailedStatus(data.Error)
	c.logger.Error("Bot failed",
		slog.String("error", data.Error),
		slog.String("message", data.ErrorMessage),
		slog.String("type", data.ErrorType))

	c.notifier.SendStatus(string(status), map[string]any{
		"bot_id":     c.botID,
		"error_code": data.Error,
		"message":    data.ErrorMessage,
	})
	return c.terminate(ctx, sess, status, data.ErrorMessage)
}

// FailSession moves the session into a failed terminal state from inside
// the process, outside the webhook path. The pipeline uses it when the
// transcription stream dies beyond recovery. A session already in a
// terminal state is left untouched.
func (c *Controller) FailSession(ctx context.Context, code, detail string) error {
	sess, err := c.store.Get(ctx, c.botID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if sess.Status.Terminal() {
		return nil
	}

	status := FailedStatus(code)
	c.logger.Error("Failing bot session",
		slog.String("code", code),
		slog.String("detail", detail))

	c.notifier.SendStatus(string(status), map[string]any{
		"bot_id":     c.botID,
		"error_code": code,
		"message":    detail,
	})
	return c.terminate(ctx, sess, status, detail)
}

// terminate moves the session into a terminal state, shuts down the
// transcription session exactly once and detaches speaker state.
func (c *Controller) terminate(ctx context.Context, sess Session, status Status, detail string) error {
	sess.Status = status
	sess.ErrorDetail = detail
	sess.EndedAt = c.now()
	if err := c.store.Put(ctx, sess); err != nil {
		return fmt.Errorf("persisting terminal status: %w", err)
	}

	c.mu.Lock()
	alreadyDown := c.shutdown
	c.shutdown = true
	c.mu.Unlock()

	if !alreadyDown {
		if err := c.control.Shutdown(ctx); err != nil {
			c.logger.Error("Transcription shutdown failed",
				slog.String("error", err.Error()))
		}
		c.speakers.Detach()
	}
	return nil
}

// Status returns the session's current status from the store.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	sess, err := c.store.Get(ctx, c.botID)
	if err != nil {
		return "", err
	}
	return sess.Status, nil
}
