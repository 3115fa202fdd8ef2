package transcribe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meetkit/meetbot/pkg/ai"
)

const defaultGladiaURL = "https://api.gladia.io"

// closeCodeSessionTimeout is the provider's close code when it has not
// received audio within its own window. Treated as recoverable: the
// manager reinitializes the session transparently.
const closeCodeSessionTimeout = 4408

// Gladia implements Provider against the Gladia live-transcription API.
// A session is created with an HTTP POST that returns a session id and a
// websocket URL; audio then flows as base64 chunks over the socket and
// transcripts come back asynchronously.
type Gladia struct {
	apiKey  string
	baseURL string
	client  *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// GladiaConfig holds configuration for the Gladia provider.
type GladiaConfig struct {
	APIKey  string
	BaseURL string // Overridable for tests
}

// NewGladia creates a new Gladia transcription provider.
func NewGladia(cfg GladiaConfig, logger *slog.Logger) (*Gladia, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gladia API key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGladiaURL
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	return &Gladia{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		dialer:  &dialer,
		logger:  logger,
	}, nil
}

type initPayload struct {
	Encoding       string         `json:"encoding"`
	BitDepth       int            `json:"bit_depth"`
	SampleRate     int            `json:"sample_rate"`
	Channels       int            `json:"channels"`
	Model          string         `json:"model"`
	LanguageConfig languageConfig `json:"language_config"`
	MessagesConfig messagesConfig `json:"messages_config"`
}

type languageConfig struct {
	Languages     []string `json:"languages"`
	CodeSwitching bool     `json:"code_switching"`
}

type messagesConfig struct {
	ReceivePartialTranscripts bool `json:"receive_partial_transcripts"`
	ReceiveFinalTranscripts   bool `json:"receive_final_transcripts"`
}

// Open initializes a streaming session and connects its websocket.
func (g *Gladia) Open(ctx context.Context, cfg StreamConfig) (Session, error) {
	lang := cfg.Language
	if lang == "" {
		lang = "en"
	}

	payload, err := json.Marshal(initPayload{
		Encoding:       "wav/pcm",
		BitDepth:       cfg.BitDepth,
		SampleRate:     cfg.SampleRate,
		Channels:       cfg.Channels,
		Model:          "accurate",
		LanguageConfig: languageConfig{Languages: []string{lang}},
		MessagesConfig: messagesConfig{
			ReceivePartialTranscripts: true,
			ReceiveFinalTranscripts:   true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v2/live", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-gladia-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, ai.NewRecoverableError(err, "session init request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("session init failed (HTTP %d): %s", resp.StatusCode, body)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, ai.NewFatalError(err, err.Error())
		}
		return nil, ai.NewRecoverableError(err, err.Error())
	}

	var session struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, ai.NewRecoverableError(err, "failed to decode session response")
	}
	if session.ID == "" || session.URL == "" {
		return nil, ai.NewRecoverableError(fmt.Errorf("incomplete session response"), "session response missing id or url")
	}

	g.logger.Info("Transcription session initialized",
		slog.String("session_id", session.ID))

	conn, _, err := g.dialer.DialContext(ctx, session.URL, nil)
	if err != nil {
		return nil, ai.NewRecoverableError(err, "failed to connect transcription transport")
	}

	s := &gladiaSession{
		id:     session.ID,
		conn:   conn,
		events: make(chan Event, 32),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		logger: g.logger,
	}
	go s.listen()
	return s, nil
}

// gladiaSession is one live websocket session with the provider.
type gladiaSession struct {
	id      string
	conn    *websocket.Conn
	events  chan Event
	done    chan struct{}
	stop    chan struct{} // closed by Close; unblocks event sends with no consumer
	logger  *slog.Logger
	writeMu sync.Mutex
	closed  bool
}

func (s *gladiaSession) ID() string { return s.id }

type audioChunkMessage struct {
	Type string         `json:"type"`
	Data audioChunkData `json:"data"`
}

type audioChunkData struct {
	Chunk string `json:"chunk"`
}

// Send submits one audio segment as a base64 chunk message.
func (s *gladiaSession) Send(ctx context.Context, audio []byte) error {
	msg, err := json.Marshal(audioChunkMessage{
		Type: "audio_chunk",
		Data: audioChunkData{Chunk: base64.StdEncoding.EncodeToString(audio)},
	})
	if err != nil {
		return fmt.Errorf("failed to encode audio chunk: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrNotReady
	}

	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
	} else {
		s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return ai.NewRecoverableError(err, "failed to send audio chunk")
	}

	s.logger.Debug("Sent audio chunk",
		slog.String("session_id", s.id),
		slog.Int("bytes", len(audio)))
	return nil
}

// Events returns the transcription event stream.
func (s *gladiaSession) Events() <-chan Event {
	return s.events
}

type transcriptMessage struct {
	Type string `json:"type"`
	Data struct {
		Utterance struct {
			Text string `json:"text"`
		} `json:"utterance"`
		IsFinal bool `json:"is_final"`
	} `json:"data"`
}

// listen reads provider messages until the transport ends. Malformed
// messages are discarded; a close is classified and surfaced as a final
// error event so the manager can decide whether to reinitialize.
func (s *gladiaSession) listen() {
	defer close(s.events)
	defer close(s.done)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.emitCloseEvent(err)
			return
		}

		var msg transcriptMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Error("Discarding malformed provider message",
				slog.String("session_id", s.id),
				slog.String("error", err.Error()))
			continue
		}

		if msg.Type != "transcript" {
			s.logger.Debug("Ignoring non-transcript message",
				slog.String("session_id", s.id),
				slog.String("type", msg.Type))
			continue
		}
		if msg.Data.Utterance.Text == "" {
			continue
		}

		if !s.deliver(Event{
			Text:      msg.Data.Utterance.Text,
			Timestamp: time.Now(),
			IsFinal:   msg.Data.IsFinal,
		}) {
			return
		}
	}
}

// deliver forwards one event unless the session has been closed. A closed
// session may have no consumer left, so an unconditional send could pin
// this goroutine on a full buffer forever.
func (s *gladiaSession) deliver(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}

func (s *gladiaSession) emitCloseEvent(err error) {
	s.writeMu.Lock()
	wasClosed := s.closed
	s.writeMu.Unlock()
	if wasClosed {
		// Graceful shutdown, not an error.
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == closeCodeSessionTimeout {
		s.logger.Warn("Provider session timed out waiting for audio",
			slog.String("session_id", s.id))
		s.deliver(Event{Err: ai.NewRecoverableError(err, "provider session timeout")})
		return
	}

	s.logger.Error("Transcription transport closed",
		slog.String("session_id", s.id),
		slog.String("error", err.Error()))
	s.deliver(Event{Err: ai.NewRecoverableError(err, "transcription transport closed")})
}

type controlMessage struct {
	Type string `json:"type"`
}

// Close sends the stop_recording control message, waits briefly for the
// provider to finish, then releases the transport unconditionally.
func (s *gladiaSession) Close(ctx context.Context) error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)

	msg, _ := json.Marshal(controlMessage{Type: "stop_recording"})
	s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	writeErr := s.conn.WriteMessage(websocket.TextMessage, msg)
	s.writeMu.Unlock()

	if writeErr == nil {
		select {
		case <-s.done:
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
	}

	err := s.conn.Close()
	s.logger.Info("Transcription session closed", slog.String("session_id", s.id))
	return err
}
