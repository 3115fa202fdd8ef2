package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/meetkit/meetbot/pkg/pipeline"
	"github.com/meetkit/meetbot/pkg/speaker"
)

const wsWriteTimeout = 5 * time.Second

// wsListener adapts a websocket connection to broadcast.Listener. Gorilla
// permits one concurrent writer, so all writes go through a mutex.
type wsListener struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSListener(conn *websocket.Conn) *wsListener {
	return &wsListener{conn: conn}
}

func (l *wsListener) write(messageType int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return l.conn.WriteMessage(messageType, data)
}

func (l *wsListener) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return l.write(websocket.TextMessage, data)
}

func (l *wsListener) SendAudio(data []byte) error {
	return l.write(websocket.BinaryMessage, data)
}

func (l *wsListener) Close() error {
	return l.conn.Close()
}

// handleInputSocket receives the platform's duplex stream: text frames
// carry speaker metadata, binary frames carry PCM audio for the current
// speaker context. A disconnect ends only this socket; the shared
// transcription session survives while other sockets remain attached, so
// a transient platform reconnect keeps transcribing.
func (s *Server) handleInputSocket(c *gin.Context) {
	botID := c.Query("bot_id")
	p, ok := s.getPipeline(botID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bot id"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("Input socket upgrade failed",
			slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	p.InputAttached()

	s.logger.Info("Input socket connected", slog.String("bot_id", botID))

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("Input socket closed",
				slog.String("bot_id", botID),
				slog.String("reason", err.Error()))
			break
		}

		switch messageType {
		case websocket.TextMessage:
			var entries []speaker.Meta
			if err := json.Unmarshal(data, &entries); err != nil {
				// Malformed metadata is a protocol error: log and
				// discard, never tear the stream down.
				s.logger.Warn("Discarding malformed metadata frame",
					slog.String("bot_id", botID),
					slog.String("error", err.Error()))
				continue
			}
			p.OnMetadata(entries)
		case websocket.BinaryMessage:
			p.OnAudio(data)
		}
	}

	p.InputDetached()
	s.shutdownIfLastObserver(p, botID)
}

// shutdownIfLastObserver ends the transcription session once no sockets
// remain attached to the meeting. Lifecycle webhooks still settle the
// session's final status.
func (s *Server) shutdownIfLastObserver(p *pipeline.Pipeline, botID string) {
	if p.Observers() > 0 {
		s.logger.Info("Socket detached, transcription session stays live",
			slog.String("bot_id", botID),
			slog.Int("observers", p.Observers()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Manager().Shutdown(ctx); err != nil {
		s.logger.Error("Transcription shutdown after last disconnect failed",
			slog.String("bot_id", botID),
			slog.String("error", err.Error()))
	}
}

// handleOutputSocket registers an observer connection. It receives
// transcription and status text frames plus synthesized audio binary
// frames until it disconnects.
func (s *Server) handleOutputSocket(c *gin.Context) {
	botID := c.Query("bot_id")
	p, ok := s.getPipeline(botID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bot id"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("Output socket upgrade failed",
			slog.String("error", err.Error()))
		return
	}

	listener := newWSListener(conn)
	id := p.Broadcaster().Add(listener)

	// Observers never send payloads; the read loop only notices the
	// disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	p.Broadcaster().Remove(id)
	conn.Close()
	s.shutdownIfLastObserver(p, botID)
}
