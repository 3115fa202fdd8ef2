// Package server exposes the HTTP surface: meeting management routes, the
// lifecycle webhook, the duplex audio sockets and the operational status
// endpoint. Handlers stay thin; all behavior lives in the pipeline
// packages.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/meetkit/meetbot/internal/config"
	"github.com/meetkit/meetbot/pkg/ai/analysis"
	"github.com/meetkit/meetbot/pkg/ai/synthesis"
	"github.com/meetkit/meetbot/pkg/bot"
	"github.com/meetkit/meetbot/pkg/pipeline"
	"github.com/meetkit/meetbot/pkg/transcribe"
)

// MeetingPlatform is the slice of the platform client the routes need.
type MeetingPlatform interface {
	Join(ctx context.Context, req bot.JoinRequest) (bot.JoinResult, error)
	Leave(ctx context.Context, botID string) error
	MeetingData(ctx context.Context, botID string) (map[string]any, error)
}

// Deps are the engines shared by every pipeline the server creates.
type Deps struct {
	Platform    MeetingPlatform
	Provider    transcribe.Provider
	Analyzer    analysis.Analyzer
	Synthesizer synthesis.Synthesizer
	Store       bot.Store
}

// Server routes HTTP and websocket traffic to per-meeting pipelines.
type Server struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger

	mu        sync.Mutex
	pipelines map[string]*pipeline.Pipeline

	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// New creates a server. Pipelines are created on join and removed when
// their meeting reaches a terminal state or the bot is told to leave.
func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		pipelines: make(map[string]*pipeline.Pipeline),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The platform and dashboard connect cross-origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	e := gin.New()
	e.Use(gin.Recovery())

	api := e.Group("/api")
	{
		meeting := api.Group("/meeting")
		meeting.POST("/join", s.handleJoin)
		meeting.POST("/leave/:bot_id", s.handleLeave)
		meeting.GET("/status/:bot_id", s.handleStatus)
		meeting.GET("/data/:bot_id", s.handleMeetingData)
		meeting.POST("/webhook", s.handleWebhook)

		api.GET("/control/system-status", s.handleSystemStatus)
	}

	ws := e.Group("/ws/meeting")
	ws.GET("/input", s.handleInputSocket)
	ws.GET("/output", s.handleOutputSocket)

	s.engine = e
	return s
}

// Handler returns the HTTP handler for mounting or testing.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then drains pipelines and shuts the
// listener down with a bounded wait.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", slog.String("addr", s.cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.stopAllPipelines(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) getPipeline(botID string) (*pipeline.Pipeline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[botID]
	return p, ok
}

func (s *Server) removePipeline(ctx context.Context, botID string) {
	s.mu.Lock()
	p, ok := s.pipelines[botID]
	delete(s.pipelines, botID)
	s.mu.Unlock()

	if ok {
		p.Stop(ctx)
	}
}

func (s *Server) stopAllPipelines(ctx context.Context) {
	s.mu.Lock()
	pipelines := s.pipelines
	s.pipelines = make(map[string]*pipeline.Pipeline)
	s.mu.Unlock()

	for _, p := range pipelines {
		p.Stop(ctx)
	}
}

type joinRequest struct {
	MeetingURL string `json:"meeting_url" binding:"required"`
	BotName    string `json:"bot_name"`
}

func (s *Server) handleJoin(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	botName := req.BotName
	if botName == "" {
		botName = s.cfg.BotName
	}

	result, err := s.deps.Platform.Join(c.Request.Context(), bot.JoinRequest{
		MeetingURL: req.MeetingURL,
		BotName:    botName,
	})
	if err != nil {
		s.logger.Error("Join failed", slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	sess := bot.Session{
		ID:         result.BotID,
		MeetingURL: req.MeetingURL,
		BotName:    botName,
		Status:     bot.StatusJoining,
		StartedAt:  time.Now(),
	}
	if err := s.deps.Store.Put(c.Request.Context(), sess); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	p, err := pipeline.New(pipeline.Config{
		BotID:            result.BotID,
		WebhookSecret:    s.cfg.WebhookSecret,
		SampleRate:       s.cfg.SampleRate,
		SilenceThreshold: s.cfg.SilenceThreshold,
		Cooldown:         s.cfg.Cooldown,
		ContextSize:      s.cfg.ContextSize,
		VoiceID:          s.cfg.VoiceID,
	}, pipeline.Deps{
		Provider:    s.deps.Provider,
		Analyzer:    s.deps.Analyzer,
		Synthesizer: s.deps.Synthesizer,
		Store:       s.deps.Store,
		Logger:      s.logger,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	p.Start()

	s.mu.Lock()
	s.pipelines[result.BotID] = p
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"bot_id":  result.BotID,
		"status":  string(bot.StatusJoining),
		"message": "Bot is joining the meeting",
	})
}

func (s *Server) handleLeave(c *gin.Context) {
	botID := c.Param("bot_id")

	if err := s.deps.Platform.Leave(c.Request.Context(), botID); err != nil {
		s.logger.Error("Leave failed",
			slog.String("bot_id", botID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	s.removePipeline(c.Request.Context(), botID)
	c.JSON(http.StatusOK, gin.H{"message": "Bot has left the meeting"})
}

func (s *Server) handleStatus(c *gin.Context) {
	botID := c.Param("bot_id")

	sess, err := s.deps.Store.Get(c.Request.Context(), botID)
	if err != nil {
		if errors.Is(err, bot.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown bot id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleMeetingData proxies the platform's recorded meeting data, which
// includes the full transcript once a meeting has ended.
func (s *Server) handleMeetingData(c *gin.Context) {
	botID := c.Param("bot_id")

	data, err := s.deps.Platform.MeetingData(c.Request.Context(), botID)
	if err != nil {
		s.logger.Error("Meeting data fetch failed",
			slog.String("bot_id", botID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, data)
}

func (s *Server) handleWebhook(c *gin.Context) {
	var ev bot.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, ok := s.getPipeline(ev.Data.BotID)
	if !ok {
		s.logger.Warn("Webhook for unknown bot",
			slog.String("bot_id", ev.Data.BotID),
			slog.String("event", ev.Kind))
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bot id"})
		return
	}

	if err := p.Controller().OnLifecycleEvent(c.Request.Context(), ev); err != nil {
		switch {
		case errors.Is(err, bot.ErrUnauthorized):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid auth token"})
		case errors.Is(err, bot.ErrInvalidEvent):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	// Terminal events end the meeting: retire the pipeline but keep the
	// session record for status queries.
	if status, err := p.Controller().Status(c.Request.Context()); err == nil && status.Terminal() {
		s.removePipeline(c.Request.Context(), ev.Data.BotID)
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) handleSystemStatus(c *gin.Context) {
	s.mu.Lock()
	pipelines := make([]*pipeline.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		pipelines = append(pipelines, p)
	}
	s.mu.Unlock()

	healths := make([]pipeline.Health, 0, len(pipelines))
	for _, p := range pipelines {
		healths = append(healths, p.Health(c.Request.Context()))
	}

	c.JSON(http.StatusOK, gin.H{
		"active_meetings": len(healths),
		"pipelines":       healths,
	})
}
