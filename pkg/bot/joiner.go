package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meetkit/meetbot/pkg/ai"
)

const (
	defaultPlatformURL = "https://api.meetingbaas.com"
	joinTimeout        = 30 * time.Second
)

// JoinRequest describes the bot to send into a meeting.
type JoinRequest struct {
	MeetingURL   string
	BotName      string
	EntryMessage string
}

// JoinResult is the platform's answer to a join request.
type JoinResult struct {
	BotID string `json:"bot_id"`
}

// Joiner talks to the meeting platform's bot API: joining and leaving
// meetings and querying bot state.
type Joiner struct {
	apiKey      string
	baseURL     string
	webhookHost string
	httpClient  *http.Client
	logger      *slog.Logger
}

// JoinerOption configures a Joiner.
type JoinerOption func(*Joiner)

// WithPlatformURL overrides the platform API base URL. Used in tests.
func WithPlatformURL(u string) JoinerOption {
	return func(j *Joiner) { j.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) JoinerOption {
	return func(j *Joiner) { j.httpClient = c }
}

// NewJoiner creates a platform client. webhookHost is the externally
// reachable host the platform calls back to with lifecycle events and
// streams audio to.
func NewJoiner(apiKey, webhookHost string, logger *slog.Logger, opts ...JoinerOption) (*Joiner, error) {
	if apiKey == "" {
		return nil, ai.NewFatalError(fmt.Errorf("missing api key"), "platform API key is required")
	}
	if webhookHost == "" {
		return nil, ai.NewFatalError(fmt.Errorf("missing webhook host"), "webhook host is required")
	}
	j := &Joiner{
		apiKey:      apiKey,
		baseURL:     defaultPlatformURL,
		webhookHost: webhookHost,
		httpClient:  &http.Client{Timeout: joinTimeout},
		logger:      logger,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// normalizeMeetingURL cleans up pasted meeting links: missing scheme,
// doubled scheme prefixes from sloppy copy-paste.
func normalizeMeetingURL(raw string) (string, error) {
	u := strings.TrimSpace(raw)
	if !strings.Contains(strings.ToLower(u), "http") {
		u = "https://" + u
	}
	if strings.Count(u, "http") > 1 {
		u = u[strings.LastIndex(u, "http"):]
	}
	if _, err := url.Parse(u); err != nil {
		return "", fmt.Errorf("invalid meeting URL %q: %w", raw, err)
	}
	return u, nil
}

// Join sends a bot into the meeting and returns the platform's bot id.
func (j *Joiner) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	meetingURL, err := normalizeMeetingURL(req.MeetingURL)
	if err != nil {
		return JoinResult{}, ai.NewFatalError(err, "invalid meeting URL")
	}
	botName := req.BotName
	if botName == "" {
		botName = "MeetBot"
	}

	payload := map[string]any{
		"meeting_url":    meetingURL,
		"bot_name":       botName,
		"entry_message":  req.EntryMessage,
		"recording_mode": "speaker_view",
		"reserved":       false,
		"speech_to_text": map[string]any{"provider": "Default"},
		"automatic_leave": map[string]any{
			"waiting_room_timeout": 600,
		},
		"streaming": map[string]any{
			"audio_frequency": "16khz",
			"output":          fmt.Sprintf("wss://%s/ws/meeting/input", j.webhookHost),
		},
		"webhook_url": fmt.Sprintf("https://%s/api/meeting/webhook", j.webhookHost),
	}

	var result JoinResult
	if err := j.do(ctx, http.MethodPost, "/bots", payload, &result); err != nil {
		return JoinResult{}, err
	}

	j.logger.Info("Bot joining meeting",
		slog.String("bot_id", result.BotID),
		slog.String("meeting_url", meetingURL))
	return result, nil
}

// Leave removes the bot from its meeting.
func (j *Joiner) Leave(ctx context.Context, botID string) error {
	if err := j.do(ctx, http.MethodDelete, "/bots/"+botID, nil, nil); err != nil {
		return err
	}
	j.logger.Info("Bot left meeting", slog.String("bot_id", botID))
	return nil
}

// BotStatus queries the platform's view of a bot.
func (j *Joiner) BotStatus(ctx context.Context, botID string) (map[string]any, error) {
	var out map[string]any
	if err := j.do(ctx, http.MethodGet, "/bots/"+botID, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MeetingData fetches the recorded meeting data, including the final
// transcript, once a meeting has ended.
func (j *Joiner) MeetingData(ctx context.Context, botID string) (map[string]any, error) {
	var out map[string]any
	path := "/bots/meeting_data?bot_id=" + url.QueryEscape(botID)
	if err := j.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (j *Joiner) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return ai.NewFatalError(err, "encoding platform request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, j.baseURL+path, body)
	if err != nil {
		return ai.NewFatalError(err, "building platform request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-meeting-baas-api-key", j.apiKey)

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return ai.NewRecoverableError(err, "platform request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("platform returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return ai.NewFatalError(err, "platform rejected credentials")
		default:
			return ai.NewRecoverableError(err, "platform request failed")
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ai.NewRecoverableError(err, "decoding platform response")
	}
	return nil
}
