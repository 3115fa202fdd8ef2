package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/meetkit/meetbot/pkg/ai"
)

const defaultBaseURL = "https://api.elevenlabs.io/v1"

// ElevenLabs implements Synthesizer against the ElevenLabs text-to-speech
// HTTP API.
type ElevenLabs struct {
	apiKey          string
	voiceID         string
	stability       float64
	similarityBoost float64
	baseURL         string
	client          *http.Client
	logger          *slog.Logger
	muted           atomic.Bool
}

// Config holds configuration for the ElevenLabs synthesizer.
type Config struct {
	APIKey          string
	VoiceID         string
	Stability       float64 // Default 0.75
	SimilarityBoost float64 // Default 0.75
	BaseURL         string  // Overridable for tests
}

// NewElevenLabs creates a new ElevenLabs synthesizer.
func NewElevenLabs(cfg Config, logger *slog.Logger) (*ElevenLabs, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ElevenLabs API key is required")
	}
	if cfg.VoiceID == "" {
		return nil, fmt.Errorf("voice ID is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	stability := cfg.Stability
	if stability == 0 {
		stability = 0.75
	}
	similarity := cfg.SimilarityBoost
	if similarity == 0 {
		similarity = 0.75
	}

	return &ElevenLabs{
		apiKey:          cfg.APIKey,
		voiceID:         cfg.VoiceID,
		stability:       stability,
		similarityBoost: similarity,
		baseURL:         baseURL,
		client:          &http.Client{Timeout: 30 * time.Second},
		logger:          logger,
	}, nil
}

// SetMuted mutes or unmutes the synthesizer.
func (e *ElevenLabs) SetMuted(muted bool) {
	e.muted.Store(muted)
	e.logger.Info("Synthesizer mute state changed", slog.Bool("muted", muted))
}

// Muted reports whether the synthesizer is muted.
func (e *ElevenLabs) Muted() bool {
	return e.muted.Load()
}

type synthesisPayload struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	SpeakerBoost    bool    `json:"use_speaker_boost"`
}

// Synthesize converts text to audio bytes.
func (e *ElevenLabs) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if e.muted.Load() {
		return nil, ErrMuted
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyText
	}

	voiceID := req.VoiceID
	if voiceID == "" {
		voiceID = e.voiceID
	}

	payload, err := json.Marshal(synthesisPayload{
		Text:    text,
		ModelID: "eleven_monolingual_v1",
		VoiceSettings: voiceSettings{
			Stability:       e.stability,
			SimilarityBoost: e.similarityBoost,
			SpeakerBoost:    true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode synthesis request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s", e.baseURL, voiceID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build synthesis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, ai.NewRecoverableError(err, "synthesis request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("synthesis failed (HTTP %d): %s", resp.StatusCode, body)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusUnprocessableEntity {
			return nil, ai.NewFatalError(err, err.Error())
		}
		return nil, ai.NewRecoverableError(err, err.Error())
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ai.NewRecoverableError(err, "failed to read synthesis audio")
	}

	e.logger.Info("Generated speech",
		slog.Int("text_len", len(text)),
		slog.Int("audio_bytes", len(audio)),
		slog.String("voice_id", voiceID))
	return audio, nil
}

// Capabilities returns the synthesizer capabilities.
func (e *ElevenLabs) Capabilities() Capabilities {
	return Capabilities{
		Streaming:       false,
		SupportedVoices: []string{e.voiceID},
		OutputFormat:    "audio/mpeg",
	}
}

// Voices fetches the available voice catalog from the provider.
func (e *ElevenLabs) Voices(ctx context.Context) ([]Voice, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build voices request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, ai.NewRecoverableError(err, "voices request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voices request failed (HTTP %d)", resp.StatusCode)
	}

	var payload struct {
		Voices []struct {
			VoiceID     string `json:"voice_id"`
			Name        string `json:"name"`
			Category    string `json:"category"`
			Description string `json:"description"`
			PreviewURL  string `json:"preview_url"`
		} `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode voices response: %w", err)
	}

	voices := make([]Voice, 0, len(payload.Voices))
	for _, v := range payload.Voices {
		voices = append(voices, Voice{
			ID:          v.VoiceID,
			Name:        v.Name,
			Category:    v.Category,
			Description: v.Description,
			PreviewURL:  v.PreviewURL,
		})
	}
	return voices, nil
}
