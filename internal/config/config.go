// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the service needs at startup. Provider API keys
// are validated at point of use, not here, so the service can run with a
// partial configuration in development.
type Config struct {
	ListenAddr string

	// Meeting platform.
	PlatformAPIKey string
	WebhookHost    string
	WebhookSecret  string
	BotName        string

	// Providers.
	TranscriptionAPIKey string
	AnalysisAPIKey      string
	SynthesisAPIKey     string
	VoiceID             string
	Persona             string

	// Pipeline tuning.
	SampleRate       int
	SilenceThreshold time.Duration
	Cooldown         time.Duration
	ContextSize      int

	// Logging.
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in when present; real environment variables
// win.
func Load() (Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8000"),
		PlatformAPIKey:      os.Getenv("MEETINGBAAS_API_KEY"),
		WebhookHost:         os.Getenv("WEBHOOK_HOST"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		BotName:             getEnv("BOT_NAME", "MeetBot"),
		TranscriptionAPIKey: os.Getenv("GLADIA_API_KEY"),
		AnalysisAPIKey:      os.Getenv("OPENAI_API_KEY"),
		SynthesisAPIKey:     os.Getenv("ELEVENLABS_API_KEY"),
		VoiceID:             getEnv("ELEVENLABS_VOICE_ID", ""),
		Persona:             getEnv("AI_PERSONA", "strategic advisor"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
	}

	var err error
	if cfg.SampleRate, err = getEnvInt("AUDIO_SAMPLE_RATE", 16000); err != nil {
		return Config{}, err
	}
	if cfg.ContextSize, err = getEnvInt("AI_CONTEXT_WINDOW", 3); err != nil {
		return Config{}, err
	}

	silenceMs, err := getEnvInt("SILENCE_THRESHOLD_MS", 500)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceThreshold = time.Duration(silenceMs) * time.Millisecond

	cooldownSec, err := getEnvInt("RESPONSE_COOLDOWN_SECONDS", 30)
	if err != nil {
		return Config{}, err
	}
	cfg.Cooldown = time.Duration(cooldownSec) * time.Second

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
