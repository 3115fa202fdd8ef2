package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meetkit/meetbot/internal/config"
	"github.com/meetkit/meetbot/internal/server"
	"github.com/meetkit/meetbot/pkg/ai/analysis"
	"github.com/meetkit/meetbot/pkg/ai/synthesis"
	"github.com/meetkit/meetbot/pkg/bot"
	"github.com/meetkit/meetbot/pkg/transcribe"
	"github.com/meetkit/meetbot/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "meetbot",
	Short: "meetbot - a real-time meeting assistant bot",
	Long: `meetbot joins video meetings through a hosting platform, transcribes
speech per speaker in real time, and speaks short AI-generated replies back
into the meeting when the conversation calls for one.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the meeting bot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := setupLogger(cfg)

		logger.Info("Starting server",
			slog.String("service", "meetbot"),
			slog.String("version", version.Version),
			slog.String("commit", version.GitCommit),
			slog.String("addr", cfg.ListenAddr))

		deps, err := buildDeps(cfg, logger)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		srv := server.New(cfg, deps, logger)
		if err := srv.Run(ctx); err != nil {
			logger.Error("Server failed", slog.String("error", err.Error()))
			return err
		}
		return nil
	},
}

var healthzCmd = &cobra.Command{
	Use:   "healthz",
	Short: "Query a running server's status endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + addr + "/api/control/system-status")
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health check returned %d", resp.StatusCode)
		}
		fmt.Println("ok")
		return nil
	},
}

func setupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	switch cfg.LogLevel {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.LogFormat == "console" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func buildDeps(cfg config.Config, logger *slog.Logger) (server.Deps, error) {
	platform, err := bot.NewJoiner(cfg.PlatformAPIKey, cfg.WebhookHost, logger)
	if err != nil {
		return server.Deps{}, fmt.Errorf("meeting platform: %w", err)
	}

	provider, err := transcribe.NewGladia(transcribe.GladiaConfig{
		APIKey: cfg.TranscriptionAPIKey,
	}, logger)
	if err != nil {
		return server.Deps{}, fmt.Errorf("transcription provider: %w", err)
	}

	analyzer, err := analysis.NewGPTAnalyzer(analysis.Config{
		APIKey: cfg.AnalysisAPIKey,
		Mode:   cfg.Persona,
	}, logger)
	if err != nil {
		return server.Deps{}, fmt.Errorf("analysis engine: %w", err)
	}

	synthesizer, err := synthesis.NewElevenLabs(synthesis.Config{
		APIKey:  cfg.SynthesisAPIKey,
		VoiceID: cfg.VoiceID,
	}, logger)
	if err != nil {
		return server.Deps{}, fmt.Errorf("synthesis engine: %w", err)
	}

	return server.Deps{
		Platform:    platform,
		Provider:    provider,
		Analyzer:    analyzer,
		Synthesizer: synthesizer,
		Store:       bot.NewMemoryStore(),
	}, nil
}

func init() {
	healthzCmd.Flags().String("addr", "localhost:8000", "Server address to check")
	rootCmd.AddCommand(versionCmd, serveCmd, healthzCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
