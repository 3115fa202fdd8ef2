package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"
)

const defaultModel = openai.GPT4oMini

// analysisMaxTokens caps responses so spoken contributions stay short.
const analysisMaxTokens = 100

// GPTAnalyzer implements Analyzer using OpenAI chat completions with a
// JSON response format. The model is instructed to return
// {should_speak, response, confidence, reasoning}.
type GPTAnalyzer struct {
	client      *openai.Client
	model       string
	mode        string
	temperature float32
	logger      *slog.Logger
	paused      atomic.Bool
}

// Config holds configuration for the OpenAI analyzer.
type Config struct {
	APIKey      string
	Model       string // Default: gpt-4o-mini
	Mode        string // Persona: "strategic advisor" (default) or "simulated cfo"
	Temperature float32
}

// NewGPTAnalyzer creates a new OpenAI-backed conversation analyzer.
func NewGPTAnalyzer(cfg Config, logger *slog.Logger) (*GPTAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	mode := cfg.Mode
	if mode == "" {
		mode = "strategic advisor"
	}

	return &GPTAnalyzer{
		client:      openai.NewClient(cfg.APIKey),
		model:       model,
		mode:        mode,
		temperature: cfg.Temperature,
		logger:      logger,
	}, nil
}

// SetPaused pauses or resumes the analyzer. A paused analyzer declines
// every request without calling the provider.
func (g *GPTAnalyzer) SetPaused(paused bool) {
	g.paused.Store(paused)
	g.logger.Info("Analyzer pause state changed", slog.Bool("paused", paused))
}

// Paused reports whether the analyzer is paused.
func (g *GPTAnalyzer) Paused() bool {
	return g.paused.Load()
}

// Analyze evaluates the current message and decides whether to contribute.
func (g *GPTAnalyzer) Analyze(ctx context.Context, req Request) (Decision, error) {
	if g.paused.Load() {
		return Decision{ShouldSpeak: false, Reasoning: "analyzer paused"}, nil
	}
	if strings.TrimSpace(req.CurrentMessage) == "" {
		return Decision{ShouldSpeak: false, Reasoning: "empty message"}, nil
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: g.systemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: g.analysisPrompt(req)},
		},
		Temperature: g.temperature,
		MaxTokens:   analysisMaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("analysis request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Decision{}, fmt.Errorf("no analysis choices returned")
	}

	return parseDecision(resp.Choices[0].Message.Content)
}

// Capabilities returns the analyzer capabilities.
func (g *GPTAnalyzer) Capabilities() Capabilities {
	return Capabilities{
		Models:          []string{openai.GPT4oMini, openai.GPT4o},
		MaxContextSize:  10,
		SupportsPausing: true,
	}
}

// decisionPayload mirrors the JSON contract with the model.
type decisionPayload struct {
	ShouldSpeak *bool    `json:"should_speak"`
	Response    string   `json:"response"`
	Confidence  *float64 `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
}

// parseDecision decodes the model's JSON reply. Missing required fields are
// a protocol error: the caller discards the message and continues.
func parseDecision(raw string) (Decision, error) {
	var payload decisionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Decision{}, fmt.Errorf("malformed analysis response: %w", err)
	}
	if payload.ShouldSpeak == nil || payload.Confidence == nil {
		return Decision{}, fmt.Errorf("analysis response missing required fields")
	}

	return Decision{
		ShouldSpeak: *payload.ShouldSpeak,
		Response:    payload.Response,
		Confidence:  *payload.Confidence,
		Reasoning:   payload.Reasoning,
	}, nil
}

func (g *GPTAnalyzer) systemPrompt() string {
	rolePrompts := map[string]string{
		"strategic advisor": `Provide concise (1-2 sentence) insights on:
- Business strategy and competitive positioning
- Market trends and opportunities
- Risk assessment and mitigation
Focus on strategic implications, not operational details.`,
		"simulated cfo": `Provide concise (1-2 sentence) insights on:
- Financial implications of decisions
- Cost-benefit analysis and revenue opportunities
- Budget and resource allocation
Focus strictly on financial perspectives.`,
	}

	role, ok := rolePrompts[g.mode]
	if !ok {
		role = rolePrompts["strategic advisor"]
	}

	return fmt.Sprintf(`You are participating in a business meeting as a %s. Follow these rules:
1. Only speak when you have unique, valuable input
2. Keep responses to 1-2 sentences maximum
3. Respond in JSON format with:
   - "should_speak": boolean
   - "response": string (if speaking)
   - "confidence": float (0-1)
   - "reasoning": string

%s`, g.mode, role)
}

func (g *GPTAnalyzer) analysisPrompt(req Request) string {
	context := "No previous conversation context."
	if len(req.Context) > 0 {
		context = strings.Join(req.Context, "\n")
	}

	return fmt.Sprintf(`CURRENT MESSAGE from %s: %q

RECENT CONVERSATION CONTEXT:
%s

Based on the current message and conversation context, determine whether you
should contribute to this meeting right now. Only speak if your contribution
adds genuine value rather than noise. Respond with JSON only, no additional text.`,
		req.Speaker, req.CurrentMessage, context)
}
