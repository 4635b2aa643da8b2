// Package course turns a free-text prompt into a structured course outline
// using an OpenAI-compatible chat completion endpoint.
package course

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/ashureev/coursechat/internal/domain"
)

const (
	// DefaultBaseURL is Gemini's OpenAI-compatible endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	// DefaultModel is used when no model is configured.
	DefaultModel = "gemini-2.5-flash"
)

// SystemInstruction pins the model to the outline JSON schema.
const SystemInstruction = `You are an expert Course Generator. Your task is to take a user's prompt (Topic, Audience, Duration) and generate a detailed, structured course outline. You MUST return the response ONLY as a JSON object, following this exact schema. For each module, provide at least one source link for a video reference or study material.

{
  "title": "<Course Title>",
  "modules": [
    {
      "title": "<Module Title, e.g., Module 1: Introduction>",
      "lessons": [
        "<Lesson 1 Title>",
        "<Lesson 2 Title>"
      ],
      "resources": [
        {
          "type": "Video" | "Article" | "Book",
          "title": "<Resource Title/Description>",
          "link": "<Full URL of the source>"
        }
      ]
    }
  ]
}
Do NOT include any extra text or explanations outside the JSON object. The response must be a valid, parseable JSON string.`

var (
	// ErrEmptyPrompt is returned for blank prompts.
	ErrEmptyPrompt = errors.New("prompt is required")
	// ErrInvalidJSON is matched by errors.Is for any *InvalidJSONError.
	ErrInvalidJSON = errors.New("model response was not valid JSON")
	// ErrUpstream wraps transport and API failures of the model service.
	ErrUpstream = errors.New("model service request failed")
)

// Messages shown to users for generation failures.
const (
	MessageEmptyPrompt = "Prompt is required."
	MessageInvalidJSON = "AI response was not valid JSON."
	MessageUpstream    = "Failed to communicate with the AI service."
)

// InvalidJSONError carries the raw model output that failed to parse.
type InvalidJSONError struct {
	Raw string
	Err error
}

func (e *InvalidJSONError) Error() string {
	return fmt.Sprintf("%s: %v", ErrInvalidJSON, e.Err)
}

func (e *InvalidJSONError) Unwrap() []error {
	return []error{ErrInvalidJSON, e.Err}
}

// Generator produces a course outline for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*domain.CourseOutline, error)
}

// Config configures an OpenAIGenerator.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIGenerator calls a chat completion endpoint in JSON mode.
type OpenAIGenerator struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewOpenAIGenerator creates a generator. Empty BaseURL and Model fall back to
// the Gemini defaults.
func NewOpenAIGenerator(cfg Config, logger *slog.Logger) *OpenAIGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = DefaultBaseURL
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &OpenAIGenerator{
		client:  openai.NewClientWithConfig(oc),
		model:   model,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// Generate requests an outline for prompt and parses the model's JSON reply.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (*domain.CourseOutline, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemInstruction},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", ErrUpstream)
	}

	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	outline, err := ParseOutline(raw)
	if err != nil {
		g.logger.Error("Failed to parse outline from model", "error", err, "raw_response", raw)
		return nil, err
	}
	g.logger.Info("Course outline generated",
		"model", g.model,
		"modules", len(outline.Modules),
		"total_tokens", resp.Usage.TotalTokens,
	)
	return outline, nil
}

// ParseOutline decodes model output into an outline. Markdown code fences
// around the object are tolerated.
func ParseOutline(raw string) (*domain.CourseOutline, error) {
	body := stripFence(strings.TrimSpace(raw))
	var outline domain.CourseOutline
	if err := json.Unmarshal([]byte(body), &outline); err != nil {
		return nil, &InvalidJSONError{Raw: raw, Err: err}
	}
	return &outline, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
