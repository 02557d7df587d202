package ranker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hetulpatel/distributor/internal/models"
)

const (
	defaultModel   = "openai/gpt-oss-120b"
	defaultTimeout = 20 * time.Second

	systemPrompt = "You are a trading-opportunity ranker. Given one opportunity as JSON, respond only with JSON: {\"score\": <0-100>}. Higher means more urgent to distribute."
)

// Config holds client settings.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float32
}

// Client scores opportunities via an OpenAI-compatible API.
type Client struct {
	api         *openai.Client
	model       string
	temperature float32
	timeout     time.Duration
}

// New creates a scoring client from config.
func New(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("ranker: API key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	temp := cfg.Temperature
	if temp < 0 {
		temp = 0
	}

	openaiCfg := openai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		openaiCfg.BaseURL = baseURL
	}

	return &Client{
		api:         openai.NewClientWithConfig(openaiCfg),
		model:       model,
		temperature: temp,
		timeout:     timeout,
	}, nil
}

type scoreResponse struct {
	Score float64 `json:"score"`
}

// Score asks the model for a 0-100 urgency score.
func (c *Client) Score(ctx context.Context, opp *models.Opportunity) (float64, error) {
	if c == nil {
		return 0, fmt.Errorf("ranker: client is nil")
	}
	if opp == nil {
		return 0, fmt.Errorf("ranker: opportunity is nil")
	}

	input, err := json.Marshal(opp)
	if err != nil {
		return 0, fmt.Errorf("ranker: marshal opportunity: %w", err)
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(input)},
		},
		MaxTokens:   64,
		Temperature: c.temperature,
	}

	resp, err := c.api.CreateChatCompletion(ctxWithTimeout, req)
	if err != nil {
		return 0, err
	}
	if len(resp.Choices) == 0 {
		return 0, fmt.Errorf("ranker: empty response")
	}
	return parseScore(resp.Choices[0].Message.Content)
}

func parseScore(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	var parsed scoreResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return 0, fmt.Errorf("ranker: parse response: %w", err)
	}
	if parsed.Score < 0 {
		parsed.Score = 0
	}
	if parsed.Score > 100 {
		parsed.Score = 100
	}
	return parsed.Score, nil
}
