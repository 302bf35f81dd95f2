package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"avs/internal/pkg/deadline"
	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
	"avs/internal/providers/availability"
)

// OpenAIConfig configures an OpenAI-compatible chat completion backend.
type OpenAIConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	Timeout           time.Duration
	AvailabilityCache time.Duration
}

// OpenAIClient calls /chat/completions. It makes a single attempt per call;
// the mixer moves on to the next backend on failure.
type OpenAIClient struct {
	cfg    OpenAIConfig
	client *http.Client
	cache  *availability.Cache
	log    *logger.Logger
}

func NewOpenAIClient(cfg OpenAIConfig, log *logger.Logger) *OpenAIClient {
	if log == nil {
		log = logger.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OpenAIClient{
		cfg:    cfg,
		client: &http.Client{},
		cache:  availability.New(cfg.AvailabilityCache),
		log:    log.WithComponent("openai"),
	}
}

func (c *OpenAIClient) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    *float64       `json:"temperature,omitempty"`
	MaxTokens      *int           `json:"max_tokens,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (c *OpenAIClient) Generate(parent context.Context, req GenerateRequest) (string, error) {
	const op = "llm.openai.generate"
	if c.cfg.APIKey == "" {
		return "", errors.New(errors.CodeNonRetryable, "openai api key is not configured")
	}
	if req.Model == "" {
		req.Model = c.cfg.Model
	}

	body := chatRequest{Model: req.Model}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if v, ok := req.Options["temperature"].(float64); ok {
		body.Temperature = &v
	}
	if v, ok := req.Options["num_predict"].(int); ok {
		body.MaxTokens = &v
	}
	if req.JSON {
		body.ResponseFormat = map[string]any{"type": "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", errors.Wrap(err, op, "failed to encode request")
	}

	ctx, cancel := deadline.Independent(parent, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, op, "failed to build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	res, err := c.client.Do(httpReq)
	if err != nil {
		return "", classifyTransport(parent, ctx, op, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", statusError(op, res, fmt.Sprintf("model %q not found", req.Model))
	}

	var out chatResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return "", classifyTransport(parent, ctx, op, err)
		}
		return "", errors.Wrap(err, op, "failed to decode response")
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", errors.New(errors.CodeNonRetryable, "openai returned an empty response")
	}
	c.log.FromContext(parent).Debug("completion received",
		"model", req.Model,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// IsAvailable requires an API key and a reachable /models endpoint.
func (c *OpenAIClient) IsAvailable(ctx context.Context) bool {
	if c.cfg.APIKey == "" {
		return false
	}
	return c.cache.Check(ctx, func(ctx context.Context) bool {
		_, err := c.ListModels(ctx)
		return err == nil
	})
}

func (c *OpenAIClient) ListModels(parent context.Context) ([]string, error) {
	const op = "llm.openai.models"

	ctx, cancel := deadline.Independent(parent, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return nil, errors.Wrap(err, op, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	res, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransport(parent, ctx, op, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, statusError(op, res, "models endpoint not found")
	}

	var out modelsResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, op, "failed to decode models")
	}
	ids := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
