// Package imagegen holds the scene image providers used by the visuals
// stage.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"avs/internal/pkg/deadline"
	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
	"avs/internal/providers/availability"
)

// Request asks for one scene image.
type Request struct {
	Prompt string
	// Path is where the image is written.
	Path string
}

// Generator produces an image file for a prompt.
type Generator interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	Generate(ctx context.Context, req Request) error
}

// OpenAIConfig configures OpenAIGenerator.
type OpenAIConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	Size              string
	Timeout           time.Duration
	AvailabilityCache time.Duration
}

// OpenAIGenerator calls an OpenAI-compatible /images/generations endpoint
// and writes the decoded PNG.
type OpenAIGenerator struct {
	cfg    OpenAIConfig
	client *http.Client
	cache  *availability.Cache
	log    *logger.Logger
}

func NewOpenAIGenerator(cfg OpenAIConfig, log *logger.Logger) *OpenAIGenerator {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "dall-e-3"
	}
	if cfg.Size == "" {
		cfg.Size = "1792x1024"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &OpenAIGenerator{
		cfg:    cfg,
		client: &http.Client{},
		cache:  availability.New(cfg.AvailabilityCache),
		log:    log.WithComponent("openai-images"),
	}
}

func (g *OpenAIGenerator) Name() string { return "openai-images" }

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

func (g *OpenAIGenerator) IsAvailable(ctx context.Context) bool {
	if g.cfg.APIKey == "" {
		return false
	}
	return g.cache.Check(ctx, func(parent context.Context) bool {
		ctx, cancel := deadline.Independent(parent, 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/models", nil)
		if err != nil {
			return false
		}
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
		res, err := g.client.Do(req)
		if err != nil {
			return false
		}
		defer res.Body.Close()
		_, _ = io.Copy(io.Discard, res.Body)
		return res.StatusCode == http.StatusOK
	})
}

func (g *OpenAIGenerator) Generate(parent context.Context, r Request) error {
	const op = "imagegen.openai"
	if g.cfg.APIKey == "" {
		return errors.New(errors.CodeNonRetryable, "openai api key is not configured")
	}

	payload, err := json.Marshal(imageRequest{
		Model:          g.cfg.Model,
		Prompt:         r.Prompt,
		N:              1,
		Size:           g.cfg.Size,
		ResponseFormat: "b64_json",
	})
	if err != nil {
		return errors.Wrap(err, op, "failed to encode request")
	}

	ctx, cancel := deadline.Independent(parent, g.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/images/generations", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, op, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	res, err := g.client.Do(req)
	if err != nil {
		switch deadline.Cause(parent, ctx) {
		case context.Canceled:
			return errors.WrapWithCode(err, errors.CodeCancelled, op, "image request cancelled")
		case context.DeadlineExceeded:
			return errors.WrapWithCode(err, errors.CodeTimeout, op, "image request timed out")
		}
		return errors.WrapWithCode(err, errors.CodeUnreachable, op, "cannot reach image service")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		code := errors.CodeNonRetryable
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			code = errors.CodeUnavailable
		}
		return errors.Newf(code, "%s: image service returned %d", op, res.StatusCode).
			WithField("body", strings.TrimSpace(string(body)))
	}

	var out imageResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return errors.Wrap(err, op, "failed to decode response")
	}
	if len(out.Data) == 0 || out.Data[0].B64JSON == "" {
		return errors.New(errors.CodeNonRetryable, "image service returned no image")
	}
	img, err := base64.StdEncoding.DecodeString(out.Data[0].B64JSON)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeNonRetryable, op, "image payload is not base64")
	}

	if err := os.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
		return errors.Wrap(err, op, "failed to create image directory")
	}
	if err := os.WriteFile(r.Path, img, 0o644); err != nil {
		return errors.Wrap(err, op, "failed to write image")
	}
	g.log.FromContext(parent).Debug("image generated", "path", r.Path, "bytes", len(img))
	return nil
}
