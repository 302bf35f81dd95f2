package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"avs/internal/pkg/deadline"
	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
	"avs/internal/providers/availability"
)

// OllamaConfig configures OllamaClient. Zero values fall back to the
// defaults below.
type OllamaConfig struct {
	BaseURL           string
	Model             string
	Timeout           time.Duration
	MaxRetries        int
	HeartbeatInterval time.Duration
	AvailabilityCache time.Duration
}

const (
	DefaultOllamaURL         = "http://localhost:11434"
	DefaultOllamaModel       = "llama3.1:8b-q4_k_m"
	DefaultTimeout           = 120 * time.Second
	DefaultMaxRetries        = 3
	DefaultHeartbeatInterval = 15 * time.Second

	probeTimeout = 5 * time.Second
)

func (c OllamaConfig) withDefaults() OllamaConfig {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultOllamaURL
	}
	if c.Model == "" {
		c.Model = DefaultOllamaModel
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.AvailabilityCache <= 0 {
		c.AvailabilityCache = availability.DefaultTTL
	}
	return c
}

// OllamaClient talks to a local Ollama daemon.
type OllamaClient struct {
	cfg    OllamaConfig
	client *http.Client
	cache  *availability.Cache
	log    *logger.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewOllamaClient(cfg OllamaConfig, log *logger.Logger) *OllamaClient {
	if log == nil {
		log = logger.NewNop()
	}
	cfg = cfg.withDefaults()
	return &OllamaClient{
		cfg: cfg,
		// Attempts are bounded by their own context; the client itself has
		// no timeout.
		client: &http.Client{},
		cache:  availability.New(cfg.AvailabilityCache),
		log:    log.WithComponent("ollama"),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func (c *OllamaClient) Name() string { return "ollama" }

// Model returns the default model.
func (c *OllamaClient) Model() string { return c.cfg.Model }

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

// Generate runs up to MaxRetries attempts with 2^attempt second pauses in
// between. Cancellation and non-retryable errors return immediately.
func (c *OllamaClient) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if req.Model == "" {
		req.Model = c.cfg.Model
	}
	log := c.log.FromContext(ctx).With("model", req.Model)

	var last error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		text, err := c.attempt(ctx, req, attempt)
		if err == nil {
			if attempt > 1 {
				log.Info("generation succeeded after retry", "attempt", attempt)
			}
			return text, nil
		}
		if errors.IsCancelled(err) || !errors.IsRetryable(err) {
			return "", err
		}
		last = err

		if attempt == c.cfg.MaxRetries {
			break
		}
		delay := time.Duration(1<<attempt) * time.Second
		log.Warn("generation attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", c.cfg.MaxRetries,
			"backoff", delay.String(),
			"error", err.Error(),
		)
		// like an attempt, the pause ends early only on explicit cancellation
		bctx, stop := deadline.Independent(ctx, delay+time.Second)
		err = c.sleep(bctx, delay)
		stop()
		if err != nil {
			return "", errors.WrapWithCode(err, errors.CodeCancelled, "llm.ollama.generate", "cancelled during backoff")
		}
	}
	return "", c.exhausted(last)
}

// exhausted builds the error surfaced after the last attempt.
func (c *OllamaClient) exhausted(last error) error {
	n := c.cfg.MaxRetries
	switch {
	case errors.IsTimeout(last):
		return errors.WrapWithCode(last, errors.CodeTimeout, "llm.ollama.generate",
			fmt.Sprintf("ollama did not answer within the configured timeout of %s (%d attempts); "+
				"raise AVS_OLLAMA_TIMEOUT or choose a smaller model", c.cfg.Timeout, n)).
			WithField("timeout", c.cfg.Timeout.String()).
			WithField("attempts", n)
	case errors.IsCode(last, errors.CodeUnreachable):
		return errors.WrapWithCode(last, errors.CodeUnreachable, "llm.ollama.generate",
			fmt.Sprintf("cannot connect to ollama at %s after %d attempts; is `ollama serve` running?", c.cfg.BaseURL, n)).
			WithField("attempts", n)
	}
	return errors.Wrapf(last, "llm.ollama.generate", "generation failed after %d attempts", n).
		WithField("attempts", n)
}

func (c *OllamaClient) attempt(parent context.Context, req GenerateRequest, attempt int) (string, error) {
	const op = "llm.ollama.generate"

	ctx, cancel := deadline.Independent(parent, c.cfg.Timeout)
	defer cancel()

	stop := c.heartbeat(parent, req.Model, attempt)
	defer stop()

	body := ollamaGenerateRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		System:  req.SystemPrompt,
		Options: req.Options,
	}
	if req.JSON {
		body.Format = "json"
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", errors.Wrap(err, op, "failed to encode request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, op, "failed to build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return "", classifyTransport(parent, ctx, op, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", statusError(op, res, fmt.Sprintf("model %q not found; pull it with `ollama pull %s`", req.Model, req.Model))
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return "", classifyTransport(parent, ctx, op, err)
		}
		return "", errors.Wrap(err, op, "failed to decode response")
	}
	if out.Error != "" {
		return "", errors.New(errors.CodeNonRetryable, "ollama error: "+out.Error)
	}
	text := strings.TrimSpace(out.Response)
	if text == "" {
		return "", errors.New(errors.CodeNonRetryable, "ollama returned an empty response").
			WithField("model", req.Model)
	}
	return text, nil
}

// heartbeat logs elapsed and remaining time until the returned stop is
// called. stop joins the ticker goroutine.
func (c *OllamaClient) heartbeat(ctx context.Context, model string, attempt int) (stop func()) {
	start := c.now()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		t := time.NewTicker(c.cfg.HeartbeatInterval)
		defer t.Stop()
		log := c.log.FromContext(ctx)
		for {
			select {
			case <-done:
				return
			case <-t.C:
				elapsed := c.now().Sub(start)
				log.Info("waiting for ollama",
					"model", model,
					"attempt", attempt,
					"elapsed", elapsed.Round(time.Second).String(),
					"remaining", max(c.cfg.Timeout-elapsed, 0).Round(time.Second).String(),
				)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

// IsAvailable probes /api/tags, caching the answer for AvailabilityCache.
func (c *OllamaClient) IsAvailable(ctx context.Context) bool {
	return c.cache.Check(ctx, func(ctx context.Context) bool {
		_, err := c.tags(ctx)
		if err != nil {
			c.log.FromContext(ctx).Debug("ollama unavailable", "error", err.Error())
			return false
		}
		return true
	})
}

// ListModels returns the names of the installed models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	tags, err := c.tags(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		names = append(names, name)
	}
	return names, nil
}

func (c *OllamaClient) tags(parent context.Context) (ollamaTagsResponse, error) {
	const op = "llm.ollama.tags"

	ctx, cancel := deadline.Independent(parent, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return ollamaTagsResponse{}, errors.Wrap(err, op, "failed to build request")
	}
	res, err := c.client.Do(req)
	if err != nil {
		return ollamaTagsResponse{}, classifyTransport(parent, ctx, op, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return ollamaTagsResponse{}, statusError(op, res, "ollama tags endpoint not found")
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(res.Body).Decode(&tags); err != nil {
		return ollamaTagsResponse{}, errors.Wrap(err, op, "failed to decode tags")
	}
	return tags, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
