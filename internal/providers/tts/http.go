package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"avs/internal/pkg/deadline"
	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
	"avs/internal/providers/availability"
)

// HTTPConfig configures HTTPSynthesizer.
type HTTPConfig struct {
	BaseURL           string
	APIKey            string
	VoiceID           string
	Model             string
	Timeout           time.Duration
	AvailabilityCache time.Duration
}

// HTTPSynthesizer calls an ElevenLabs-style API:
// POST {base}/v1/text-to-speech/{voice} answering with MP3 bytes, and
// GET {base}/v1/voices for discovery.
type HTTPSynthesizer struct {
	cfg    HTTPConfig
	client *http.Client
	cache  *availability.Cache
	log    *logger.Logger
}

func NewHTTPSynthesizer(cfg HTTPConfig, log *logger.Logger) *HTTPSynthesizer {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &HTTPSynthesizer{
		cfg:    cfg,
		client: &http.Client{},
		cache:  availability.New(cfg.AvailabilityCache),
		log:    log.WithComponent("http-tts"),
	}
}

func (s *HTTPSynthesizer) Name() string { return "http-tts" }

type speechRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

type voicesResponse struct {
	Voices []struct {
		VoiceID string `json:"voice_id"`
		Name    string `json:"name"`
	} `json:"voices"`
}

func (s *HTTPSynthesizer) IsAvailable(ctx context.Context) bool {
	if s.cfg.BaseURL == "" {
		return false
	}
	return s.cache.Check(ctx, func(ctx context.Context) bool {
		_, err := s.ListVoices(ctx)
		return err == nil
	})
}

func (s *HTTPSynthesizer) ListVoices(parent context.Context) ([]string, error) {
	const op = "tts.http.voices"
	ctx, cancel := deadline.Independent(parent, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/v1/voices", nil)
	if err != nil {
		return nil, errors.Wrap(err, op, "failed to build request")
	}
	s.auth(req)
	res, err := s.client.Do(req)
	if err != nil {
		return nil, transportError(parent, ctx, op, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, httpStatusError(op, res)
	}
	var out voicesResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, op, "failed to decode voices")
	}
	ids := make([]string, 0, len(out.Voices))
	for _, v := range out.Voices {
		ids = append(ids, v.VoiceID)
	}
	return ids, nil
}

func (s *HTTPSynthesizer) Synthesize(parent context.Context, r Request) (Result, error) {
	const op = "tts.http.synthesize"
	if s.cfg.BaseURL == "" {
		return Result{}, errors.New(errors.CodeNonRetryable, "http tts base url is not configured")
	}
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return Result{}, errors.New(errors.CodeNonRetryable, "nothing to synthesize")
	}
	voice := s.cfg.VoiceID
	if r.Voice != "" {
		voice = r.Voice
	}
	if voice == "" {
		return Result{}, errors.New(errors.CodeNonRetryable, "no voice configured for http tts")
	}

	payload, err := json.Marshal(speechRequest{Text: text, ModelID: s.cfg.Model})
	if err != nil {
		return Result{}, errors.Wrap(err, op, "failed to encode request")
	}

	ctx, cancel := deadline.Independent(parent, s.cfg.Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s", s.cfg.BaseURL, url.PathEscape(voice))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, errors.Wrap(err, op, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	s.auth(req)

	res, err := s.client.Do(req)
	if err != nil {
		return Result{}, transportError(parent, ctx, op, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Result{}, httpStatusError(op, res)
	}

	format := "mp3"
	if strings.Contains(res.Header.Get("Content-Type"), "wav") {
		format = "wav"
	}
	path, n, err := writeAudio(r.Dir, "narration-http."+format, res.Body)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, transportError(parent, ctx, op, err)
		}
		return Result{}, err
	}
	s.log.FromContext(parent).Info("narration synthesized", "voice", voice, "bytes", n)
	return Result{Path: path, Format: format, Bytes: n}, nil
}

func (s *HTTPSynthesizer) auth(req *http.Request) {
	if s.cfg.APIKey != "" {
		req.Header.Set("xi-api-key", s.cfg.APIKey)
	}
}

func transportError(parent, ctx context.Context, op string, err error) error {
	switch deadline.Cause(parent, ctx) {
	case context.Canceled:
		return errors.WrapWithCode(err, errors.CodeCancelled, op, "request cancelled")
	case context.DeadlineExceeded:
		return errors.WrapWithCode(err, errors.CodeTimeout, op, "request timed out")
	}
	return errors.WrapWithCode(err, errors.CodeUnreachable, op, "cannot reach tts service")
}

func httpStatusError(op string, res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	code := errors.CodeNonRetryable
	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		code = errors.CodeUnavailable
	}
	return errors.Newf(code, "%s: tts service returned %d", op, res.StatusCode).
		WithField("status", res.StatusCode).
		WithField("body", strings.TrimSpace(string(body)))
}
