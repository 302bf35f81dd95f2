package tts

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"avs/internal/pkg/deadline"
	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
	"avs/internal/providers/availability"
)

type pollyAPI interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
	DescribeVoices(ctx context.Context, params *polly.DescribeVoicesInput, optFns ...func(*polly.Options)) (*polly.DescribeVoicesOutput, error)
}

// PollyConfig configures PollySynthesizer.
type PollyConfig struct {
	Region            string
	VoiceID           string
	Engine            string
	Timeout           time.Duration
	AvailabilityCache time.Duration
}

// maxPollyChars is the SynthesizeSpeech limit for plain text.
const maxPollyChars = 3000

// PollySynthesizer synthesizes MP3 narration with Amazon Polly. Long texts
// are split on sentence boundaries and the MP3 streams concatenated.
type PollySynthesizer struct {
	cfg   PollyConfig
	cache *availability.Cache
	log   *logger.Logger

	mu     sync.Mutex
	client pollyAPI
}

func NewPollySynthesizer(cfg PollyConfig, log *logger.Logger) *PollySynthesizer {
	return newPolly(cfg, nil, log)
}

func newPolly(cfg PollyConfig, client pollyAPI, log *logger.Logger) *PollySynthesizer {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		cfg.VoiceID = "Joanna"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &PollySynthesizer{
		cfg:    cfg,
		client: client,
		cache:  availability.New(cfg.AvailabilityCache),
		log:    log.WithComponent("polly"),
	}
}

func (p *PollySynthesizer) Name() string { return "polly" }

func (p *PollySynthesizer) engine() pollytypes.Engine {
	if strings.EqualFold(p.cfg.Engine, "neural") {
		return pollytypes.EngineNeural
	}
	return pollytypes.EngineStandard
}

// IsAvailable checks credentials and reachability with DescribeVoices.
func (p *PollySynthesizer) IsAvailable(ctx context.Context) bool {
	return p.cache.Check(ctx, func(ctx context.Context) bool {
		_, err := p.ListVoices(ctx)
		if err != nil {
			p.log.FromContext(ctx).Debug("polly unavailable", "error", err.Error())
		}
		return err == nil
	})
}

func (p *PollySynthesizer) ListVoices(parent context.Context) ([]string, error) {
	client, err := p.resolveClient(parent)
	if err != nil {
		return nil, err
	}
	ctx, cancel := deadline.Independent(parent, 10*time.Second)
	defer cancel()

	out, err := client.DescribeVoices(ctx, &polly.DescribeVoicesInput{Engine: p.engine()})
	if err != nil {
		return nil, normalizePollyError(parent, ctx, err)
	}
	ids := make([]string, 0, len(out.Voices))
	for _, v := range out.Voices {
		ids = append(ids, string(v.Id))
	}
	return ids, nil
}

func (p *PollySynthesizer) Synthesize(parent context.Context, req Request) (Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Result{}, errors.New(errors.CodeNonRetryable, "nothing to synthesize")
	}
	client, err := p.resolveClient(parent)
	if err != nil {
		return Result{}, err
	}
	voice := p.cfg.VoiceID
	if req.Voice != "" {
		voice = req.Voice
	}

	ctx, cancel := deadline.Independent(parent, p.cfg.Timeout)
	defer cancel()

	chunks := splitText(text, maxPollyChars)
	readers := make([]io.Reader, 0, len(chunks))
	closers := make([]io.Closer, 0, len(chunks))
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	for _, chunk := range chunks {
		out, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
			Engine:       p.engine(),
			OutputFormat: pollytypes.OutputFormatMp3,
			Text:         &chunk,
			TextType:     pollytypes.TextTypeText,
			VoiceId:      pollytypes.VoiceId(voice),
		})
		if err != nil {
			return Result{}, normalizePollyError(parent, ctx, err)
		}
		if out == nil || out.AudioStream == nil {
			return Result{}, errors.New(errors.CodeUnavailable, "polly returned no audio stream")
		}
		readers = append(readers, out.AudioStream)
		closers = append(closers, out.AudioStream)
	}

	path, n, err := writeAudio(req.Dir, "narration-polly.mp3", io.MultiReader(readers...))
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, normalizePollyError(parent, ctx, err)
		}
		return Result{}, err
	}
	p.log.FromContext(parent).Info("narration synthesized",
		"voice", voice,
		"chunks", len(chunks),
		"bytes", n,
	)
	return Result{Path: path, Format: "mp3", Bytes: n}, nil
}

func (p *PollySynthesizer) resolveClient(ctx context.Context) (pollyAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "tts.polly", "failed to load aws config")
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}

func normalizePollyError(parent, ctx context.Context, err error) error {
	const op = "tts.polly"
	switch deadline.Cause(parent, ctx) {
	case context.Canceled:
		return errors.WrapWithCode(err, errors.CodeCancelled, op, "synthesis cancelled")
	case context.DeadlineExceeded:
		return errors.WrapWithCode(err, errors.CodeTimeout, op, "synthesis timed out")
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException", "ServiceFailureException":
			return errors.WrapWithCode(err, errors.CodeUnavailable, op, "polly is throttling or failing")
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException",
			"MarksNotSupportedForFormatException", "InvalidSampleRateException",
			"EngineNotSupportedException", "LanguageNotSupportedException", "ValidationException":
			return errors.WrapWithCode(err, errors.CodeNonRetryable, op, "polly rejected the request: "+apiErr.ErrorCode())
		case "UnrecognizedClientException", "AccessDeniedException", "InvalidSignatureException":
			return errors.WrapWithCode(err, errors.CodeNonRetryable, op, "polly credentials rejected")
		}
	}
	return errors.WrapWithCode(err, errors.CodeUnavailable, op, "polly request failed")
}

// splitText cuts text into pieces of at most limit bytes, preferring
// sentence ends, then spaces. Pieces never split a rune.
func splitText(text string, limit int) []string {
	var out []string
	for len(text) > limit {
		end := sentenceEnd(text[:limit])
		if end < limit/2 {
			end = strings.LastIndex(text[:limit], " ") + 1
		}
		if end <= 0 {
			end = limit
			for end > 0 && !utf8.RuneStart(text[end]) {
				end--
			}
			if end == 0 {
				_, end = utf8.DecodeRuneInString(text)
			}
		}
		out = append(out, strings.TrimSpace(text[:end]))
		text = strings.TrimSpace(text[end:])
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// sentenceEnd returns the byte offset just past the last sentence
// terminator in s, or 0.
func sentenceEnd(s string) int {
	end := 0
	for i, r := range s {
		switch r {
		case '.', '!', '?', '。', '！', '？':
			end = i + utf8.RuneLen(r)
		}
	}
	return end
}
