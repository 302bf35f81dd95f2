// Package config loads process configuration from the environment.
//
// Every variable is prefixed with AVS_ and every value has a default, so the
// API and the worker start without any explicit configuration.
package config

import (
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"avs/internal/pkg/errors"
)

// Prefix is the environment prefix for all variables.
const Prefix = "AVS"

// Runner modes.
const (
	ModeInline = "inline"
	ModeQueue  = "queue"
)

// Config is the root configuration shared by cmd/api and cmd/worker.
type Config struct {
	HTTPPort    string   `envconfig:"HTTP_PORT" default:"8080"`
	CORSOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:5173,http://localhost:8081"`
	// RequestTimeout applies to every route except the progress stream.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`

	Log      Log
	Runner   Runner
	Stream   Stream
	Postgres Postgres
	Redis    Redis
	Storage  Storage
	Ollama   Ollama
	OpenAI   OpenAI
	Polly    Polly
	TTS      HTTPTTS `envconfig:"TTS"`
	Images   Images
	Encoder  Encoder
	Probe    Probe
}

type Log struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"json"`
	Source bool   `envconfig:"SOURCE" default:"false"`
}

// Runner controls how submitted jobs are executed.
type Runner struct {
	// Mode is "inline" (jobs run inside the API process) or "queue" (jobs
	// are pushed to Redis and executed by cmd/worker).
	Mode        string `envconfig:"MODE" default:"inline"`
	Concurrency int64  `envconfig:"CONCURRENCY" default:"2"`
	WorkRoot    string `envconfig:"WORK_ROOT" default:"/tmp/avs"`
	// KeepIntermediates disables the per-job work dir cleanup.
	KeepIntermediates bool `envconfig:"KEEP_INTERMEDIATES" default:"false"`
	// VisualsParallelism bounds per-scene work in the visuals stage.
	VisualsParallelism int `envconfig:"VISUALS_PARALLELISM" default:"4"`
	Width              int `envconfig:"WIDTH" default:"1280"`
	Height             int `envconfig:"HEIGHT" default:"720"`
	FPS                int `envconfig:"FPS" default:"30"`
}

type Stream struct {
	Interval time.Duration `envconfig:"INTERVAL" default:"1s"`
	Buffer   int           `envconfig:"BUFFER" default:"16"`
}

type Postgres struct {
	URL string `envconfig:"URL"`
}

type Redis struct {
	Addr      string `envconfig:"ADDR"`
	Password  string `envconfig:"PASSWORD"`
	QueueName string `envconfig:"QUEUE_NAME" default:"avs:jobs"`
	// Channel prefix for progress and cancel pub/sub.
	ChannelPrefix string `envconfig:"CHANNEL_PREFIX" default:"avs"`
}

type Storage struct {
	// Provider is "", "localfs" or "gdrive". Empty disables publishing.
	Provider           string `envconfig:"PROVIDER"`
	LocalRoot          string `envconfig:"LOCAL_ROOT" default:"/data"`
	GDriveClientID     string `envconfig:"GDRIVE_CLIENT_ID"`
	GDriveClientSecret string `envconfig:"GDRIVE_CLIENT_SECRET"`
	GDriveRefreshToken string `envconfig:"GDRIVE_REFRESH_TOKEN"`
	GDriveFolderID     string `envconfig:"GDRIVE_FOLDER_ID"`
}

// Ollama configures the local-daemon LLM client.
type Ollama struct {
	Enabled           bool          `envconfig:"ENABLED" default:"true"`
	BaseURL           string        `envconfig:"BASE_URL" default:"http://localhost:11434"`
	Model             string        `envconfig:"MODEL" default:"llama3.1:8b-q4_k_m"`
	Timeout           time.Duration `envconfig:"TIMEOUT" default:"120s"`
	MaxRetries        int           `envconfig:"MAX_RETRIES" default:"3"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"15s"`
	AvailabilityCache time.Duration `envconfig:"AVAILABILITY_CACHE" default:"30s"`
}

// OpenAI configures an OpenAI-compatible chat completion endpoint.
type OpenAI struct {
	BaseURL    string        `envconfig:"BASE_URL" default:"https://api.openai.com/v1"`
	APIKey     string        `envconfig:"API_KEY"`
	Model      string        `envconfig:"MODEL" default:"gpt-4o-mini"`
	ImageModel string        `envconfig:"IMAGE_MODEL" default:"dall-e-3"`
	Timeout    time.Duration `envconfig:"TIMEOUT" default:"60s"`
}

type Polly struct {
	Enabled bool   `envconfig:"ENABLED" default:"false"`
	Region  string `envconfig:"REGION" default:"us-east-1"`
	VoiceID string `envconfig:"VOICE_ID" default:"Joanna"`
	Engine  string `envconfig:"ENGINE" default:"neural"`
}

// HTTPTTS configures an HTTP text-to-speech service that answers with audio
// bytes for a voice id.
type HTTPTTS struct {
	BaseURL string        `envconfig:"BASE_URL"`
	APIKey  string        `envconfig:"API_KEY"`
	VoiceID string        `envconfig:"VOICE_ID"`
	Model   string        `envconfig:"MODEL" default:"eleven_multilingual_v2"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"60s"`
}

type Images struct {
	// Enabled turns on the OpenAI-compatible image provider. Without it
	// scenes get placeholders unless assets are supplied with the brief.
	Enabled bool   `envconfig:"ENABLED" default:"false"`
	Size    string `envconfig:"SIZE" default:"1792x1024"`
}

// Encoder holds the supervisor policy knobs.
type Encoder struct {
	Binary            string        `envconfig:"BINARY" default:"ffmpeg"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	StuckThreshold    time.Duration `envconfig:"STUCK_THRESHOLD" default:"45s"`
	FinalizeThreshold time.Duration `envconfig:"FINALIZE_THRESHOLD" default:"180s"`
	FinalizeBand      float64       `envconfig:"FINALIZE_BAND" default:"90"`
	MinOutputBytes    int64         `envconfig:"MIN_OUTPUT_BYTES" default:"1048576"`
	QuitGrace         time.Duration `envconfig:"QUIT_GRACE" default:"5s"`
	FlushWait         time.Duration `envconfig:"FLUSH_WAIT" default:"500ms"`
	MinFinalBytes     int64         `envconfig:"MIN_FINAL_BYTES" default:"1024"`
}

// Probe configures the external probing and re-encoding tools.
type Probe struct {
	FFprobe         string        `envconfig:"FFPROBE" default:"ffprobe"`
	FFmpeg          string        `envconfig:"FFMPEG" default:"ffmpeg"`
	ProbeTimeout    time.Duration `envconfig:"TIMEOUT" default:"30s"`
	ReencodeTimeout time.Duration `envconfig:"REENCODE_TIMEOUT" default:"60s"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process(Prefix, &c); err != nil {
		return Config{}, err
	}
	c.Runner.Mode = strings.ToLower(strings.TrimSpace(c.Runner.Mode))
	if c.Runner.Concurrency < 1 {
		c.Runner.Concurrency = 1
	}
	if c.Runner.VisualsParallelism < 1 {
		c.Runner.VisualsParallelism = 1
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	switch c.Runner.Mode {
	case ModeInline:
	case ModeQueue:
		if c.Postgres.URL == "" {
			return errors.ValidationField("AVS_POSTGRES_URL", "queue mode requires a postgres job store")
		}
		if c.Redis.Addr == "" {
			return errors.ValidationField("AVS_REDIS_ADDR", "queue mode requires redis")
		}
	default:
		return errors.ValidationField("AVS_RUNNER_MODE", "unknown runner mode: "+c.Runner.Mode)
	}
	if c.Encoder.FinalizeBand <= 0 || c.Encoder.FinalizeBand > 100 {
		return errors.ValidationField("AVS_ENCODER_FINALIZE_BAND", "finalize band must be in (0, 100]")
	}
	switch c.Storage.Provider {
	case "", "localfs", "gdrive":
	default:
		return errors.ValidationField("AVS_STORAGE_PROVIDER", "unknown storage provider: "+c.Storage.Provider)
	}
	return nil
}

// QueueMode reports whether jobs are dispatched through Redis.
func (c Config) QueueMode() bool {
	return c.Runner.Mode == ModeQueue
}
