// Package jobs defines the job record, the rules for mutating it and the
// store contract shared by the API, the runner and the workers.
//
// A job only ever moves forward: progress never decreases and a job that
// reached completed, failed or cancelled rejects every later update.
package jobs

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"avs/internal/pkg/errors"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further mutation is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Pipeline stage labels.
const (
	StageQueued  = "queued"
	StageScript  = "script"
	StageVoice   = "voice"
	StageVisuals = "visuals"
	StageExport  = "export"
	StageDone    = "done"
)

var (
	// ErrTerminal is returned when updating a job that already finished.
	// Callers treat it as a no-op.
	ErrTerminal = errors.New(errors.CodeConflict, "job is in a terminal state")
	// ErrInvalidTransition matches (via errors.Is) status changes the
	// lifecycle does not allow, e.g. queued to completed.
	ErrInvalidTransition = errors.New(errors.CodeFailedPrecond, "invalid job status transition")
)

// IsTerminal reports whether err is ErrTerminal.
func IsTerminal(err error) bool {
	return errors.IsCode(err, errors.CodeConflict)
}

// Brief is the client request a job is generated from.
type Brief struct {
	Topic string `json:"topic"`
	// Text is free-form guidance for the script. When no LLM is reachable the
	// script falls back to splitting it into scenes.
	Text     string `json:"text,omitempty"`
	Audience string `json:"audience,omitempty"`
	Tone     string `json:"tone,omitempty"`
	Language string `json:"language,omitempty"`
	// TargetDurationSeconds is the desired video length.
	TargetDurationSeconds float64 `json:"target_duration_seconds"`
	// Voice names a TTS voice. Empty means the provider default.
	Voice string `json:"voice,omitempty"`
	// SceneAssets maps a scene index to storage object keys supplied by the
	// client. Missing scenes are generated.
	SceneAssets map[int][]string `json:"scene_assets,omitempty"`
}

// Brief limits.
const (
	DefaultTargetDuration = 30 * time.Second
	MaxTargetDuration     = 10 * time.Minute
)

// Normalize trims fields and applies defaults.
func (b *Brief) Normalize() {
	b.Topic = strings.TrimSpace(b.Topic)
	b.Text = strings.TrimSpace(b.Text)
	b.Audience = strings.TrimSpace(b.Audience)
	b.Tone = strings.TrimSpace(b.Tone)
	b.Language = strings.TrimSpace(b.Language)
	b.Voice = strings.TrimSpace(b.Voice)
	if b.TargetDurationSeconds <= 0 {
		b.TargetDurationSeconds = DefaultTargetDuration.Seconds()
	}
	if b.Language == "" {
		b.Language = "en"
	}
}

// Validate checks a normalized brief.
func (b Brief) Validate() error {
	if b.Topic == "" && b.Text == "" {
		return errors.ValidationField("topic", "topic or text is required")
	}
	if b.TargetDurationSeconds > MaxTargetDuration.Seconds() {
		return errors.ValidationField("target_duration_seconds", "target duration exceeds "+MaxTargetDuration.String())
	}
	for idx, keys := range b.SceneAssets {
		if idx < 0 {
			return errors.ValidationField("scene_assets", "scene index must not be negative")
		}
		for _, k := range keys {
			if strings.TrimSpace(k) == "" {
				return errors.ValidationField("scene_assets", "empty object key")
			}
		}
	}
	return nil
}

// TargetDuration returns the brief length as a duration.
func (b Brief) TargetDuration() time.Duration {
	return time.Duration(b.TargetDurationSeconds * float64(time.Second))
}

// Job is the status record observed by clients.
type Job struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	Progress     int        `json:"progress"`
	Stage        string     `json:"stage,omitempty"`
	OutputPath   string     `json:"output_path,omitempty"`
	ArtifactKey  string     `json:"artifact_key,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Warnings     []string   `json:"warnings,omitempty"`
	Brief        Brief      `json:"brief"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// New builds a queued job for a brief.
func New(b Brief, now time.Time) Job {
	now = now.UTC()
	return Job{
		ID:        uuid.NewString(),
		Status:    StatusQueued,
		Stage:     StageQueued,
		Brief:     b,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so snapshots never alias store state.
func (j Job) Clone() Job {
	out := j
	if j.Warnings != nil {
		out.Warnings = append([]string(nil), j.Warnings...)
	}
	if j.Brief.SceneAssets != nil {
		out.Brief.SceneAssets = make(map[int][]string, len(j.Brief.SceneAssets))
		for k, v := range j.Brief.SceneAssets {
			out.Brief.SceneAssets[k] = append([]string(nil), v...)
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Update is a partial mutation. Nil fields are left untouched.
type Update struct {
	Status       *Status
	Progress     *int
	Stage        *string
	OutputPath   *string
	ArtifactKey  *string
	ErrorMessage *string
	// AddWarnings are appended to the job's warnings.
	AddWarnings []string
}

// Started moves a queued job to running.
func Started() Update {
	s := StatusRunning
	return Update{Status: &s}
}

// AtStage reports progress within a stage.
func AtStage(stage string, progress int) Update {
	return Update{Stage: &stage, Progress: &progress}
}

// Succeeded completes a job with its final output.
func Succeeded(outputPath string) Update {
	s := StatusCompleted
	stage := StageDone
	p := 100
	return Update{Status: &s, Stage: &stage, Progress: &p, OutputPath: &outputPath}
}

// FailedWith fails a job with a human readable message.
func FailedWith(msg string) Update {
	s := StatusFailed
	return Update{Status: &s, ErrorMessage: &msg}
}

// CancelledUpdate cancels a job.
func CancelledUpdate() Update {
	s := StatusCancelled
	return Update{Status: &s}
}

// Warn appends warnings.
func Warn(msgs ...string) Update {
	return Update{AddWarnings: msgs}
}

// WithArtifact records the storage key of a published output.
func WithArtifact(key string) Update {
	return Update{ArtifactKey: &key}
}

const maxErrorMessage = 2000

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Apply mutates j in place. It returns ErrTerminal when j already finished
// and ErrInvalidTransition for disallowed status changes; j is unchanged on
// error.
func Apply(j *Job, u Update, now time.Time) error {
	if j.Status.Terminal() {
		return ErrTerminal
	}

	next := j.Status
	if u.Status != nil {
		if !isValidTransition(j.Status, *u.Status) {
			return errors.Newf(errors.CodeFailedPrecond, "invalid job status transition %s -> %s", j.Status, *u.Status).
				WithField("from", string(j.Status)).
				WithField("to", string(*u.Status))
		}
		next = *u.Status
	}

	now = now.UTC()
	if next == StatusRunning && j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	j.Status = next

	if u.Stage != nil {
		j.Stage = *u.Stage
	}
	if u.Progress != nil {
		j.Progress = clampForward(j.Progress, *u.Progress)
	}
	if u.ArtifactKey != nil {
		j.ArtifactKey = *u.ArtifactKey
	}
	if len(u.AddWarnings) > 0 {
		j.Warnings = append(j.Warnings, u.AddWarnings...)
	}

	switch next {
	case StatusCompleted:
		j.Progress = 100
		if u.OutputPath != nil {
			j.OutputPath = *u.OutputPath
		}
		j.ErrorMessage = ""
	case StatusFailed:
		msg := "job failed"
		if u.ErrorMessage != nil && strings.TrimSpace(*u.ErrorMessage) != "" {
			msg = *u.ErrorMessage
		}
		msg = truncate(msg, maxErrorMessage)
		j.ErrorMessage = msg
		j.OutputPath = ""
	case StatusCancelled:
		j.OutputPath = ""
	}

	if next.Terminal() {
		t := now
		j.FinishedAt = &t
	}
	j.UpdatedAt = now
	return nil
}

// clampForward keeps progress in [0,100] and never lets it go backwards.
func clampForward(current, next int) int {
	if next > 100 {
		next = 100
	}
	if next < current {
		return current
	}
	if next < 0 {
		return 0
	}
	return next
}

func isValidTransition(from, to Status) bool {
	if from == to {
		return from == StatusQueued || from == StatusRunning
	}
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}
