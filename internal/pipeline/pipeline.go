// Package pipeline holds the per-job context and the four generation stages
// that fill it: script, voice, visuals and export.
//
// Stages run strictly in order. Each one reads the fields earlier stages
// produced and writes only its own. Degraded conditions (no provider,
// unusable output) fall back and record a warning; a stage returns an error
// only when an upstream field is missing, the job was cancelled, or the
// fallback itself cannot run.
package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"avs/internal/jobs"
	"avs/internal/pkg/errors"
)

// Stage is one phase of the pipeline.
type Stage interface {
	Name() string
	Execute(ctx context.Context, pc *Context, sink ProgressSink) error
}

// Progress is a stage-local progress report. Percent is 0-100 within the
// stage; the runner maps it into the job's band.
type Progress struct {
	Percent   float64
	Elapsed   time.Duration
	Remaining time.Duration
	Status    string
}

// ProgressSink receives stage progress.
type ProgressSink interface {
	Report(p Progress)
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(p Progress)

func (f SinkFunc) Report(p Progress) { f(p) }

// Discard drops every report.
var Discard ProgressSink = SinkFunc(func(Progress) {})

// Scene is one ordered unit of the script.
type Scene struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	Text  string `json:"text"`
	// Visual describes what the scene should show. It is the image prompt
	// and the placeholder caption.
	Visual   string        `json:"visual,omitempty"`
	Start    time.Duration `json:"start"`
	Duration time.Duration `json:"duration"`
}

// AssetKind tells the encoder how to use an asset.
type AssetKind string

const (
	AssetImage AssetKind = "image"
	AssetVideo AssetKind = "video"
)

// Asset is a visual resource attached to a scene.
type Asset struct {
	Kind     AssetKind         `json:"kind"`
	Path     string            `json:"path"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Plan is the output format.
type Plan struct {
	Width  int
	Height int
	FPS    int
}

// Context is the mutable state of one job. The runner owns it; stages
// write only the fields listed under their name.
type Context struct {
	// Set by the runner before the first stage.
	CorrelationID string
	JobID         string
	Brief         jobs.Brief
	Plan          Plan
	// WorkDir holds intermediates; OutputPath is the final video.
	WorkDir    string
	OutputPath string
	// Supplied maps scene indices to local copies of client-supplied assets.
	Supplied map[int][]string

	// Script stage.
	Script string
	Scenes []Scene

	// Voice stage.
	Voice           string
	NarrationPath   string
	NarrationSilent bool

	// Visuals stage.
	Assets map[int][]Asset

	mu       sync.Mutex
	warnings []string
}

// Warn records a fallback or degradation. It is safe for concurrent use.
func (c *Context) Warn(msg string) {
	c.mu.Lock()
	c.warnings = append(c.warnings, msg)
	c.mu.Unlock()
}

// Warnings returns the warnings recorded so far.
func (c *Context) Warnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.warnings...)
}

// TotalDuration is the sum of the scene durations.
func (c *Context) TotalDuration() time.Duration {
	var d time.Duration
	for _, s := range c.Scenes {
		d += s.Duration
	}
	return d
}

// AssetPaths returns the asset paths per scene.
func (c *Context) AssetPaths() map[int][]string {
	out := make(map[int][]string, len(c.Assets))
	for i, as := range c.Assets {
		for _, a := range as {
			out[i] = append(out[i], a.Path)
		}
	}
	return out
}

// SuppliedIndices returns the scene indices with supplied assets, sorted.
func (c *Context) SuppliedIndices() []int {
	idx := make([]int, 0, len(c.Supplied))
	for i := range c.Supplied {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// missingField reports a stage run without its upstream input.
func missingField(stage, field string) error {
	return errors.Internalf("%s stage requires %s from an earlier stage", stage, field).
		WithField("stage", stage).
		WithField("field", field)
}

// cancelled converts a done context into the pipeline's cancellation error.
func cancelled(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapWithCode(err, errors.CodeCancelled, op, "job cancelled")
	}
	return nil
}
