// Package tts holds the speech synthesis providers used by the voice stage.
package tts

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"avs/internal/pkg/errors"
)

// Request is one narration to synthesize.
type Request struct {
	Text string
	// Voice overrides the provider's default voice.
	Voice string
	// Dir receives the audio file.
	Dir string
}

// Result describes the written audio.
type Result struct {
	Path   string
	Format string
	Bytes  int64
}

// Synthesizer turns text into an audio file.
type Synthesizer interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	Synthesize(ctx context.Context, req Request) (Result, error)
}

// VoiceLister is implemented by providers that can enumerate voices.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]string, error)
}

// writeAudio streams r to dir/name via a temp file so that a failed
// download never leaves a partial file at the final path.
func writeAudio(dir, name string, r io.Reader) (string, int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, errors.Wrap(err, "tts.write", "failed to create audio directory")
	}
	tmp, err := os.CreateTemp(dir, name+".*.part")
	if err != nil {
		return "", 0, errors.Wrap(err, "tts.write", "failed to create audio file")
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, errors.Wrap(err, "tts.write", "failed to write audio")
	}
	if n == 0 {
		os.Remove(tmp.Name())
		return "", 0, errors.New(errors.CodeNonRetryable, "provider returned empty audio")
	}
	final := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", 0, errors.Wrap(err, "tts.write", "failed to finalize audio")
	}
	return final, n, nil
}
