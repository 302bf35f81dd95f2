// Package synth produces the deterministic artifacts used when no provider
// can: silent narration and placeholder scene images.
package synth

import (
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"avs/internal/pkg/errors"
)

// Silence format. 16-bit mono PCM keeps the file small and universally
// decodable by the encoder.
const (
	SilenceSampleRate = 22050
	silenceBitDepth   = 16
	silenceChannels   = 1
	wavFormatPCM      = 1
)

// SilenceSamples returns the number of frames written for d.
func SilenceSamples(d time.Duration, sampleRate int) int {
	return int(math.Round(d.Seconds() * float64(sampleRate)))
}

// WriteSilenceWAV writes a WAV file of exactly d of silence to path.
func WriteSilenceWAV(path string, d time.Duration) error {
	if d <= 0 {
		return errors.Validationf("silence duration must be positive, got %s", d)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "synth.silence", "failed to create output directory")
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "synth.silence", "failed to create silence file")
	}

	enc := wav.NewEncoder(f, SilenceSampleRate, silenceBitDepth, silenceChannels, wavFormatPCM)
	total := SilenceSamples(d, SilenceSampleRate)
	chunk := make([]int, SilenceSampleRate)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: silenceChannels, SampleRate: SilenceSampleRate},
		SourceBitDepth: silenceBitDepth,
	}

	for written := 0; written < total; {
		n := min(len(chunk), total-written)
		buf.Data = chunk[:n]
		if err := enc.Write(buf); err != nil {
			f.Close()
			return errors.Wrap(err, "synth.silence", "failed to write samples")
		}
		written += n
	}

	if err := enc.Close(); err != nil {
		f.Close()
		return errors.Wrap(err, "synth.silence", "failed to finalize wav header")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "synth.silence", "failed to close silence file")
	}
	return nil
}
