package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"

	"avs/internal/media/execx"
	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
)

// MinAudioBytes is the size at or below which audio is rejected without
// probing.
const MinAudioBytes = 128

// Stderr fragments ffprobe emits for damaged containers.
var corruptionMarkers = []string{
	"invalid data",
	"moov atom",
	"could not find codec",
}

// AudioConfig configures the external tools.
type AudioConfig struct {
	FFprobe         string
	FFmpeg          string
	ProbeTimeout    time.Duration
	ReencodeTimeout time.Duration
}

func (c AudioConfig) withDefaults() AudioConfig {
	if c.FFprobe == "" {
		c.FFprobe = "ffprobe"
	}
	if c.FFmpeg == "" {
		c.FFmpeg = "ffmpeg"
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 30 * time.Second
	}
	if c.ReencodeTimeout <= 0 {
		c.ReencodeTimeout = 60 * time.Second
	}
	return c
}

// AudioValidator checks narration files.
type AudioValidator struct {
	cfg    AudioConfig
	runner execx.Runner
	log    *logger.Logger
}

func NewAudioValidator(cfg AudioConfig, runner execx.Runner, log *logger.Logger) *AudioValidator {
	if runner == nil {
		runner = execx.ExecRunner{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &AudioValidator{
		cfg:    cfg.withDefaults(),
		runner: runner,
		log:    log.WithComponent("audio-validator"),
	}
}

// Validate checks path. WAV files are decoded in process; anything else is
// probed with ffprobe under a hard timeout. The error is non-nil only when
// the probe timed out or ctx was cancelled.
func (v *AudioValidator) Validate(ctx context.Context, path string) (Result, error) {
	res := Result{Path: path, Valid: true}

	st, err := os.Stat(path)
	if err != nil {
		res.fail("file not found: " + path)
		return res, nil
	}
	if st.Size() <= MinAudioBytes {
		res.Corrupted = true
		res.fail(fmt.Sprintf("file too small to be valid audio (%d bytes)", st.Size()))
		return res, nil
	}
	res.diag("size_bytes", strconv.FormatInt(st.Size(), 10))

	if isWAV(path) {
		return v.validateWAV(path, res), nil
	}
	return v.probe(ctx, path, res)
}

func isWAV(path string) bool {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		return true
	}
	head, err := readHead(path)
	return err == nil && riff("WAVE")(head)
}

// WAVInfo is the header data of a PCM WAV file.
type WAVInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// InspectWAV decodes the WAV header and computes the exact PCM duration.
func InspectWAV(path string) (WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return WAVInfo{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return WAVInfo{}, err
	}
	if dec.NumChans < 1 || dec.BitDepth < 8 || dec.SampleRate == 0 {
		return WAVInfo{}, fmt.Errorf("invalid wav header (channels=%d bits=%d rate=%d)", dec.NumChans, dec.BitDepth, dec.SampleRate)
	}
	if err := dec.FwdToPCM(); err != nil {
		return WAVInfo{}, err
	}

	frameBytes := int64(dec.NumChans) * int64(dec.BitDepth/8)
	frames := dec.PCMLen() / frameBytes
	return WAVInfo{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		Duration:   time.Duration(float64(frames) / float64(dec.SampleRate) * float64(time.Second)),
	}, nil
}

func (v *AudioValidator) validateWAV(path string, res Result) Result {
	info, err := InspectWAV(path)
	if err != nil {
		res.Corrupted = true
		res.fail("corrupted wav: " + err.Error())
		return res
	}
	res.DetectedType = "wav"
	res.Duration = info.Duration
	res.diag("sample_rate", strconv.Itoa(info.SampleRate))
	res.diag("channels", strconv.Itoa(info.Channels))
	res.diag("bit_depth", strconv.Itoa(info.BitDepth))
	if info.Duration <= 0 {
		res.fail("wav contains no samples")
	}
	return res
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
}

func (v *AudioValidator) probe(ctx context.Context, path string, res Result) (Result, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=format_name,duration,bit_rate:stream=codec_type,codec_name",
		"-of", "json",
		path,
	}
	out, err := v.runner.Run(ctx, v.cfg.ProbeTimeout, v.cfg.FFprobe, args...)

	if stderr := strings.TrimSpace(out.Stderr); stderr != "" {
		res.diag("stderr", stderr)
		lower := strings.ToLower(stderr)
		for _, m := range corruptionMarkers {
			if strings.Contains(lower, m) {
				res.Corrupted = true
				res.fail("corrupted audio: " + m)
				break
			}
		}
	}

	if err != nil {
		switch {
		case errors.IsTimeout(err):
			res.TimedOut = true
			res.fail("probe timed out after " + v.cfg.ProbeTimeout.String())
			return res, errors.WrapWithCode(err, errors.CodeTimeout, "validate.audio", "audio probe timed out")
		case errors.IsCancelled(err):
			res.fail("probe cancelled")
			return res, err
		}
		v.log.FromContext(ctx).Debug("ffprobe failed", "path", path, "error", err.Error())
		if res.Valid {
			res.fail("probe failed: " + err.Error())
		}
		return res, nil
	}
	if !res.Valid {
		return res, nil
	}

	var po probeOutput
	if err := json.Unmarshal([]byte(out.Stdout), &po); err != nil {
		res.fail("unreadable probe output")
		return res, nil
	}

	hasAudio := false
	for _, s := range po.Streams {
		if s.CodecType == "audio" {
			hasAudio = true
			res.DetectedType = s.CodecName
			break
		}
	}
	if !hasAudio {
		res.fail("no audio stream")
		return res, nil
	}

	if po.Format.BitRate != "" {
		res.diag("bit_rate", po.Format.BitRate)
	}
	if po.Format.FormatName != "" {
		res.diag("format", po.Format.FormatName)
	}
	secs, err := strconv.ParseFloat(po.Format.Duration, 64)
	if err != nil || secs <= 0 {
		res.fail("audio has no measurable duration")
		return res, nil
	}
	res.Duration = time.Duration(secs * float64(time.Second))
	return res, nil
}

// Reencode rewrites in as 16-bit PCM WAV at out under a hard timeout and
// validates the result.
func (v *AudioValidator) Reencode(ctx context.Context, in, out string) (Result, error) {
	args := []string{
		"-y", "-v", "error",
		"-i", in,
		"-vn", "-ac", "1", "-ar", "44100",
		"-c:a", "pcm_s16le",
		out,
	}
	res, err := v.runner.Run(ctx, v.cfg.ReencodeTimeout, v.cfg.FFmpeg, args...)
	if err != nil {
		failed := Result{Path: out}
		if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
			failed.diag("stderr", stderr)
		}
		switch {
		case errors.IsTimeout(err):
			failed.TimedOut = true
			failed.fail("re-encode timed out after " + v.cfg.ReencodeTimeout.String())
			return failed, errors.WrapWithCode(err, errors.CodeTimeout, "validate.reencode", "audio re-encode timed out")
		case errors.IsCancelled(err):
			failed.fail("re-encode cancelled")
			return failed, err
		}
		failed.fail("re-encode failed: " + err.Error())
		return failed, nil
	}
	return v.Validate(ctx, out)
}
