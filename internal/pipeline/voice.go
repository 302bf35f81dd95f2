package pipeline

import (
	"context"
	"path/filepath"
	"strings"

	"avs/internal/jobs"
	"avs/internal/media/synth"
	"avs/internal/media/validate"
	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
	"avs/internal/providers/mixer"
	"avs/internal/providers/tts"
)

// AudioChecker validates narration and repairs it by re-encoding.
type AudioChecker interface {
	Validate(ctx context.Context, path string) (validate.Result, error)
	Reencode(ctx context.Context, in, out string) (validate.Result, error)
}

// VoiceStage synthesizes the narration. When every speech provider fails or
// produces unusable audio, it writes silence lasting exactly the sum of the
// scene durations.
type VoiceStage struct {
	tts   *mixer.Mixer[tts.Synthesizer]
	audio AudioChecker
	log   *logger.Logger
}

func NewVoiceStage(chain *mixer.Mixer[tts.Synthesizer], audio AudioChecker, log *logger.Logger) *VoiceStage {
	if log == nil {
		log = logger.NewNop()
	}
	return &VoiceStage{tts: chain, audio: audio, log: log.WithComponent("stage.voice")}
}

func (s *VoiceStage) Name() string { return jobs.StageVoice }

func (s *VoiceStage) Execute(ctx context.Context, pc *Context, sink ProgressSink) error {
	if len(pc.Scenes) == 0 {
		return missingField(s.Name(), "scenes")
	}
	log := s.log.FromContext(ctx)
	dir := filepath.Join(pc.WorkDir, "audio")
	pc.Voice = pc.Brief.Voice
	sink.Report(Progress{Percent: 0, Status: "synthesizing narration"})

	path, err := s.synthesize(ctx, pc, dir)
	switch {
	case err == nil:
		pc.NarrationPath = path
		pc.NarrationSilent = false
		sink.Report(Progress{Percent: 100, Status: "narration ready"})
		return nil
	case errors.IsCancelled(err):
		return err
	}
	if err := cancelled(ctx, "stage.voice"); err != nil {
		return err
	}

	total := pc.TotalDuration()
	log.Warn("narration unavailable, using silence", "error", err.Error(), "duration", total.String())
	pc.Warn("speech synthesis unavailable, narration is silent")

	silence := filepath.Join(dir, "narration-silence.wav")
	if werr := synth.WriteSilenceWAV(silence, total); werr != nil {
		return errors.FatalEnvironment("failed to write fallback silence", werr).
			WithField("path", silence)
	}
	pc.NarrationPath = silence
	pc.NarrationSilent = true
	sink.Report(Progress{Percent: 100, Status: "silent narration"})
	return nil
}

func (s *VoiceStage) synthesize(ctx context.Context, pc *Context, dir string) (string, error) {
	if s.tts == nil || len(s.tts.Candidates()) == 0 {
		return "", mixer.ErrNoProvider
	}
	var path string
	_, err := s.tts.Invoke(ctx, func(ctx context.Context, p tts.Synthesizer) error {
		res, err := p.Synthesize(ctx, tts.Request{Text: pc.Script, Voice: pc.Voice, Dir: dir})
		if err != nil {
			return err
		}
		usable, err := s.check(ctx, p.Name(), res.Path, dir)
		if err != nil {
			return err
		}
		path = usable
		return nil
	})
	return path, err
}

// check validates a synthesized file and gives corrupted output one
// re-encode. It returns the usable path.
func (s *VoiceStage) check(ctx context.Context, provider, path, dir string) (string, error) {
	if s.audio == nil {
		return path, nil
	}
	log := s.log.FromContext(ctx).WithFields(map[string]any{"provider": provider, "path": path})

	res, err := s.audio.Validate(ctx, path)
	if err != nil {
		return "", err
	}
	if res.Valid {
		log.Debug("narration validated", "duration", res.Duration.String())
		return path, nil
	}
	if !res.Corrupted {
		return "", unusable(provider, res)
	}

	log.Warn("narration corrupted, re-encoding", "errors", strings.Join(res.Errors, "; "))
	out := filepath.Join(dir, "narration-"+provider+"-reencoded.wav")
	res, err = s.audio.Reencode(ctx, path, out)
	if err != nil {
		return "", err
	}
	if !res.Valid {
		return "", unusable(provider, res)
	}
	return out, nil
}

func unusable(provider string, res validate.Result) error {
	return errors.Newf(errors.CodeNonRetryable, "%s produced unusable audio: %s", provider, strings.Join(res.Errors, "; ")).
		WithField("provider", provider)
}
