package worker

import (
	"avs/internal/config"
	"avs/internal/jobs"
	"avs/internal/media/validate"
	"avs/internal/pipeline"
	"avs/internal/pkg/logger"
	"avs/internal/ports"
	"avs/internal/providers"
	"avs/internal/worker/processor"
	"avs/internal/worker/renderer"
)

// Deps are the collaborators of a job processor.
type Deps struct {
	Config    config.Config
	Store     jobs.Store
	SP        ports.StorageProvider
	Providers *providers.Set
	Log       *logger.Logger
}

// BuildStages returns the pipeline in execution order.
func BuildStages(cfg config.Config, set *providers.Set, log *logger.Logger) []pipeline.Stage {
	if set == nil {
		set = &providers.Set{}
	}
	audio := validate.NewAudioValidator(validate.AudioConfig{
		FFprobe:         cfg.Probe.FFprobe,
		FFmpeg:          cfg.Probe.FFmpeg,
		ProbeTimeout:    cfg.Probe.ProbeTimeout,
		ReencodeTimeout: cfg.Probe.ReencodeTimeout,
	}, nil, log)

	sup := renderer.NewSupervisor(renderer.Config{
		Binary:            cfg.Encoder.Binary,
		PollInterval:      cfg.Encoder.PollInterval,
		StuckThreshold:    cfg.Encoder.StuckThreshold,
		FinalizeThreshold: cfg.Encoder.FinalizeThreshold,
		FinalizeBand:      cfg.Encoder.FinalizeBand,
		MinOutputBytes:    cfg.Encoder.MinOutputBytes,
		QuitGrace:         cfg.Encoder.QuitGrace,
		FlushWait:         cfg.Encoder.FlushWait,
		MinFinalBytes:     cfg.Encoder.MinFinalBytes,
	}, log)

	return []pipeline.Stage{
		pipeline.NewScriptStage(set.LLM, log),
		pipeline.NewVoiceStage(set.TTS, audio, log),
		pipeline.NewVisualsStage(set.Images, validate.NewAssetValidator(), cfg.Runner.VisualsParallelism, log),
		pipeline.NewExportStage(processor.NewRendererAdapter(sup, log), log),
	}
}

// BuildProcessor wires the stages and the job's storage into a processor.
func BuildProcessor(d Deps) (*processor.Processor, error) {
	return processor.New(processor.Deps{
		Store:             d.Store,
		Stages:            BuildStages(d.Config, d.Providers, d.Log),
		SP:                d.SP,
		WorkRoot:          d.Config.Runner.WorkRoot,
		KeepIntermediates: d.Config.Runner.KeepIntermediates,
		Plan: pipeline.Plan{
			Width:  d.Config.Runner.Width,
			Height: d.Config.Runner.Height,
			FPS:    d.Config.Runner.FPS,
		},
		Log: d.Log,
	})
}
