package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	v0 "avs/internal/contracts/renderer/v0"
	"avs/internal/jobs"
	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
	"avs/internal/worker/renderer"
)

// Encoder runs one encode. renderer.Supervisor implements it.
type Encoder interface {
	Run(ctx context.Context, job renderer.Job, onProgress renderer.ProgressFunc) (renderer.Outcome, error)
}

// ExportStage renders the timeline with the encoder. Stage progress is the
// encoder's clamped percentage.
type ExportStage struct {
	enc Encoder
	log *logger.Logger
}

func NewExportStage(enc Encoder, log *logger.Logger) *ExportStage {
	if log == nil {
		log = logger.NewNop()
	}
	return &ExportStage{enc: enc, log: log.WithComponent("stage.export")}
}

func (s *ExportStage) Name() string { return jobs.StageExport }

func (s *ExportStage) Execute(ctx context.Context, pc *Context, sink ProgressSink) error {
	switch {
	case len(pc.Scenes) == 0:
		return missingField(s.Name(), "scenes")
	case pc.NarrationPath == "":
		return missingField(s.Name(), "narration")
	case pc.OutputPath == "":
		return missingField(s.Name(), "output path")
	}
	log := s.log.FromContext(ctx)

	if missing := v0.MissingScenes(len(pc.Scenes), pc.AssetPaths()); len(missing) > 0 {
		return errors.FailedPrecondition("scenes without assets: "+v0.FormatIndices(missing)).
			WithField("missing_scenes", missing)
	}

	spec := BuildRenderSpec(pc)
	if err := spec.Validate(); err != nil {
		return err
	}
	if err := writeRenderSpec(filepath.Join(pc.WorkDir, "render.json"), spec); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(pc.OutputPath), 0o755); err != nil {
		return errors.FatalEnvironment("failed to create output directory", err)
	}

	log.Info("encoding",
		"clips", len(spec.Clips),
		"total", spec.Total().String(),
		"silent", pc.NarrationSilent,
	)
	sink.Report(Progress{Percent: 0, Status: string(renderer.StateStarting)})

	out, err := s.enc.Run(ctx, renderer.Job{
		Args:       spec.Args(),
		Dir:        filepath.Dir(pc.OutputPath),
		TempPath:   spec.TempPath(),
		OutputPath: pc.OutputPath,
		Total:      spec.Total(),
	}, func(p renderer.Progress) {
		sink.Report(Progress{
			Percent:   p.Percent,
			Elapsed:   p.Elapsed,
			Remaining: p.Remaining,
			Status:    string(p.State),
		})
	})
	if err != nil {
		return err
	}
	if out.StuckKilled {
		pc.Warn("encoder stopped reporting progress and was terminated; the output passed verification")
	}
	return nil
}

// BuildRenderSpec lays the first asset of every scene on the timeline.
func BuildRenderSpec(pc *Context) v0.RenderSpec {
	spec := v0.RenderSpec{
		Version:    v0.Version,
		JobID:      pc.JobID,
		AudioPath:  pc.NarrationPath,
		OutputPath: pc.OutputPath,
		Width:      pc.Plan.Width,
		Height:     pc.Plan.Height,
		FPS:        pc.Plan.FPS,
	}
	for _, sc := range pc.Scenes {
		as := pc.Assets[sc.Index]
		if len(as) == 0 {
			continue
		}
		spec.Clips = append(spec.Clips, v0.Clip{
			SceneIndex: sc.Index,
			Path:       as[0].Path,
			Duration:   sc.Duration,
			Video:      as[0].Kind == AssetVideo,
		})
	}
	return spec
}

func writeRenderSpec(path string, spec v0.RenderSpec) error {
	b, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "stage.export", "failed to encode render spec")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.FatalEnvironment("failed to create work directory", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errors.FatalEnvironment("failed to write render spec", err)
	}
	return nil
}
