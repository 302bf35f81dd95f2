package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"avs/internal/jobs"
	"avs/internal/media/synth"
	"avs/internal/media/validate"
	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
	"avs/internal/providers/imagegen"
	"avs/internal/providers/mixer"
)

// AssetChecker validates a visual asset file.
type AssetChecker interface {
	Validate(path string) validate.Result
}

// DefaultParallelism bounds concurrent per-scene work.
const DefaultParallelism = 4

// VisualsStage attaches at least one asset to every scene. Supplied assets
// are used when they validate; otherwise the image chain is asked, and a
// placeholder is drawn as the last resort.
type VisualsStage struct {
	images      *mixer.Mixer[imagegen.Generator]
	assets      AssetChecker
	parallelism int
	log         *logger.Logger
}

func NewVisualsStage(chain *mixer.Mixer[imagegen.Generator], assets AssetChecker, parallelism int, log *logger.Logger) *VisualsStage {
	if assets == nil {
		assets = validate.NewAssetValidator()
	}
	if parallelism < 1 {
		parallelism = DefaultParallelism
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &VisualsStage{
		images:      chain,
		assets:      assets,
		parallelism: parallelism,
		log:         log.WithComponent("stage.visuals"),
	}
}

func (s *VisualsStage) Name() string { return jobs.StageVisuals }

func (s *VisualsStage) Execute(ctx context.Context, pc *Context, sink ProgressSink) error {
	if len(pc.Scenes) == 0 {
		return missingField(s.Name(), "scenes")
	}
	if pc.Plan.Width <= 0 || pc.Plan.Height <= 0 {
		return missingField(s.Name(), "output resolution")
	}
	dir := filepath.Join(pc.WorkDir, "visuals")
	sink.Report(Progress{Percent: 0, Status: "preparing visuals"})

	results := make([][]Asset, len(pc.Scenes))
	var done atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, scene := range pc.Scenes {
		g.Go(func() error {
			as, err := s.scene(gctx, pc, scene, dir)
			if err != nil {
				return err
			}
			results[i] = as
			n := done.Add(1)
			sink.Report(Progress{
				Percent: float64(n) * 100 / float64(len(pc.Scenes)),
				Status:  fmt.Sprintf("scene %d of %d ready", n, len(pc.Scenes)),
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if cerr := cancelled(ctx, "stage.visuals"); cerr != nil {
			return cerr
		}
		return err
	}

	pc.Assets = make(map[int][]Asset, len(results))
	for i, as := range results {
		pc.Assets[pc.Scenes[i].Index] = as
	}
	return nil
}

func (s *VisualsStage) scene(ctx context.Context, pc *Context, sc Scene, dir string) ([]Asset, error) {
	if err := cancelled(ctx, "stage.visuals"); err != nil {
		return nil, err
	}
	log := s.log.FromContext(ctx).WithFields(map[string]any{"scene": sc.Index})

	if supplied := s.supplied(pc, sc.Index); len(supplied) > 0 {
		return supplied, nil
	}

	if s.images != nil && len(s.images.Candidates()) > 0 {
		path := filepath.Join(dir, fmt.Sprintf("scene-%02d.png", sc.Index))
		name, err := s.images.Invoke(ctx, func(ctx context.Context, g imagegen.Generator) error {
			if err := g.Generate(ctx, imagegen.Request{Prompt: imagePrompt(pc, sc), Path: path}); err != nil {
				return err
			}
			if res := s.assets.Validate(path); !res.Valid {
				return errors.Newf(errors.CodeNonRetryable, "%s produced an unusable image: %s", g.Name(), strings.Join(res.Errors, "; "))
			}
			return nil
		})
		if err == nil {
			return []Asset{{Kind: AssetImage, Path: path, Metadata: map[string]string{"source": name}}}, nil
		}
		if errors.IsCancelled(err) {
			return nil, err
		}
		log.Warn("image generation failed, using placeholder", "error", err.Error())
		pc.Warn(fmt.Sprintf("scene %d: image generation unavailable, using a placeholder", sc.Index+1))
	}

	path := filepath.Join(dir, fmt.Sprintf("scene-%02d-placeholder.png", sc.Index))
	desc := sc.Visual
	if desc == "" {
		desc = sc.Text
	}
	err := synth.WritePlaceholderPNG(path, synth.Placeholder{
		Width:       pc.Plan.Width,
		Height:      pc.Plan.Height,
		Index:       sc.Index,
		Title:       sc.Title,
		Description: desc,
	})
	if err != nil {
		return nil, errors.FatalEnvironment("failed to write placeholder image", err).
			WithField("scene", sc.Index)
	}
	return []Asset{{Kind: AssetImage, Path: path, Metadata: map[string]string{"source": "placeholder"}}}, nil
}

// supplied returns the client-supplied assets of a scene that validate.
func (s *VisualsStage) supplied(pc *Context, idx int) []Asset {
	var out []Asset
	for _, p := range pc.Supplied[idx] {
		res := s.assets.Validate(p)
		if !res.Valid {
			pc.Warn(fmt.Sprintf("scene %d: supplied asset %s rejected: %s", idx+1, filepath.Base(p), strings.Join(res.Errors, "; ")))
			continue
		}
		if res.DetectedType == "wav" || res.DetectedType == "mp3" {
			pc.Warn(fmt.Sprintf("scene %d: supplied asset %s is audio, not a visual", idx+1, filepath.Base(p)))
			continue
		}
		kind := AssetImage
		if res.DetectedType == "mp4" || res.DetectedType == "mov" {
			kind = AssetVideo
		}
		out = append(out, Asset{Kind: kind, Path: p, Metadata: map[string]string{"source": "supplied", "type": res.DetectedType}})
	}
	return out
}

func imagePrompt(pc *Context, sc Scene) string {
	desc := sc.Visual
	if desc == "" {
		desc = sc.Text
	}
	if pc.Brief.Topic != "" {
		return fmt.Sprintf("%s. Illustration for a video about %s, no text.", desc, pc.Brief.Topic)
	}
	return desc + ". Illustration, no text."
}
