package processor

import (
	"context"
	"time"

	"avs/internal/pipeline"
	"avs/internal/pkg/logger"
	"avs/internal/worker/renderer"
)

// RendererAdapter wraps the encoder supervisor for the export stage and
// logs each outcome with the job's context.
type RendererAdapter struct {
	enc pipeline.Encoder
	log *logger.Logger
}

func NewRendererAdapter(enc pipeline.Encoder, log *logger.Logger) *RendererAdapter {
	if log == nil {
		log = logger.NewNop()
	}
	return &RendererAdapter{enc: enc, log: log.WithComponent("renderer")}
}

// Run implements pipeline.Encoder.
func (ra *RendererAdapter) Run(ctx context.Context, job renderer.Job, onProgress renderer.ProgressFunc) (renderer.Outcome, error) {
	log := ra.log.FromContext(ctx)
	log.Debug("starting encoder", "dir", job.Dir, "total", job.Total.String(), "args", len(job.Args))

	start := time.Now()
	out, err := ra.enc.Run(ctx, job, onProgress)
	attrs := []any{
		"state", string(out.State),
		"exit_code", out.ExitCode,
		"stuck_killed", out.StuckKilled,
		"saw_end", out.SawEnd,
		"bytes", out.Bytes,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if err != nil {
		log.Error("encode failed", append(attrs, "error", err.Error(), "stderr_tail", out.Stderr)...)
		return out, err
	}
	log.Info("encode finished", attrs...)
	return out, nil
}
