// Package processor runs one job through the pipeline stages and keeps its
// status record current until it reaches a terminal state.
package processor

import (
	"context"
	"os"
	"sync"
	"time"

	"avs/internal/jobs"
	"avs/internal/pipeline"
	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
	"avs/internal/ports"
)

type Deps struct {
	Store  jobs.Store
	Stages []pipeline.Stage
	// Bands defaults to DefaultBands.
	Bands []Band
	// SP is optional. Without it supplied scene assets are ignored and
	// outputs are not published.
	SP                ports.StorageProvider
	WorkRoot          string
	KeepIntermediates bool
	Plan              pipeline.Plan
	Log               *logger.Logger
}

type Processor struct {
	store  jobs.Store
	stages []pipeline.Stage
	bands  map[string]Band
	log    *logger.Logger

	workRoot      string
	jobParser     *JobParser
	inputHandler  *InputHandler
	outputHandler *OutputHandler
	cleanup       *Cleanup
}

func New(d Deps) (*Processor, error) {
	log := d.Log
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("processor")

	if d.Store == nil {
		return nil, errors.Internal("processor requires a job store")
	}
	bands := d.Bands
	if len(bands) == 0 {
		bands = DefaultBands
	}
	byStage := make(map[string]Band, len(bands))
	for _, b := range bands {
		byStage[b.Stage] = b
	}
	for _, st := range d.Stages {
		if _, ok := byStage[st.Name()]; !ok {
			return nil, errors.Internalf("no progress band for stage %q", st.Name())
		}
	}

	return &Processor{
		store:         d.Store,
		stages:        d.Stages,
		bands:         byStage,
		log:           log,
		workRoot:      d.WorkRoot,
		jobParser:     NewJobParser(d.WorkRoot, d.Plan),
		inputHandler:  NewInputHandler(d.SP, log),
		outputHandler: NewOutputHandler(d.SP, log),
		cleanup:       NewCleanup(d.KeepIntermediates, log),
	}, nil
}

// ProcessJob drives a queued job to a terminal state. The returned error is
// the cause of a failure or cancellation; the job record already reflects
// it. A job that is already terminal is skipped.
func (p *Processor) ProcessJob(ctx context.Context, jobID string) error {
	ctx = logger.ContextWithJobID(ctx, jobID)
	log := p.log.FromContext(ctx).WithJobID(jobID)

	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		return errors.Wrap(err, "processor.fetch", "failed to load job")
	}
	if job.Status.Terminal() {
		log.Info("job already finished, skipping", "status", string(job.Status))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return p.cancelJob(ctx, jobID, err)
	}

	pc, err := p.jobParser.Parse(job)
	if err != nil {
		return p.failJob(ctx, jobID, err)
	}

	if _, err := p.update(ctx, jobID, jobs.Started()); err != nil {
		if jobs.IsTerminal(err) {
			log.Info("job finished before it started")
			return nil
		}
		return errors.Wrap(err, "processor.status", "failed to mark job as running")
	}
	log.Info("job started", "correlation_id", pc.CorrelationID, "topic", pc.Brief.Topic)
	start := time.Now()

	dirs := DirsFor(p.workRoot, jobID)
	defer p.cleanup.CleanupJob(dirs)
	if err := os.MkdirAll(dirs.Work, 0o755); err != nil {
		return p.failJob(ctx, jobID, errors.FatalEnvironment("failed to create work directory", err))
	}

	flushed := 0
	flush := func() {
		w := pc.Warnings()
		if len(w) > flushed {
			if _, err := p.update(ctx, jobID, jobs.Warn(w[flushed:]...)); err == nil {
				flushed = len(w)
			}
		}
	}

	if err := p.inputHandler.Materialize(ctx, pc); err != nil {
		return p.stop(ctx, jobID, err)
	}
	flush()

	for _, st := range p.stages {
		if err := ctx.Err(); err != nil {
			return p.cancelJob(ctx, jobID, err)
		}
		name := st.Name()
		band := p.bands[name]
		stageLog := log.WithStage(name)

		p.update(ctx, jobID, jobs.AtStage(name, band.From))
		stageStart := time.Now()
		err := st.Execute(logger.ContextWithStage(ctx, name), pc, &bandSink{p: p, ctx: ctx, jobID: jobID, band: band, last: band.From})
		flush()
		if err != nil {
			return p.stop(ctx, jobID, errors.Wrapf(err, "processor."+name, "%s stage failed", name))
		}
		stageLog.Info("stage completed", "duration_ms", time.Since(stageStart).Milliseconds())
	}

	artifact := p.outputHandler.Publish(ctx, pc)
	flush()
	if err := ctx.Err(); err != nil {
		return p.cancelJob(ctx, jobID, err)
	}

	done := jobs.Succeeded(pc.OutputPath)
	if artifact != "" {
		done.ArtifactKey = &artifact
	}
	if _, err := p.update(ctx, jobID, done); err != nil {
		if jobs.IsTerminal(err) {
			log.Info("job reached a terminal state elsewhere, result discarded")
			return nil
		}
		return errors.Wrap(err, "processor.status", "failed to mark job as completed")
	}
	log.Info("job completed",
		"output_path", pc.OutputPath,
		"artifact_key", artifact,
		"warnings", len(pc.Warnings()),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// stop routes a stage error to cancellation or failure.
func (p *Processor) stop(ctx context.Context, jobID string, err error) error {
	if ctx.Err() != nil || errors.IsCancelled(err) {
		return p.cancelJob(ctx, jobID, err)
	}
	return p.failJob(ctx, jobID, err)
}

// update writes to the store even after ctx was cancelled so that the
// terminal state is always recorded.
func (p *Processor) update(ctx context.Context, jobID string, u jobs.Update) (jobs.Job, error) {
	snap, err := p.store.Update(context.WithoutCancel(ctx), jobID, u)
	if err != nil && !jobs.IsTerminal(err) {
		p.log.FromContext(ctx).Warn("job update failed", "job_id", jobID, "error", err.Error())
	}
	return snap, err
}

func (p *Processor) cancelJob(ctx context.Context, jobID string, cause error) error {
	log := p.log.FromContext(ctx).WithJobID(jobID)
	if _, err := p.update(ctx, jobID, jobs.CancelledUpdate()); err != nil && !jobs.IsTerminal(err) {
		return errors.Wrap(err, "processor.status", "failed to mark job as cancelled")
	}
	log.Info("job cancelled")
	if errors.IsCancelled(cause) {
		return cause
	}
	return errors.WrapWithCode(cause, errors.CodeCancelled, "processor", "job cancelled")
}

func (p *Processor) failJob(ctx context.Context, jobID string, cause error) error {
	attrs := []any{"code", string(errors.GetCode(cause))}
	var appErr *errors.Error
	if errors.As(cause, &appErr) && appErr.Op != "" {
		attrs = append(attrs, "op", appErr.Op)
	}
	p.log.LogError(ctx, "job failed", cause, attrs...)

	if _, err := p.update(ctx, jobID, jobs.FailedWith(errors.Message(cause))); err != nil && !jobs.IsTerminal(err) {
		return errors.Wrap(err, "processor.status", "failed to mark job as failed")
	}
	return cause
}

// bandSink folds stage progress into the job record. Only values that
// advance the job are written.
type bandSink struct {
	p     *Processor
	ctx   context.Context
	jobID string
	band  Band

	mu   sync.Mutex
	last int
}

func (s *bandSink) Report(pr pipeline.Progress) {
	v := s.band.Scale(pr.Percent)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v <= s.last {
		return
	}
	s.last = v
	s.p.update(s.ctx, s.jobID, jobs.AtStage(s.band.Stage, v))
}
