package processor

import (
	"avs/internal/jobs"
	"avs/internal/pipeline"
	"avs/internal/pkg/errors"
	"avs/internal/worker/util"
)

// JobParser turns a stored job into a fresh pipeline context.
type JobParser struct {
	workRoot string
	plan     pipeline.Plan
}

func NewJobParser(workRoot string, plan pipeline.Plan) *JobParser {
	return &JobParser{workRoot: workRoot, plan: plan}
}

// Parse validates the brief and lays out the job's directories.
func (jp *JobParser) Parse(j jobs.Job) (*pipeline.Context, error) {
	brief := j.Brief
	brief.Normalize()
	if err := brief.Validate(); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "processor.parse", "invalid brief")
	}
	if jp.plan.Width <= 0 || jp.plan.Height <= 0 || jp.plan.FPS <= 0 {
		return nil, errors.FailedPrecondition("render plan is not configured")
	}

	dirs := DirsFor(jp.workRoot, j.ID)
	return &pipeline.Context{
		CorrelationID: util.NewID("run"),
		JobID:         j.ID,
		Brief:         brief,
		Plan:          jp.plan,
		WorkDir:       dirs.Work,
		OutputPath:    dirs.Output,
	}, nil
}
