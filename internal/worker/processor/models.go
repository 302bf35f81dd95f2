package processor

import (
	"math"

	"avs/internal/jobs"
)

// Band is the slice of the job's 0-100 progress owned by one stage.
type Band struct {
	Stage string
	From  int
	To    int
}

// DefaultBands gives the encoder the largest share since it dominates
// wall-clock time.
var DefaultBands = []Band{
	{Stage: jobs.StageScript, From: 0, To: 10},
	{Stage: jobs.StageVoice, From: 10, To: 25},
	{Stage: jobs.StageVisuals, From: 25, To: 40},
	{Stage: jobs.StageExport, From: 40, To: 100},
}

// Scale maps a stage-local percentage into the band.
func (b Band) Scale(percent float64) int {
	switch {
	case math.IsNaN(percent) || percent <= 0:
		return b.From
	case percent >= 100:
		return b.To
	}
	return b.From + int(math.Floor(percent*float64(b.To-b.From)/100))
}
