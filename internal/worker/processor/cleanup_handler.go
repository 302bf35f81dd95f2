package processor

import (
	"os"
	"path/filepath"

	"avs/internal/pkg/logger"
)

// Cleanup removes a job's intermediates once it reached a terminal state.
type Cleanup struct {
	keep bool
	log  *logger.Logger
}

func NewCleanup(keepIntermediates bool, log *logger.Logger) *Cleanup {
	return &Cleanup{keep: keepIntermediates, log: log}
}

// CleanupJob removes the work dir. The final video is left in place. A job
// that produced no output also loses its now empty job dir.
func (c *Cleanup) CleanupJob(dirs JobDirs) {
	if c.keep {
		return
	}
	if err := os.RemoveAll(dirs.Work); err != nil {
		c.log.Warn("failed to remove work dir", "path", dirs.Work, "error", err.Error())
	}
	// leftovers from an interrupted encode
	matches, _ := filepath.Glob(filepath.Join(dirs.Root, "*.partial.*"))
	for _, m := range matches {
		_ = os.Remove(m)
	}
	if _, err := os.Stat(dirs.Output); os.IsNotExist(err) {
		// Remove only succeeds on an empty dir.
		_ = os.Remove(dirs.Root)
	}
}
