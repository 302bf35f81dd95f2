// Package validate checks generated media before a stage accepts it.
//
// Validation failures are reported in the Result and never as errors; the
// owning stage decides how to fall back. Errors are reserved for timeouts
// of external tools and for cancellation.
package validate

import "time"

// Result is the outcome of one check. It is not persisted.
type Result struct {
	Path         string            `json:"path"`
	Valid        bool              `json:"valid"`
	Errors       []string          `json:"errors,omitempty"`
	DetectedType string            `json:"detected_type,omitempty"`
	Corrupted    bool              `json:"corrupted"`
	TimedOut     bool              `json:"timed_out,omitempty"`
	Duration     time.Duration     `json:"duration,omitempty"`
	Diagnostics  map[string]string `json:"diagnostics,omitempty"`
}

func (r *Result) fail(msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, msg)
}

func (r *Result) diag(k, v string) {
	if r.Diagnostics == nil {
		r.Diagnostics = make(map[string]string)
	}
	r.Diagnostics[k] = v
}

// Summary aggregates the results for many files.
type Summary struct {
	Results      []Result `json:"results"`
	ValidCount   int      `json:"valid_count"`
	InvalidCount int      `json:"invalid_count"`
}

// AllValid reports whether every file passed.
func (s Summary) AllValid() bool {
	return s.InvalidCount == 0
}
