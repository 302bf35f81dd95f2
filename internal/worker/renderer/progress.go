package renderer

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// State is the supervisor lifecycle.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateKilled     State = "killed"
)

// Progress is one encoder progress sample.
type Progress struct {
	Percent   float64       `json:"percent"`
	Elapsed   time.Duration `json:"elapsed"`
	Remaining time.Duration `json:"remaining"`
	Status    string        `json:"status"`
	State     State         `json:"state"`
}

// sample is what a single stderr line tells us.
type sample struct {
	position time.Duration
	hasPos   bool
	end      bool
}

var clockRe = regexp.MustCompile(`(?:^|\s)(?:out_)?time=(-?)(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// parseLine recognizes ffmpeg stats lines ("... time=00:00:04.00 ...") and
// -progress key=value lines (out_time, out_time_us, out_time_ms, progress).
func parseLine(line string) (sample, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return sample{}, false
	}
	if line == "progress=end" {
		return sample{end: true}, true
	}

	// out_time_ms is in microseconds as well.
	for _, key := range []string{"out_time_us=", "out_time_ms="} {
		if v, ok := strings.CutPrefix(line, key); ok {
			us, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return sample{}, false
			}
			return sample{position: max(time.Duration(us)*time.Microsecond, 0), hasPos: true}, true
		}
	}

	m := clockRe.FindStringSubmatch(line)
	if m == nil {
		return sample{}, false
	}
	if m[1] == "-" {
		return sample{position: 0, hasPos: true}, true
	}
	h, _ := strconv.Atoi(m[2])
	mins, _ := strconv.Atoi(m[3])
	secs, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return sample{}, false
	}
	pos := time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute + time.Duration(secs*float64(time.Second))
	return sample{position: pos, hasPos: true}, true
}

// percentOf returns position/total as a percentage clamped to [0,100].
func percentOf(pos, total time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(pos) / float64(total) * 100
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// remaining estimates time left from the elapsed share.
func remaining(elapsed time.Duration, percent float64) time.Duration {
	if percent <= 0 || percent >= 100 {
		return 0
	}
	return time.Duration(float64(elapsed) * (100 - percent) / percent)
}

// scanCRLF splits on \n or \r so ffmpeg's carriage-return stats lines are
// seen as they are written.
func scanCRLF(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tail keeps the last n non-progress stderr lines for error reports.
type tail struct {
	n     int
	lines []string
}

func (t *tail) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) String() string {
	return strings.Join(t.lines, "\n")
}
