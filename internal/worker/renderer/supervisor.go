// Package renderer supervises the external encoder process: it follows the
// progress the encoder writes on stderr, kills encoders that stop making
// progress and finalizes the output file.
package renderer

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"avs/internal/media/execx"
	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
)

// Config holds the supervision policy. The thresholds are tuning knobs.
type Config struct {
	// Binary is the encoder executable.
	Binary string
	// PollInterval is how often the stuck detector looks at the encoder.
	PollInterval time.Duration
	// StuckThreshold is the allowed silence below FinalizeBand.
	StuckThreshold time.Duration
	// FinalizeThreshold is the allowed silence at or above FinalizeBand,
	// where flushing and muxing legitimately go quiet.
	FinalizeThreshold time.Duration
	// FinalizeBand is the percentage from which FinalizeThreshold applies.
	FinalizeBand float64
	// MinOutputBytes is the output size below which a silent encoder is
	// left alone.
	MinOutputBytes int64
	// QuitGrace is how long a quit request may take before the process
	// group is killed.
	QuitGrace time.Duration
	// FlushWait is the pause before the output is inspected.
	FlushWait time.Duration
	// MinFinalBytes is the smallest acceptable final output.
	MinFinalBytes int64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Binary:            "ffmpeg",
		PollInterval:      5 * time.Second,
		StuckThreshold:    45 * time.Second,
		FinalizeThreshold: 180 * time.Second,
		FinalizeBand:      90,
		MinOutputBytes:    1 << 20,
		QuitGrace:         5 * time.Second,
		FlushWait:         500 * time.Millisecond,
		MinFinalBytes:     1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Binary == "" {
		c.Binary = d.Binary
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = d.StuckThreshold
	}
	if c.FinalizeThreshold <= 0 {
		c.FinalizeThreshold = d.FinalizeThreshold
	}
	if c.FinalizeBand <= 0 {
		c.FinalizeBand = d.FinalizeBand
	}
	if c.MinOutputBytes <= 0 {
		c.MinOutputBytes = d.MinOutputBytes
	}
	if c.QuitGrace <= 0 {
		c.QuitGrace = d.QuitGrace
	}
	if c.FlushWait <= 0 {
		c.FlushWait = d.FlushWait
	}
	if c.MinFinalBytes <= 0 {
		c.MinFinalBytes = d.MinFinalBytes
	}
	return c
}

// Job is one encoder invocation.
type Job struct {
	Args []string
	// Dir is the working directory, normally the output's directory.
	Dir string
	// TempPath is the file the encoder writes. It is promoted to
	// OutputPath after a clean exit. Empty means OutputPath.
	TempPath   string
	OutputPath string
	// Total is the expected media duration used for percentages.
	Total time.Duration
}

// Outcome describes how an encode ended.
type Outcome struct {
	State       State
	OutputPath  string
	Bytes       int64
	ExitCode    int
	StuckKilled bool
	// SawEnd reports whether the encoder printed its completion marker.
	SawEnd  bool
	Elapsed time.Duration
	Stderr  string
}

// ProgressFunc receives non-decreasing progress samples. It is never called
// concurrently and never after Run returns.
type ProgressFunc func(Progress)

// Supervisor runs encoder processes.
type Supervisor struct {
	cfg Config
	log *logger.Logger
}

func NewSupervisor(cfg Config, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Supervisor{cfg: cfg.withDefaults(), log: log.WithComponent("supervisor")}
}

// run holds the state shared by the reader and the stuck detector.
type run struct {
	mu           sync.Mutex
	lastProgress time.Time
	percent      float64
	sawEnd       bool
	stuck        bool
}

func (r *run) observe(now time.Time, s sample, total time.Duration) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastProgress = now
	p := r.percent
	switch {
	case s.end:
		r.sawEnd = true
		p = 100
	case s.hasPos:
		p = percentOf(s.position, total)
	}
	if p <= r.percent {
		return r.percent, false
	}
	r.percent = p
	return p, true
}

func (r *run) snapshot() (time.Time, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastProgress, r.percent
}

// Run starts the encoder and blocks until it exits and the output is
// finalized. Cancelling ctx kills the process group and yields a CANCELLED
// error. A non-zero exit yields EXTERNAL_PROCESS with the exit code, and a
// missing binary FATAL_ENVIRONMENT.
func (s *Supervisor) Run(ctx context.Context, job Job, onProgress ProgressFunc) (Outcome, error) {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	if job.TempPath == "" {
		job.TempPath = job.OutputPath
	}
	log := s.log.FromContext(ctx)
	start := time.Now()
	out := Outcome{State: StateStarting, ExitCode: -1}

	cmd := exec.CommandContext(ctx, s.cfg.Binary, job.Args...)
	cmd.Dir = job.Dir
	execx.Prepare(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		out.State = StateFailed
		return out, errors.FatalEnvironment("failed to open encoder stdin", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		out.State = StateFailed
		return out, errors.FatalEnvironment("failed to open encoder stderr", err)
	}

	log.Info("starting encoder", "cmd", execx.CommandLine(s.cfg.Binary, job.Args...), "dir", job.Dir)
	if err := cmd.Start(); err != nil {
		out.State = StateFailed
		if ctx.Err() != nil {
			return out, errors.WrapWithCode(err, errors.CodeCancelled, "renderer.start", "encode cancelled")
		}
		return out, errors.FatalEnvironment("failed to start encoder "+s.cfg.Binary, err)
	}

	out.State = StateRunning
	r := &run{lastProgress: time.Now()}
	onProgress(Progress{State: StateRunning, Status: "encoding"})

	exited := make(chan struct{})
	stopDetector := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.detect(cmd, stdin, job, r, exited, stopDetector)
	}()

	errTail := &tail{n: 20}
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		sc.Split(scanCRLF)
		for sc.Scan() {
			line := sc.Text()
			smp, ok := parseLine(line)
			if !ok {
				errTail.add(line)
				continue
			}
			if p, advanced := r.observe(time.Now(), smp, job.Total); advanced {
				elapsed := time.Since(start)
				onProgress(Progress{
					Percent:   p,
					Elapsed:   elapsed,
					Remaining: remaining(elapsed, p),
					Status:    "encoding",
					State:     StateRunning,
				})
			}
		}
		// Drain whatever is left so the encoder never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, stderr)
	}()

	<-readerDone
	waitErr := cmd.Wait()
	close(exited)
	close(stopDetector)
	wg.Wait()

	out.Elapsed = time.Since(start)
	out.Stderr = errTail.String()
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	r.mu.Lock()
	out.SawEnd = r.sawEnd
	out.StuckKilled = r.stuck
	r.mu.Unlock()

	if ctx.Err() != nil {
		out.State = StateKilled
		log.Warn("encoder cancelled", "elapsed", out.Elapsed.String())
		return out, errors.WrapWithCode(ctx.Err(), errors.CodeCancelled, "renderer.run", "encode cancelled")
	}

	if waitErr != nil && !out.StuckKilled {
		out.State = StateFailed
		e := errors.ExternalProcess("encoder exited with code "+strconv.Itoa(out.ExitCode), out.ExitCode)
		if out.Stderr != "" {
			e = e.WithField("stderr", out.Stderr)
		}
		log.Error("encoder failed", "exit_code", out.ExitCode, "stderr", out.Stderr)
		return out, e
	}

	out.State = StateFinalizing
	_, pct := r.snapshot()
	onProgress(Progress{Percent: pct, Elapsed: out.Elapsed, Status: "finalizing", State: StateFinalizing})
	size, err := s.finalize(ctx, job)
	if err != nil {
		if out.StuckKilled {
			out.State = StateKilled
		} else {
			out.State = StateFailed
		}
		return out, err
	}

	out.State = StateCompleted
	out.OutputPath = job.OutputPath
	out.Bytes = size
	onProgress(Progress{Percent: 100, Elapsed: out.Elapsed, Status: "completed", State: StateCompleted})
	log.Info("encode completed",
		"output", job.OutputPath,
		"bytes", size,
		"elapsed", out.Elapsed.String(),
		"saw_end", out.SawEnd,
		"stuck_killed", out.StuckKilled,
	)
	return out, nil
}

// detect polls for stalls. A stalled encoder whose output is already
// plausible is asked to quit, then its process group is killed.
func (s *Supervisor) detect(cmd *exec.Cmd, stdin io.WriteCloser, job Job, r *run, exited, stop <-chan struct{}) {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}

		last, percent := r.snapshot()
		threshold := s.cfg.StuckThreshold
		if percent >= s.cfg.FinalizeBand {
			threshold = s.cfg.FinalizeThreshold
		}
		idle := time.Since(last)
		if idle <= threshold {
			continue
		}
		size := fileSize(job.TempPath)
		if size <= s.cfg.MinOutputBytes {
			continue
		}

		r.mu.Lock()
		r.stuck = true
		r.mu.Unlock()
		s.log.Warn("encoder stalled, requesting quit",
			"idle", idle.Round(time.Millisecond).String(),
			"threshold", threshold.String(),
			"percent", percent,
			"output_bytes", size,
		)
		_, _ = io.WriteString(stdin, "q\n")

		grace := time.NewTimer(s.cfg.QuitGrace)
		select {
		case <-exited:
			grace.Stop()
			return
		case <-stop:
			grace.Stop()
			return
		case <-grace.C:
		}
		s.log.Warn("encoder ignored quit, killing process group")
		if err := execx.KillTree(cmd); err != nil {
			s.log.Warn("kill failed", "error", err.Error())
		}
		return
	}
}

// finalize waits for the filesystem, promotes the temp file and verifies
// the output.
func (s *Supervisor) finalize(ctx context.Context, job Job) (int64, error) {
	if s.cfg.FlushWait > 0 {
		t := time.NewTimer(s.cfg.FlushWait)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, errors.WrapWithCode(ctx.Err(), errors.CodeCancelled, "renderer.finalize", "encode cancelled")
		case <-t.C:
		}
	}

	if job.TempPath != job.OutputPath {
		if _, err := os.Stat(job.TempPath); err == nil {
			if err := os.Rename(job.TempPath, job.OutputPath); err != nil {
				return 0, errors.ExternalProcess("failed to promote encoder output: "+err.Error(), 0)
			}
		}
	}

	st, err := os.Stat(job.OutputPath)
	if err != nil {
		return 0, errors.ExternalProcess("encoder output missing: "+job.OutputPath, 0)
	}
	if st.Size() < s.cfg.MinFinalBytes {
		return 0, errors.ExternalProcess("encoder output too small ("+strconv.FormatInt(st.Size(), 10)+" bytes)", 0).
			WithField("bytes", st.Size())
	}
	f, err := os.Open(job.OutputPath)
	if err != nil {
		return 0, errors.ExternalProcess("encoder output unreadable: "+err.Error(), 0)
	}
	defer f.Close()
	if _, err := f.Read(make([]byte, 1)); err != nil {
		return 0, errors.ExternalProcess("encoder output unreadable: "+err.Error(), 0)
	}
	return st.Size(), nil
}

func fileSize(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}
