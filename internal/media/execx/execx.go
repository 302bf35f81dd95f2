// Package execx runs external media tools under hard wall-clock limits.
package execx

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"avs/internal/pkg/deadline"
	"avs/internal/pkg/errors"
)

// Result is the captured outcome of one command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// CommandLine renders name and args for logs.
func CommandLine(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

// Runner abstracts process execution so callers can be tested without the
// real tools installed.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec in their own process group.
type ExecRunner struct {
	// Dir is the working directory. Empty means the current one.
	Dir string
}

// Run executes name with args. The timeout is independent of any deadline on
// ctx; an explicit cancellation of ctx still kills the process. Timeouts
// yield a TIMEOUT error, cancellation a CANCELLED error and a non-zero exit
// an EXTERNAL_PROCESS error. The Result is populated in every case.
func (r ExecRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	runCtx, cancel := deadline.Independent(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = r.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	Prepare(cmd)

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}

	res.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}

	op := "exec." + name
	switch deadline.Cause(ctx, runCtx) {
	case context.Canceled:
		return res, errors.WrapWithCode(err, errors.CodeCancelled, op, "command cancelled")
	case context.DeadlineExceeded:
		return res, errors.WrapWithCode(err, errors.CodeTimeout, op, "command exceeded hard timeout of "+timeout.String()).
			WithField("timeout", timeout.String())
	}
	if exitErr == nil {
		// Never started: missing binary or permissions.
		return res, errors.WrapWithCode(err, errors.CodeFatalEnvironment, op, "failed to start command")
	}
	return res, errors.ExternalProcess(CommandLine(name, args...)+" exited with code "+strconv.Itoa(res.ExitCode), res.ExitCode)
}

// Prepare places cmd in its own process group and makes context
// cancellation kill the whole group.
func Prepare(cmd *exec.Cmd) {
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return KillTree(cmd)
	}
	cmd.WaitDelay = 2 * time.Second
}

// KillTree force-kills the process and its children.
func KillTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return killProcessGroup(cmd)
}
