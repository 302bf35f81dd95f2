package execx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avs/internal/pkg/errors"
)

func TestExecRunnerSuccess(t *testing.T) {
	res, err := ExecRunner{}.Run(context.Background(), 5*time.Second, "sh", "-c", "echo out; echo err >&2")
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	res, err := ExecRunner{}.Run(context.Background(), 5*time.Second, "sh", "-c", "echo broken >&2; exit 3")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeExternalProcess))
	assert.Equal(t, 3, errors.GetFields(err)["exit_code"])
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "broken\n", res.Stderr)
}

func TestExecRunnerHardTimeout(t *testing.T) {
	start := time.Now()
	_, err := ExecRunner{}.Run(context.Background(), 100*time.Millisecond, "sh", "-c", "sleep 10")
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.Contains(t, err.Error(), "100ms")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecRunnerIgnoresCallerDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ExecRunner{}.Run(ctx, 5*time.Second, "sh", "-c", "sleep 0.2")
	assert.NoError(t, err)
}

func TestExecRunnerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := ExecRunner{}.Run(ctx, time.Minute, "sh", "-c", "sleep 10")
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
	assert.False(t, errors.IsRetryable(err))
}

func TestExecRunnerMissingBinary(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), time.Second, "definitely-not-a-real-binary-avs")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeFatalEnvironment))
}

func TestExecRunnerWorkingDir(t *testing.T) {
	dir := t.TempDir()
	res, err := ExecRunner{Dir: dir}.Run(context.Background(), 5*time.Second, "pwd")
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, dir)
}
