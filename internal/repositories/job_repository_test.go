package repositories

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avs/internal/jobs"
	"avs/internal/pkg/errors"
)

// newTestRepository connects to AVS_TEST_POSTGRES_URL or skips.
func newTestRepository(t *testing.T) *JobRepository {
	t.Helper()
	url := os.Getenv("AVS_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("AVS_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	r := NewJobRepository(pool)
	require.NoError(t, r.EnsureSchema(ctx))
	return r
}

func TestJobRepositoryRoundTrip(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	j := jobs.New(jobs.Brief{
		Topic:                 "tides",
		TargetDurationSeconds: 30,
		SceneAssets:           map[int][]string{1: {"uploads/a.png"}},
	}, time.Now().Truncate(time.Microsecond))
	require.NoError(t, r.Create(ctx, j))
	assert.True(t, errors.IsCode(r.Create(ctx, j), errors.CodeAlreadyExists))

	got, err := r.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, got.Status)
	assert.Equal(t, []string{"uploads/a.png"}, got.Brief.SceneAssets[1])

	_, err = r.Update(ctx, j.ID, jobs.Started())
	require.NoError(t, err)
	_, err = r.Update(ctx, j.ID, jobs.Warn("tts unavailable, narration is silent"))
	require.NoError(t, err)
	snap, err := r.Update(ctx, j.ID, jobs.AtStage(jobs.StageExport, 55))
	require.NoError(t, err)
	assert.Equal(t, 55, snap.Progress)

	snap, err = r.Update(ctx, j.ID, jobs.AtStage(jobs.StageExport, 30))
	require.NoError(t, err)
	assert.Equal(t, 55, snap.Progress)

	snap, err = r.Update(ctx, j.ID, jobs.Succeeded("/out/final.mp4"))
	require.NoError(t, err)
	assert.Equal(t, 100, snap.Progress)

	snap, err = r.Update(ctx, j.ID, jobs.FailedWith("late"))
	assert.ErrorIs(t, err, jobs.ErrTerminal)
	assert.Equal(t, jobs.StatusCompleted, snap.Status)

	got, err = r.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "/out/final.mp4", got.OutputPath)
	assert.Equal(t, []string{"tts unavailable, narration is silent"}, got.Warnings)

	list, err := r.List(ctx, jobs.ListFilter{Status: jobs.StatusCompleted, Limit: 500})
	require.NoError(t, err)
	assert.NotEmpty(t, list)
}

func TestJobRepositoryNotFound(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	_, err := r.Get(ctx, "does-not-exist")
	assert.True(t, errors.IsNotFound(err))

	_, err = r.Update(ctx, "does-not-exist", jobs.Started())
	assert.True(t, errors.IsNotFound(err))
}
