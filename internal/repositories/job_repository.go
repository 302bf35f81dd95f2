package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"avs/internal/httpkit"
	"avs/internal/jobs"
	"avs/internal/pkg/errors"
)

// Schema creates the jobs table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	progress      INTEGER NOT NULL DEFAULT 0,
	stage         TEXT NOT NULL DEFAULT '',
	output_path   TEXT NOT NULL DEFAULT '',
	artifact_key  TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	warnings      JSONB NOT NULL DEFAULT '[]'::jsonb,
	brief         JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at DESC);
`

const jobColumns = `id, status, progress, stage, output_path, artifact_key, error_message,
	warnings, brief, created_at, updated_at, started_at, finished_at`

// JobRepository is a jobs.Store on PostgreSQL. Updates lock the row so that
// the API and workers can share it.
type JobRepository struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func NewJobRepository(db *pgxpool.Pool) *JobRepository {
	return &JobRepository{db: db, now: time.Now}
}

// EnsureSchema applies Schema.
func (r *JobRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return errors.Wrap(err, "jobs.schema", "failed to apply jobs schema")
	}
	return nil
}

func (r *JobRepository) Create(ctx context.Context, j jobs.Job) error {
	warnings, brief, err := marshalJSONColumns(j)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, j.ID, string(j.Status), j.Progress, j.Stage, j.OutputPath, j.ArtifactKey, j.ErrorMessage,
		warnings, brief, j.CreatedAt, j.UpdatedAt, j.StartedAt, j.FinishedAt)
	if err != nil {
		if httpkit.IsUniqueViolation(err) {
			return errors.AlreadyExists("job", j.ID)
		}
		return errors.Wrap(err, "jobs.create", "failed to insert job")
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (jobs.Job, error) {
	row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		return jobs.Job{}, notFoundOr(err, id, "jobs.get")
	}
	return j, nil
}

func (r *JobRepository) Update(ctx context.Context, id string, u jobs.Update) (jobs.Job, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return jobs.Job{}, errors.Wrap(err, "jobs.update", "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, id)
	current, err := scanJob(row)
	if err != nil {
		return jobs.Job{}, notFoundOr(err, id, "jobs.update")
	}

	next := current.Clone()
	if err := jobs.Apply(&next, u, r.now()); err != nil {
		return current, err
	}

	warnings, _, err := marshalJSONColumns(next)
	if err != nil {
		return jobs.Job{}, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE jobs SET status=$2, progress=$3, stage=$4, output_path=$5, artifact_key=$6,
			error_message=$7, warnings=$8, updated_at=$9, started_at=$10, finished_at=$11
		WHERE id=$1
	`, id, string(next.Status), next.Progress, next.Stage, next.OutputPath, next.ArtifactKey,
		next.ErrorMessage, warnings, next.UpdatedAt, next.StartedAt, next.FinishedAt)
	if err != nil {
		return jobs.Job{}, errors.Wrap(err, "jobs.update", "failed to update job")
	}
	if err := tx.Commit(ctx); err != nil {
		return jobs.Job{}, errors.Wrap(err, "jobs.update", "failed to commit job update")
	}
	return next, nil
}

func (r *JobRepository) List(ctx context.Context, f jobs.ListFilter) ([]jobs.Job, error) {
	var (
		rows pgx.Rows
		err  error
	)
	limit := f.NormalizedLimit()
	if f.Status != "" {
		rows, err = r.db.Query(ctx, `
			SELECT `+jobColumns+` FROM jobs WHERE status=$1
			ORDER BY created_at DESC LIMIT $2
		`, string(f.Status), limit)
	} else {
		rows, err = r.db.Query(ctx, `
			SELECT `+jobColumns+` FROM jobs
			ORDER BY created_at DESC LIMIT $1
		`, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "jobs.list", "failed to query jobs")
	}
	defer rows.Close()

	out := make([]jobs.Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "jobs.list", "failed to scan job")
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "jobs.list", "failed to read jobs")
	}
	return out, nil
}

// Ping reports whether the database answers.
func (r *JobRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func scanJob(row pgx.Row) (jobs.Job, error) {
	var (
		j                 jobs.Job
		status            string
		warnings, briefJS []byte
	)
	err := row.Scan(&j.ID, &status, &j.Progress, &j.Stage, &j.OutputPath, &j.ArtifactKey,
		&j.ErrorMessage, &warnings, &briefJS, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return jobs.Job{}, err
	}
	j.Status = jobs.Status(status)
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &j.Warnings); err != nil {
			return jobs.Job{}, err
		}
	}
	if err := json.Unmarshal(briefJS, &j.Brief); err != nil {
		return jobs.Job{}, err
	}
	return j, nil
}

func marshalJSONColumns(j jobs.Job) (warnings, brief []byte, err error) {
	w := j.Warnings
	if w == nil {
		w = []string{}
	}
	if warnings, err = json.Marshal(w); err != nil {
		return nil, nil, errors.Wrap(err, "jobs.encode", "failed to encode warnings")
	}
	if brief, err = json.Marshal(j.Brief); err != nil {
		return nil, nil, errors.Wrap(err, "jobs.encode", "failed to encode brief")
	}
	return warnings, brief, nil
}

func notFoundOr(err error, id, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("job", id)
	}
	if httpkit.IsUndefinedTable(err) {
		return errors.WrapWithCode(err, errors.CodeFailedPrecond, op, "jobs table is missing")
	}
	return errors.Wrap(err, op, "failed to load job")
}
