package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"

	"mealplanagent/job"
)

var _ job.Store = (*JobStore)(nil)

type JobStore struct {
	db DB
}

func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, user_id, type, status, progress, payload, result, error, metadata, created_at, updated_at`

func (s *JobStore) Create(ctx context.Context, j *job.AsyncJob) error {
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}
	const q = `
INSERT INTO async_jobs (id, user_id, type, status, progress, payload, result, error, signature, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);`
	_, err = s.db.Exec(ctx, q,
		j.ID, j.UserID, j.Type, string(j.Status), j.Progress, []byte(j.Payload), nullableJSON(j.Result), j.Error,
		j.Metadata.Signature, meta, j.CreatedAt, j.UpdatedAt)
	return err
}

func (s *JobStore) Get(ctx context.Context, id string) (*job.AsyncJob, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM async_jobs WHERE id = $1;`, id)
	return scanJob(row)
}

// Update writes the whole row unconditionally.
func (s *JobStore) Update(ctx context.Context, j *job.AsyncJob) error {
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}
	const q = `
UPDATE async_jobs SET
  status = $2,
  progress = $3,
  result = $4,
  error = $5,
  signature = $6,
  metadata = $7,
  updated_at = $8
WHERE id = $1;`
	tag, err := s.db.Exec(ctx, q,
		j.ID, string(j.Status), j.Progress, nullableJSON(j.Result), j.Error, j.Metadata.Signature, meta, j.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return job.ErrNotFound
	}
	return nil
}

func (s *JobStore) FindActiveBySignature(ctx context.Context, userID, signature string) (*job.AsyncJob, error) {
	const q = `
SELECT ` + jobColumns + `
FROM async_jobs
WHERE user_id = $1 AND signature = $2 AND status IN ('pending', 'processing')
ORDER BY created_at DESC
LIMIT 1;`
	return scanJob(s.db.QueryRow(ctx, q, userID, signature))
}

func scanJob(row pgx.Row) (*job.AsyncJob, error) {
	var (
		j       job.AsyncJob
		status  string
		payload []byte
		result  []byte
		meta    []byte
	)
	err := row.Scan(&j.ID, &j.UserID, &j.Type, &status, &j.Progress, &payload, &result, &j.Error, &meta, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, err
	}
	j.Status = job.Status(status)
	j.Payload = payload
	if len(result) > 0 {
		j.Result = result
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return nil, fmt.Errorf("decode job metadata: %w", err)
		}
	}
	return &j, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
