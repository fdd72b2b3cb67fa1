package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
)

// Store persists job records. The queue is the only writer; readers get
// snapshots.
type Store interface {
	Insert(ctx context.Context, job models.Job) error
	Update(ctx context.Context, job models.Job) error
	Get(ctx context.Context, jobID string) (models.Job, bool, error)
	Recent(ctx context.Context, limit int) ([]models.Job, error)
}

// MemoryStore keeps jobs in memory, newest-first for Recent.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]models.Job
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]models.Job{}}
}

func (m *MemoryStore) Insert(ctx context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.JobID]; ok {
		return errors.New("duplicate job id")
	}
	m.jobs[job.JobID] = job
	m.order = append(m.order, job.JobID)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.JobID]; !ok {
		return errors.New("unknown job id")
	}
	m.jobs[job.JobID] = job
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, jobID string) (models.Job, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	return job, ok, nil
}

func (m *MemoryStore) Recent(ctx context.Context, limit int) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.order) {
		limit = len(m.order)
	}
	out := make([]models.Job, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.jobs[m.order[i]])
	}
	return out, nil
}

type jobsDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists jobs in the executor_jobs table.
type PostgresStore struct {
	DB jobsDB
}

// EnsureSchema creates the jobs table when missing.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS executor_jobs (
			job_id       TEXT PRIMARY KEY,
			action       JSONB NOT NULL,
			backend      TEXT NOT NULL DEFAULT '',
			state        TEXT NOT NULL,
			enqueued_at  TIMESTAMPTZ NOT NULL,
			started_at   TIMESTAMPTZ,
			finished_at  TIMESTAMPTZ,
			result_text  TEXT NOT NULL DEFAULT '',
			error_code   TEXT NOT NULL DEFAULT '',
			error        TEXT NOT NULL DEFAULT '',
			trace_id     TEXT NOT NULL DEFAULT ''
		)
	`)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, job models.Job) error {
	action, err := json.Marshal(job.Action)
	if err != nil {
		return err
	}
	_, err = p.DB.Exec(ctx, `
		INSERT INTO executor_jobs
		(job_id, action, backend, state, enqueued_at, started_at, finished_at, result_text, error_code, error, trace_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, job.JobID, action, job.Backend, string(job.State), job.EnqueuedAt, job.StartedAt, job.FinishedAt, job.Result, job.ErrorCode, job.Error, job.TraceID)
	return err
}

func (p *PostgresStore) Update(ctx context.Context, job models.Job) error {
	tag, err := p.DB.Exec(ctx, `
		UPDATE executor_jobs
		SET backend=$2, state=$3, started_at=$4, finished_at=$5, result_text=$6, error_code=$7, error=$8
		WHERE job_id=$1
	`, job.JobID, job.Backend, string(job.State), job.StartedAt, job.FinishedAt, job.Result, job.ErrorCode, job.Error)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("unknown job id")
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, jobID string) (models.Job, bool, error) {
	row := p.DB.QueryRow(ctx, `
		SELECT job_id, action, backend, state, enqueued_at, started_at, finished_at, result_text, error_code, error, trace_id
		FROM executor_jobs WHERE job_id=$1
	`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, false, nil
		}
		return models.Job{}, false, err
	}
	return job, true, nil
}

func (p *PostgresStore) Recent(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.DB.Query(ctx, `
		SELECT job_id, action, backend, state, enqueued_at, started_at, finished_at, result_text, error_code, error, trace_id
		FROM executor_jobs ORDER BY enqueued_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job       models.Job
		action    json.RawMessage
		state     string
		startedAt *time.Time
		finished  *time.Time
	)
	if err := row.Scan(&job.JobID, &action, &job.Backend, &state, &job.EnqueuedAt, &startedAt, &finished, &job.Result, &job.ErrorCode, &job.Error, &job.TraceID); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(action, &job.Action); err != nil {
		return models.Job{}, err
	}
	job.State = models.JobState(state)
	job.StartedAt = startedAt
	job.FinishedAt = finished
	return job, nil
}
