package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
)

func TestMemoryStoreCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	job := models.Job{JobID: "j1", Action: action("ls"), State: models.JobQueued, EnqueuedAt: time.Now().UTC()}

	if err := s.Insert(ctx, job); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(ctx, job); err == nil {
		t.Fatal("duplicate insert should fail")
	}

	job.State = models.JobSucceeded
	if err := s.Update(ctx, job); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, ok, err := s.Get(ctx, "j1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.State != models.JobSucceeded {
		t.Fatalf("state %s", got.State)
	}

	if err := s.Update(ctx, models.Job{JobID: "ghost"}); err == nil {
		t.Fatal("update of unknown job should fail")
	}
	if _, ok, _ := s.Get(ctx, "ghost"); ok {
		t.Fatal("unexpected ghost job")
	}
}

func TestMemoryStoreRecentNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		job := models.Job{JobID: fmt.Sprintf("j%d", i), Action: action("t"), State: models.JobQueued}
		if err := s.Insert(ctx, job); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	got, err := s.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 || got[0].JobID != "j4" || got[2].JobID != "j2" {
		t.Fatalf("unexpected order: %+v", got)
	}
	all, _ := s.Recent(ctx, 0)
	if len(all) != 5 {
		t.Fatalf("expected all 5, got %d", len(all))
	}
}

type fakeJobsDB struct {
	execErr   error
	execSQL   []string
	execArgs  [][]any
	rowValues []any
	rowErr    error
}

func (f *fakeJobsDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, append([]any(nil), args...))
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeJobsDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &fakeJobRow{values: f.rowValues, err: f.rowErr}
}

func (f *fakeJobsDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type fakeJobRow struct {
	values []any
	err    error
}

func (r *fakeJobRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = r.values[i].(string)
		case *json.RawMessage:
			*d = json.RawMessage(r.values[i].(string))
		case *time.Time:
			*d = r.values[i].(time.Time)
		case **time.Time:
			if r.values[i] == nil {
				*d = nil
			} else {
				v := r.values[i].(time.Time)
				*d = &v
			}
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

func TestPostgresStoreInsert(t *testing.T) {
	db := &fakeJobsDB{}
	s := &PostgresStore{DB: db}
	job := models.Job{
		JobID:      "j1",
		Action:     action("ls -la"),
		Backend:    "shell",
		State:      models.JobQueued,
		EnqueuedAt: time.Now().UTC(),
		TraceID:    "trace-1",
	}
	if err := s.Insert(context.Background(), job); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(db.execArgs) != 1 || len(db.execArgs[0]) != 11 {
		t.Fatalf("unexpected exec args: %#v", db.execArgs)
	}
	if db.execArgs[0][0] != "j1" || db.execArgs[0][10] != "trace-1" {
		t.Fatalf("arg order wrong: %#v", db.execArgs[0])
	}

	db.execErr = errors.New("insert failed")
	if err := s.Insert(context.Background(), job); err == nil {
		t.Fatal("expected insert error")
	}
}

func TestPostgresStoreGet(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	started := now.Add(time.Second)
	actionJSON, _ := json.Marshal(action("ls"))
	db := &fakeJobsDB{
		rowValues: []any{"j1", string(actionJSON), "shell", "running", now, started, nil, "", "", "", "trace-1"},
	}
	s := &PostgresStore{DB: db}
	job, ok, err := s.Get(context.Background(), "j1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if job.State != models.JobRunning || job.Backend != "shell" {
		t.Fatalf("job %+v", job)
	}
	if job.StartedAt == nil || !job.StartedAt.Equal(started) {
		t.Fatalf("started at %v", job.StartedAt)
	}
	if job.FinishedAt != nil {
		t.Fatal("finished at should be nil")
	}
	if job.Action.Target != "ls" {
		t.Fatalf("action round trip: %+v", job.Action)
	}

	db.rowErr = pgx.ErrNoRows
	if _, ok, err := s.Get(context.Background(), "missing"); err != nil || ok {
		t.Fatalf("missing row: ok=%v err=%v", ok, err)
	}

	db.rowErr = errors.New("boom")
	if _, _, err := s.Get(context.Background(), "j1"); err == nil {
		t.Fatal("expected scan error")
	}
}

func TestPostgresStoreEnsureSchema(t *testing.T) {
	db := &fakeJobsDB{}
	s := &PostgresStore{DB: db}
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if len(db.execSQL) != 1 {
		t.Fatalf("expected one exec, got %d", len(db.execSQL))
	}
}
