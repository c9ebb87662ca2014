package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/SirClappington/taskq/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct{ db *sql.DB }

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db} }

// OpenPostgres opens a pgx-backed *sql.DB and checks connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB, log *zap.Logger) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log.Sugar()})
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "goose dialect")
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

type gooseLogger struct{ s *zap.SugaredLogger }

func (l gooseLogger) Printf(format string, v ...interface{}) { l.s.Infof(format, v...) }

// Fatalf logs at error level and leaves exiting to the caller.
func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.s.Error(fmt.Sprintf(format, v...))
}

const upsertResult = `insert into job_results (task_id, status, result, created_at, updated_at)
values ($1, $2, $3, now(), now())
on conflict (task_id) do update
   set status = excluded.status,
       result = excluded.result,
       updated_at = now()`

func (s *Postgres) Save(ctx context.Context, taskID string, status domain.Status, result any) error {
	raw, err := prepare(taskID, status, result)
	if err != nil {
		return err
	}
	var arg any
	if raw != nil {
		arg = string(raw)
	}
	if _, err := s.db.ExecContext(ctx, upsertResult, taskID, string(status), arg); err != nil {
		return errors.Wrapf(err, "save result %s", taskID)
	}
	return nil
}

const selectResult = `select task_id, status, result, created_at, updated_at
  from job_results
 where task_id = $1`

func (s *Postgres) Get(ctx context.Context, taskID string) (*domain.JobResult, error) {
	var (
		r      domain.JobResult
		status string
		result []byte
	)
	err := s.db.QueryRowContext(ctx, selectResult, taskID).Scan(&r.TaskID, &status, &result, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "task %s", taskID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get result %s", taskID)
	}
	r.Status = domain.Status(status)
	if len(result) > 0 {
		r.Result = result
	}
	return &r, nil
}
