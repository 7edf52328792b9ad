package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"ratequeue/internal/queue"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRecorder stores a row per completed task. Deliveries are at least
// once, so a job may be recorded more than once.
type PostgresRecorder struct {
	db    execer
	table string
	now   func() time.Time
}

// NewPostgresRecorder takes a pgx pool (or anything with its Exec method) and
// a table name that has already been validated as an identifier.
func NewPostgresRecorder(db execer, table string) *PostgresRecorder {
	return &PostgresRecorder{db: db, table: table, now: time.Now}
}

func (r *PostgresRecorder) EnsureSchema(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = r.db.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	attempts BIGINT NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL
)`, r.table))
	return Error.Wrap(err)
}

func (r *PostgresRecorder) Process(ctx context.Context, job *queue.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	identity, err := Identity(job)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (job_id, user_id, attempts, completed_at) VALUES ($1, $2, $3, $4)`, r.table),
		job.ID, identity, job.Attempts+1, r.now().UTC(),
	)
	return Error.Wrap(err)
}
