package executor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ratequeue/internal/queue"
)

func testJob(id, payload string) *queue.Job {
	return &queue.Job{ID: id, Payload: json.RawMessage(payload)}
}

func TestIdentity(t *testing.T) {
	id, err := Identity(testJob("j1", `{"user_id":"u1"}`))
	require.NoError(t, err)
	require.Equal(t, "u1", id)

	_, err = Identity(testJob("j1", `{}`))
	require.True(t, Error.Has(err))

	_, err = Identity(testJob("j1", `not json`))
	require.Error(t, err)
}

func TestTaskLog_AppendsCompletionLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tasks.log")
	tl, err := OpenTaskLog(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	tl.now = func() time.Time { return time.UnixMilli(1_700_000_000_123) }

	ctx := context.Background()
	require.NoError(t, tl.Process(ctx, testJob("j1", `{"user_id":"u1"}`)))
	require.NoError(t, tl.Process(ctx, testJob("j2", `{"user_id":"u2"}`)))
	require.NoError(t, tl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t,
		"u1-task completed at-1700000000123\nu2-task completed at-1700000000123\n",
		string(data))
}

func TestTaskLog_ReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.log")
	for i := 0; i < 2; i++ {
		tl, err := OpenTaskLog(zaptest.NewLogger(t), path)
		require.NoError(t, err)
		require.NoError(t, tl.Process(context.Background(), testJob("j", `{"user_id":"u1"}`)))
		require.NoError(t, tl.Close())
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestTaskLog_ConcurrentWritersKeepLinesWhole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.log")
	tl, err := OpenTaskLog(zaptest.NewLogger(t), path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tl.Process(context.Background(), testJob("j", `{"user_id":"user"}`)))
		}()
	}
	wg.Wait()
	require.NoError(t, tl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 50)
	for _, line := range lines {
		require.True(t, strings.HasPrefix(line, "user-task completed at-"), line)
	}
}

func TestTaskLog_ClosedAndBadPayload(t *testing.T) {
	tl, err := OpenTaskLog(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "tasks.log"))
	require.NoError(t, err)
	require.Error(t, tl.Process(context.Background(), testJob("j", `{}`)))
	require.NoError(t, tl.Close())
	require.Error(t, tl.Process(context.Background(), testJob("j", `{"user_id":"u1"}`)))
}

type fakeDB struct {
	sql  []string
	args [][]any
	err  error
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.sql = append(db.sql, sql)
	db.args = append(db.args, args)
	return pgconn.CommandTag{}, db.err
}

func TestPostgresRecorder(t *testing.T) {
	db := &fakeDB{}
	r := NewPostgresRecorder(db, "task_completions")
	now := time.UnixMilli(1_700_000_000_000).UTC()
	r.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, r.EnsureSchema(ctx))
	require.Contains(t, db.sql[0], "CREATE TABLE IF NOT EXISTS task_completions")

	job := testJob("j1", `{"user_id":"u1"}`)
	job.Attempts = 1
	require.NoError(t, r.Process(ctx, job))
	require.Contains(t, db.sql[1], "INSERT INTO task_completions")
	require.Equal(t, []any{"j1", "u1", int64(2), now}, db.args[1])
}

func TestPostgresRecorder_Error(t *testing.T) {
	db := &fakeDB{err: errors.New("conn reset")}
	r := NewPostgresRecorder(db, "task_completions")
	err := r.Process(context.Background(), testJob("j1", `{"user_id":"u1"}`))
	require.Error(t, err)
	require.True(t, Error.Has(err))
}

func TestChainStopsAtFirstError(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	chain := Chain{
		Func(func(ctx context.Context, job *queue.Job) error { calls = append(calls, "a"); return nil }),
		Func(func(ctx context.Context, job *queue.Job) error { calls = append(calls, "b"); return boom }),
		Func(func(ctx context.Context, job *queue.Job) error { calls = append(calls, "c"); return nil }),
	}
	err := chain.Process(context.Background(), testJob("j", `{}`))
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"a", "b"}, calls)
}
