package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"ratequeue/internal/queue"
)

// TaskLog appends one completion line per task to a shared file:
//
//	{identity}-task completed at-{unix millis}
type TaskLog struct {
	log *zap.Logger
	now func() time.Time

	mu   sync.Mutex
	file *os.File
}

// OpenTaskLog creates the parent directory when needed and opens path for
// appending.
func OpenTaskLog(log *zap.Logger, path string) (*TaskLog, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &TaskLog{log: log, now: time.Now, file: f}, nil
}

func (l *TaskLog) Process(ctx context.Context, job *queue.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	identity, err := Identity(job)
	if err != nil {
		return err
	}
	line := FormatCompletion(identity, l.now())

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return Error.New("task log is closed")
	}
	// one write per line so O_APPEND keeps lines from different processes whole
	if _, err := l.file.WriteString(line); err != nil {
		return Error.Wrap(err)
	}
	l.log.Info("task completed", zap.String("user_id", identity), zap.String("job_id", job.ID))
	return nil
}

func (l *TaskLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return Error.Wrap(err)
}

func FormatCompletion(identity string, at time.Time) string {
	return fmt.Sprintf("%s-task completed at-%d\n", identity, at.UnixMilli())
}
