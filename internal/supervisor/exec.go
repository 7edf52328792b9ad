package supervisor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// WorkerIDEnv carries the worker id into the child process.
const WorkerIDEnv = "WORKER_ID"

// ExecStarter starts workers as child processes. Cancelling the supervisor
// context sends SIGTERM and, after StopTimeout, kills the child.
type ExecStarter struct {
	Path        string
	Args        []string
	Env         []string
	Stdout      io.Writer
	Stderr      io.Writer
	StopTimeout time.Duration
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
func (p *execProcess) Pid() int    { return p.cmd.Process.Pid }

func (s *ExecStarter) Start(ctx context.Context, workerID string) (Process, error) {
	if s.Path == "" {
		return nil, Error.New("worker binary path is required")
	}
	cmd := exec.CommandContext(ctx, s.Path, s.Args...)
	cmd.Env = append(append(os.Environ(), s.Env...), WorkerIDEnv+"="+workerID)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.StopTimeout
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 10 * time.Second
	}
	if err := cmd.Start(); err != nil {
		return nil, Error.Wrap(err)
	}
	return &execProcess{cmd: cmd}, nil
}
