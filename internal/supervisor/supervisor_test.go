package supervisor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeProcess struct {
	exit chan error
}

func (p *fakeProcess) Wait() error { return <-p.exit }
func (p *fakeProcess) Pid() int    { return 42 }

type fakeStarter struct {
	mu       sync.Mutex
	started  []string
	procs    []*fakeProcess
	failNext int
	// exitAfterStart makes every process exit immediately with this error.
	exitAfterStart error
	immediate      bool
}

func (s *fakeStarter) Start(ctx context.Context, workerID string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return nil, errors.New("exec format error")
	}
	p := &fakeProcess{exit: make(chan error, 1)}
	if s.immediate {
		p.exit <- s.exitAfterStart
	} else {
		go func() {
			<-ctx.Done()
			p.exit <- ctx.Err()
		}()
	}
	s.started = append(s.started, workerID)
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeStarter) startedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, Config{Workers: 1}, nil)
	require.Error(t, err)
	_, err = New(nil, &fakeStarter{}, Config{}, nil)
	require.Error(t, err)
	_, err = New(nil, &fakeStarter{}, Config{Workers: 1, RestartDelay: -time.Second}, nil)
	require.Error(t, err)
}

func TestRun_StartsConfiguredWorkers(t *testing.T) {
	starter := &fakeStarter{}
	s, err := New(zaptest.NewLogger(t), starter, Config{Workers: 2, RestartDelay: time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return starter.startedCount() == 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, 2, starter.startedCount())

	starter.mu.Lock()
	defer starter.mu.Unlock()
	require.NotEqual(t, starter.started[0], starter.started[1])
}

func TestRun_RestartsExitedWorkersAndRunsHook(t *testing.T) {
	starter := &fakeStarter{immediate: true, exitAfterStart: errors.New("exit status 1")}

	var (
		mu     sync.Mutex
		exited []string
	)
	hook := func(ctx context.Context, workerID string) {
		assert.NoError(t, ctx.Err(), "hook context already cancelled")
		mu.Lock()
		exited = append(exited, workerID)
		mu.Unlock()
	}
	s, err := New(zaptest.NewLogger(t), starter, Config{Workers: 1, RestartDelay: time.Millisecond}, hook)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return starter.startedCount() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	starter.mu.Lock()
	defer starter.mu.Unlock()
	require.GreaterOrEqual(t, len(exited), 2)
	for i, id := range exited {
		require.Equal(t, starter.started[i], id)
	}
	// every incarnation gets its own id
	seen := map[string]bool{}
	for _, id := range starter.started {
		require.False(t, seen[id], id)
		seen[id] = true
		require.True(t, strings.HasPrefix(id, "worker-1-"), id)
	}
}

func TestRun_CleanExitIsRestartedToo(t *testing.T) {
	starter := &fakeStarter{immediate: true}
	s, err := New(zaptest.NewLogger(t), starter, Config{Workers: 1}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return starter.startedCount() >= 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRun_RetriesFailedStart(t *testing.T) {
	starter := &fakeStarter{failNext: 2}
	s, err := New(zaptest.NewLogger(t), starter, Config{Workers: 1, RestartDelay: time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return starter.startedCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestExecStarter_PassesWorkerID(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	var out bytes.Buffer
	starter := &ExecStarter{
		Path:   "/bin/sh",
		Args:   []string{"-c", `echo "$WORKER_ID $EXTRA"`},
		Env:    []string{"EXTRA=x"},
		Stdout: &out,
	}
	proc, err := starter.Start(context.Background(), "worker-1-abc")
	require.NoError(t, err)
	require.Positive(t, proc.Pid())
	require.NoError(t, proc.Wait())
	require.Equal(t, "worker-1-abc x\n", out.String())
}

func TestExecStarter_RequiresPath(t *testing.T) {
	_, err := (&ExecStarter{}).Start(context.Background(), "w")
	require.Error(t, err)
}
