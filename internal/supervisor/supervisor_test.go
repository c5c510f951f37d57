package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProcess struct {
	pid     int
	exit    chan error
	mu      sync.Mutex
	signals []os.Signal
	// ignoreTerm 模拟不响应 SIGTERM 的 worker
	ignoreTerm bool
}

func (p *fakeProcess) Pid() int    { return p.pid }
func (p *fakeProcess) Wait() error { return <-p.exit }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == syscall.SIGTERM && p.ignoreTerm {
		return nil
	}
	select {
	case p.exit <- errors.New("signal: " + sig.String()):
	default:
	}
	return nil
}

type fakeSpawner struct {
	mu         sync.Mutex
	spawned    map[int][]*fakeProcess
	attempts   int
	nextPID    int
	failSpawn  bool
	ignoreTerm bool
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{spawned: make(map[int][]*fakeProcess), nextPID: 100}
}

func (s *fakeSpawner) Spawn(ctx context.Context, index int, instanceID string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failSpawn {
		return nil, errors.New("exec format error")
	}
	s.nextPID++
	p := &fakeProcess{pid: s.nextPID, exit: make(chan error, 1), ignoreTerm: s.ignoreTerm}
	s.spawned[index] = append(s.spawned[index], p)
	return p, nil
}

func (s *fakeSpawner) spawnAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *fakeSpawner) count(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned[index])
}

func (s *fakeSpawner) latest(index int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	procs := s.spawned[index]
	if len(procs) == 0 {
		return nil
	}
	return procs[len(procs)-1]
}

func TestSupervisor_StartsAllWorkers(t *testing.T) {
	sp := newFakeSpawner()
	sup := New(sp, 3, RestartPolicy{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, w := range sup.Workers() {
			if !w.Running {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)

	workers := sup.Workers()
	require.Len(t, workers, 3)
	for i, w := range workers {
		assert.Equal(t, i, w.Index)
		assert.NotEmpty(t, w.InstanceID)
		assert.NotZero(t, w.PID)
	}

	cancel()
	require.NoError(t, <-errCh)
	for i := 0; i < 3; i++ {
		p := sp.latest(i)
		assert.Equal(t, []os.Signal{syscall.SIGTERM}, p.signals)
	}
	for _, w := range sup.Workers() {
		assert.False(t, w.Running)
	}
}

func TestSupervisor_RestartsExitedWorker(t *testing.T) {
	sp := newFakeSpawner()
	sup := New(sp, 1, RestartPolicy{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	require.Eventually(t, func() bool { return sp.count(0) == 1 }, time.Second, 5*time.Millisecond)
	first := sp.latest(0)
	first.exit <- errors.New("exit status 2")

	require.Eventually(t, func() bool { return sp.count(0) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		w := sup.Workers()[0]
		return w.Running && w.Restarts == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "exit status 2", sup.Workers()[0].LastExit)
	assert.NotEqual(t, first.pid, sup.Workers()[0].PID)
}

func TestSupervisor_GivesUpAfterMaxRestarts(t *testing.T) {
	sp := newFakeSpawner()
	sp.failSpawn = true
	sup := New(sp, 2, RestartPolicy{MaxRestarts: 2}, zap.NewNop())
	sup.spawnBackoff = time.Millisecond

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(context.Background()) }()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrRestartsExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not give up")
	}
	for _, w := range sup.Workers() {
		assert.True(t, w.GaveUp)
		assert.Equal(t, 2, w.Restarts)
		assert.Equal(t, "exec format error", w.LastExit)
	}
}

func TestSupervisor_KillsUnresponsiveWorker(t *testing.T) {
	sp := newFakeSpawner()
	sp.ignoreTerm = true
	sup := New(sp, 1, RestartPolicy{}, zap.NewNop())
	sup.stopTimeout = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()
	require.Eventually(t, func() bool { return sp.count(0) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
	assert.Equal(t, []os.Signal{syscall.SIGTERM, os.Kill}, sp.latest(0).signals)
}

func TestSupervisor_BackoffStopsOnCancel(t *testing.T) {
	sp := newFakeSpawner()
	sup := New(sp, 1, RestartPolicy{Backoff: time.Hour}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()
	require.Eventually(t, func() bool { return sp.count(0) == 1 }, time.Second, 5*time.Millisecond)
	sp.latest(0).exit <- nil

	require.Eventually(t, func() bool { return sup.Workers()[0].Restarts == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor blocked in backoff")
	}
	assert.Equal(t, 1, sp.count(0))
}

func TestSupervisor_SpawnFailureWaitsWithoutBackoff(t *testing.T) {
	sp := newFakeSpawner()
	sp.failSpawn = true
	sup := New(sp, 1, RestartPolicy{}, zap.NewNop())
	sup.spawnBackoff = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()
	time.Sleep(220 * time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	assert.GreaterOrEqual(t, sp.spawnAttempts(), 2)
	assert.LessOrEqual(t, sp.spawnAttempts(), 6)
	assert.Equal(t, "exec format error", sup.Workers()[0].LastExit)
}

func TestSupervisor_BackoffAfter(t *testing.T) {
	sup := New(newFakeSpawner(), 1, RestartPolicy{Backoff: 10 * time.Millisecond}, zap.NewNop())
	assert.Equal(t, minSpawnBackoff, sup.backoffAfter(&spawnError{err: errors.New("enoent")}))
	assert.Equal(t, 10*time.Millisecond, sup.backoffAfter(errors.New("exit status 1")))

	sup.policy.Backoff = time.Minute
	assert.Equal(t, time.Minute, sup.backoffAfter(&spawnError{err: errors.New("enoent")}))
}

func TestRestartPolicy_Allows(t *testing.T) {
	assert.True(t, RestartPolicy{}.allows(1000))
	p := RestartPolicy{MaxRestarts: 1}
	assert.True(t, p.allows(1))
	assert.False(t, p.allows(2))
}
