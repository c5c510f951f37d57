package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRestartsExhausted 所有 worker 都用完了重启次数
var ErrRestartsExhausted = errors.New("all workers exceeded restart limit")

// RestartPolicy worker 退出后的重启策略
type RestartPolicy struct {
	MaxRestarts int           // 0 表示不限次数
	Backoff     time.Duration // 两次启动之间的等待
}

// allows 第 restarts 次重启是否允许
func (p RestartPolicy) allows(restarts int) bool {
	return p.MaxRestarts == 0 || restarts <= p.MaxRestarts
}

// WorkerState worker 表中的一行
type WorkerState struct {
	Index      int       `json:"index"`
	InstanceID string    `json:"instance_id"`
	PID        int       `json:"pid"`
	Running    bool      `json:"running"`
	Restarts   int       `json:"restarts"`
	StartedAt  time.Time `json:"started_at"`
	LastExit   string    `json:"last_exit,omitempty"`
	GaveUp     bool      `json:"gave_up"`
}

// minSpawnBackoff 启动失败后的最短等待，Backoff 更长时以 Backoff 为准
const minSpawnBackoff = time.Second

// spawnError 进程未能启动
type spawnError struct{ err error }

func (e *spawnError) Error() string { return e.err.Error() }
func (e *spawnError) Unwrap() error { return e.err }

// Supervisor 启动 N 个 worker 进程并在退出后按策略重启
type Supervisor struct {
	spawner      Spawner
	policy       RestartPolicy
	stopTimeout  time.Duration
	spawnBackoff time.Duration
	logger       *zap.Logger

	mu      sync.RWMutex
	workers []WorkerState
}

// New 创建 Supervisor
func New(spawner Spawner, workers int, policy RestartPolicy, logger *zap.Logger) *Supervisor {
	table := make([]WorkerState, workers)
	for i := range table {
		table[i].Index = i
	}
	return &Supervisor{
		spawner:      spawner,
		policy:       policy,
		stopTimeout:  10 * time.Second,
		spawnBackoff: minSpawnBackoff,
		logger:       logger,
		workers:      table,
	}
}

// Workers worker 表快照
func (s *Supervisor) Workers() []WorkerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]WorkerState(nil), s.workers...)
}

func (s *Supervisor) update(index int, fn func(w *WorkerState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.workers[index])
}

// Run 阻塞直到 ctx 取消（所有 worker 收到 SIGTERM 并退出后返回 nil），
// 或所有 worker 都放弃重启（返回 ErrRestartsExhausted）
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("Supervisor starting workers",
		zap.Int("workers", len(s.workers)),
		zap.Int("max_restarts", s.policy.MaxRestarts),
		zap.Duration("backoff", s.policy.Backoff),
	)

	var wg sync.WaitGroup
	for i := range s.workers {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			s.supervise(ctx, index)
		}(i)
	}
	wg.Wait()

	if ctx.Err() != nil {
		s.logger.Info("Supervisor stopped")
		return nil
	}
	return ErrRestartsExhausted
}

// supervise 单个 worker 的生命周期循环
func (s *Supervisor) supervise(ctx context.Context, index int) {
	logger := s.logger.With(zap.Int("worker", index))
	restarts := 0

	for {
		exitErr := s.runOnce(ctx, index, logger)
		if ctx.Err() != nil {
			return
		}

		restarts++
		s.update(index, func(w *WorkerState) {
			w.Running = false
			w.LastExit = exitString(exitErr)
		})

		if !s.policy.allows(restarts) {
			s.update(index, func(w *WorkerState) { w.GaveUp = true })
			logger.Error("Worker exceeded restart limit, giving up",
				zap.Int("restarts", restarts-1),
				zap.Error(exitErr),
			)
			return
		}

		backoff := s.backoffAfter(exitErr)
		logger.Warn("Worker exited, restarting",
			zap.Int("restart", restarts),
			zap.Duration("backoff", backoff),
			zap.Error(exitErr),
		)
		s.update(index, func(w *WorkerState) { w.Restarts = restarts })

		if backoff > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}
}

// backoffAfter 启动失败时至少等待 spawnBackoff，避免空转
func (s *Supervisor) backoffAfter(exitErr error) time.Duration {
	var se *spawnError
	if errors.As(exitErr, &se) && s.policy.Backoff < s.spawnBackoff {
		return s.spawnBackoff
	}
	return s.policy.Backoff
}

// runOnce 启动并等待 worker 退出；ctx 取消时先 SIGTERM，超时后 Kill
func (s *Supervisor) runOnce(ctx context.Context, index int, logger *zap.Logger) error {
	instanceID := uuid.NewString()
	proc, err := s.spawner.Spawn(ctx, index, instanceID)
	if err != nil {
		logger.Error("Failed to spawn worker", zap.Error(err))
		return &spawnError{err: err}
	}

	s.update(index, func(w *WorkerState) {
		w.InstanceID = instanceID
		w.PID = proc.Pid()
		w.Running = true
		w.StartedAt = time.Now()
	})
	logger.Info("Worker started", zap.Int("pid", proc.Pid()), zap.String("instance_id", instanceID))

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		logger.Warn("Failed to signal worker", zap.Error(err))
	}
	select {
	case err := <-done:
		logger.Info("Worker stopped", zap.Int("pid", proc.Pid()))
		s.update(index, func(w *WorkerState) { w.Running = false })
		return err
	case <-time.After(s.stopTimeout):
		logger.Warn("Worker did not stop in time, killing", zap.Int("pid", proc.Pid()))
		_ = proc.Signal(os.Kill)
		err := <-done
		s.update(index, func(w *WorkerState) { w.Running = false })
		return err
	}
}

func exitString(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return fmt.Sprint(err)
}
