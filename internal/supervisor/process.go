package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process 运行中的 worker 进程
type Process interface {
	Pid() int
	Wait() error
	Signal(sig os.Signal) error
}

// Spawner 启动第 index 个 worker
type Spawner interface {
	Spawn(ctx context.Context, index int, instanceID string) (Process, error)
}

// EnvInstanceID 传给 worker 的实例 ID 环境变量
const EnvInstanceID = "VITA_INSTANCE_ID"

// ExecSpawner 重新执行当前二进制作为 worker：<path> <args...> --worker --worker-index=<i>
type ExecSpawner struct {
	Path   string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

// NewExecSpawner 以当前可执行文件创建 Spawner
func NewExecSpawner(args []string) (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}
	return &ExecSpawner{
		Path:   path,
		Args:   args,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

func (s *ExecSpawner) Spawn(ctx context.Context, index int, instanceID string) (Process, error) {
	args := append(append([]string{}, s.Args...), "--worker", fmt.Sprintf("--worker-index=%d", index))

	// 停止由 Supervisor 发送 SIGTERM 控制，不绑定 ctx
	cmd := exec.Command(s.Path, args...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.Env = append(os.Environ(), EnvInstanceID+"="+instanceID)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %d: %w", index, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int                   { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error                { return p.cmd.Wait() }
func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
