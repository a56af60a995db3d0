package installer

import (
	"context"
	"os"
	"os/exec"
)

// Runner 抽象外部命令调用，测试中可替换为假实现。
type Runner interface {
	// Run 在 dir 中执行命令并返回合并后的 stdout/stderr。
	Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)
	LookPath(name string) (string, error)
}

// ExecRunner 使用 os/exec 执行命令。
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
