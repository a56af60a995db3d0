package supervisor

import (
	"runtime"
	"time"

	"plugin-runtime/internal/descriptor"
)

// Status 表示托管进程的状态。
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// Spec 描述如何启动一个插件进程。
type Spec struct {
	ID           string
	Command      string
	Args         []string
	Dir          string
	Env          map[string]string
	AutoRestart  bool
	RestartDelay time.Duration
	MaxRestarts  int
}

// SpecFromDescriptor 由安装目录与描述文件推导启动参数。
func SpecFromDescriptor(d *descriptor.Descriptor, dir string) (Spec, error) {
	cmd, args, err := d.Launch(dir, runtime.GOOS)
	if err != nil {
		return Spec{}, err
	}
	env := make(map[string]string, len(d.Runtime.Env))
	for k, v := range d.Runtime.Env {
		env[k] = v
	}
	return Spec{
		ID:           d.ID,
		Command:      cmd,
		Args:         args,
		Dir:          dir,
		Env:          env,
		AutoRestart:  d.Runtime.AutoRestartEnabled(),
		RestartDelay: d.Runtime.RestartDelay.Std(),
		MaxRestarts:  d.Runtime.MaxRestarts,
	}, nil
}

// ProcessStatus 是托管进程的只读快照。
type ProcessStatus struct {
	ID           string     `json:"plugin_id"`
	Status       Status     `json:"status"`
	PID          int        `json:"pid,omitempty"`
	RestartCount int        `json:"restart_count"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	Command      string     `json:"command"`
}
