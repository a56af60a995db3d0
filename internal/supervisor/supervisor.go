package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "plugin-runtime/internal/errors"
	"plugin-runtime/internal/observability/alerting"
	"plugin-runtime/pkg/logger"
	"plugin-runtime/pkg/protocol"
)

// Config 控制进程监管行为。
type Config struct {
	MonitorInterval time.Duration     `yaml:"monitor_interval"`
	StopTimeout     time.Duration     `yaml:"stop_timeout"`
	LogLines        int               `yaml:"log_lines"`
	RestartDelay    time.Duration     `yaml:"restart_delay"`
	LogDir          string            `yaml:"log_dir"`
	LogMaxSizeMB    int               `yaml:"log_max_size_mb"`
	LogMaxBackups   int               `yaml:"log_max_backups"`
	PluginEnv       map[string]string `yaml:"plugin_env"`
}

func (c Config) withDefaults() Config {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 5 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.LogLines <= 0 {
		c.LogLines = 1000
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 3 * time.Second
	}
	return c
}

// Recorder 接收状态变化，用于同步读模型。实现不得阻塞。
type Recorder interface {
	ProcessChanged(st ProcessStatus)
}

// Metrics 记录进程退出与重启。
type Metrics interface {
	ProcessExited(id string, exitCode int)
	ProcessRestarted(id string)
}

type noopMetrics struct{}

func (noopMetrics) ProcessExited(string, int) {}
func (noopMetrics) ProcessRestarted(string)   {}

// Option 调整 Supervisor。
type Option func(*Supervisor)

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder 指定状态记录器。
func WithRecorder(r Recorder) Option {
	return func(s *Supervisor) { s.recorder = r }
}

// WithAlerts 指定告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Supervisor) { s.alerts = d }
}

// WithMetrics 指定指标收集器。
func WithMetrics(m Metrics) Option {
	return func(s *Supervisor) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Supervisor 管理插件进程的生命周期。
type Supervisor struct {
	cfg      Config
	logger   *slog.Logger
	recorder Recorder
	alerts   alerting.Dispatcher
	metrics  Metrics

	mu    sync.Mutex
	procs map[string]*process

	closing   chan struct{}
	closeOnce sync.Once
	pending   sync.WaitGroup
}

type process struct {
	spec        Spec
	status      Status
	run         *run
	exitCode    *int
	lastErr     string
	restarts    int
	intentional bool
	generation  int
	startedAt   time.Time
	logs        *ringBuffer
	logFile     io.WriteCloser
}

// run 对应一次进程启动。err 只能在 done 关闭后读取。
type run struct {
	cmd     *exec.Cmd
	pid     int
	done    chan struct{}
	drained chan struct{}
	err     error
}

// New 创建 Supervisor。
func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("supervisor"),
		metrics: noopMetrics{},
		procs:   make(map[string]*process),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动插件进程；已在运行时直接返回。
func (s *Supervisor) Start(spec Spec) error {
	if spec.ID == "" || spec.Command == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "插件 ID 与启动命令不能为空")
	}
	if spec.RestartDelay <= 0 {
		spec.RestartDelay = s.cfg.RestartDelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosing() {
		return xerrors.New(xerrors.CodeProcessStartFailed, "supervisor 正在关闭", xerrors.WithMetadata("plugin_id", spec.ID))
	}
	p, ok := s.procs[spec.ID]
	if ok && (p.status == StatusRunning || p.status == StatusStarting) {
		return nil
	}
	if !ok {
		p = s.newProcessLocked(spec.ID)
		s.procs[spec.ID] = p
	}
	p.spec = spec
	p.intentional = false
	return s.spawnLocked(p)
}

// Stop 终止插件进程并抑制自动重启。
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok {
		s.mu.Unlock()
		return notFound(id)
	}
	p.intentional = true
	p.generation++
	r := p.run
	if r == nil {
		if p.status != StatusStopped {
			p.status = StatusStopped
			s.recordLocked(p)
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.terminate(id, r)

	s.mu.Lock()
	if p.run == r {
		code := exitCode(r)
		p.exitCode = &code
		p.run = nil
		p.status = StatusStopped
		s.recordLocked(p)
	}
	s.mu.Unlock()
	logger.Audit().Info("plugin_stopped", slog.String("plugin_id", id), slog.Int("pid", r.pid))
	return nil
}

// Restart 停止后按最近一次的启动参数重新启动。
func (s *Supervisor) Restart(id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	var spec Spec
	if ok {
		spec = p.spec
	}
	s.mu.Unlock()
	if !ok {
		return notFound(id)
	}
	if err := s.Stop(id); err != nil {
		return err
	}
	return s.Start(spec)
}

// Forget 停止进程并移除其记录，用于卸载。
func (s *Supervisor) Forget(id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	var r *run
	if ok {
		r = p.run
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.Stop(id); err != nil {
		return err
	}
	if r != nil {
		waitDrained(r, time.Second)
	}

	s.mu.Lock()
	if p.run == nil {
		delete(s.procs, id)
	}
	s.mu.Unlock()
	if p.logFile != nil {
		_ = p.logFile.Close()
	}
	return nil
}

// Status 返回单个插件的状态快照。
func (s *Supervisor) Status(id string) (ProcessStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return ProcessStatus{}, notFound(id)
	}
	return s.snapshotLocked(p), nil
}

// List 返回全部托管进程，按 ID 排序。
func (s *Supervisor) List() []ProcessStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProcessStatus, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, s.snapshotLocked(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Logs 返回最近的 n 行输出，n <= 0 返回缓冲区全部内容。
func (s *Supervisor) Logs(id string, n int) ([]string, error) {
	s.mu.Lock()
	p, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return nil, notFound(id)
	}
	return p.logs.tail(n), nil
}

// StopAll 停止全部进程，并等待挂起的重启与告警结束。之后 Start 会被拒绝。
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	s.closeOnce.Do(func() { close(s.closing) })
	ids := make([]string, 0, len(s.procs))
	files := make([]io.Closer, 0, len(s.procs))
	for id, p := range s.procs {
		if p.run != nil {
			ids = append(ids, id)
		}
		if p.logFile != nil {
			files = append(files, p.logFile)
		}
	}
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error { return s.Stop(id) })
	}
	err := g.Wait()
	s.pending.Wait()
	for _, f := range files {
		_ = f.Close()
	}
	return err
}

func (s *Supervisor) newProcessLocked(id string) *process {
	p := &process{status: StatusStopped, logs: newRingBuffer(s.cfg.LogLines)}
	if s.cfg.LogDir != "" {
		w, err := logger.OpenRotating(filepath.Join(s.cfg.LogDir, id+".log"), logger.RotateOptions{
			MaxSize:    int64(s.cfg.LogMaxSizeMB) << 20,
			MaxBackups: s.cfg.LogMaxBackups,
		})
		if err != nil {
			s.logger.Warn("打开插件日志文件失败", slog.String("plugin_id", id), slog.Any("error", err))
		} else {
			p.logFile = w
		}
	}
	return p
}

func (s *Supervisor) spawnLocked(p *process) error {
	id := p.spec.ID
	p.generation++
	p.status = StatusStarting
	s.recordLocked(p)

	cmd := exec.Command(p.spec.Command, p.spec.Args...)
	cmd.Dir = p.spec.Dir
	cmd.Env = s.environ(p.spec)

	reader, writer, err := os.Pipe()
	if err != nil {
		return s.startFailedLocked(p, err)
	}
	cmd.Stdout = writer
	cmd.Stderr = writer
	if err := cmd.Start(); err != nil {
		_ = reader.Close()
		_ = writer.Close()
		return s.startFailedLocked(p, err)
	}
	_ = writer.Close()

	r := &run{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go drain(p.logs, p.logFile, reader, r.drained)
	go func() {
		r.err = cmd.Wait()
		close(r.done)
	}()

	p.run = r
	p.status = StatusRunning
	p.exitCode = nil
	p.startedAt = time.Now().UTC()
	s.recordLocked(p)

	s.logger.Info("插件进程已启动", slog.String("plugin_id", id), slog.Int("pid", r.pid))
	logger.Audit().Info("plugin_started",
		slog.String("plugin_id", id),
		slog.Int("pid", r.pid),
		slog.Int("restart_count", p.restarts),
	)
	return nil
}

func (s *Supervisor) startFailedLocked(p *process, cause error) error {
	p.run = nil
	p.status = StatusError
	p.lastErr = cause.Error()
	s.recordLocked(p)
	s.logger.Error("插件进程启动失败", slog.String("plugin_id", p.spec.ID), slog.Any("error", cause))
	return xerrors.Wrap(xerrors.CodeProcessStartFailed, cause, "",
		xerrors.WithMetadata("plugin_id", p.spec.ID),
		xerrors.WithMetadata("command", p.spec.Command),
	)
}

func (s *Supervisor) terminate(id string, r *run) {
	select {
	case <-r.done:
		return
	default:
	}
	if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = r.cmd.Process.Kill()
	}
	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-r.done:
	case <-timer.C:
		s.logger.Warn("插件进程未在超时内退出，强制结束", slog.String("plugin_id", id), slog.Int("pid", r.pid))
		_ = r.cmd.Process.Kill()
		<-r.done
	}
}

// environ 依次叠加宿主环境、全局插件环境、插件自身环境，后者覆盖前者。
func (s *Supervisor) environ(spec Spec) []string {
	env := os.Environ()
	env = appendSorted(env, s.cfg.PluginEnv)
	env = appendSorted(env, spec.Env)
	return append(env, protocol.EnvPluginID+"="+spec.ID)
}

func appendSorted(env []string, vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func (s *Supervisor) recordLocked(p *process) {
	if s.recorder != nil {
		s.recorder.ProcessChanged(s.snapshotLocked(p))
	}
}

func (s *Supervisor) snapshotLocked(p *process) ProcessStatus {
	st := ProcessStatus{
		ID:           p.spec.ID,
		Status:       p.status,
		RestartCount: p.restarts,
		LastError:    p.lastErr,
		Command:      p.spec.Command,
	}
	if p.run != nil {
		st.PID = p.run.pid
		started := p.startedAt
		st.StartedAt = &started
	}
	if p.exitCode != nil {
		code := *p.exitCode
		st.ExitCode = &code
	}
	return st
}

func (s *Supervisor) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func exitCode(r *run) int {
	if r.cmd.ProcessState == nil {
		return -1
	}
	return r.cmd.ProcessState.ExitCode()
}

func waitDrained(r *run, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-r.drained:
	case <-timer.C:
	}
}

func notFound(id string) error {
	return xerrors.New(xerrors.CodeProcessNotFound, fmt.Sprintf("插件 %s 未被托管", id), xerrors.WithMetadata("plugin_id", id))
}
