package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	xerrors "plugin-runtime/internal/errors"
	"plugin-runtime/internal/observability/alerting"
	"plugin-runtime/pkg/logger"
)

const maxLogLine = 1 << 20

// Run 周期性检查运行中的进程，直到 ctx 结束或 StopAll 被调用。
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closing:
			return nil
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Supervisor) tick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("监控循环异常", slog.Any("panic", r))
		}
	}()
	s.check()
}

// check 是 running 到 error 状态转换的唯一入口。
func (s *Supervisor) check() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.procs {
		r := p.run
		if p.status != StatusRunning || r == nil {
			continue
		}
		select {
		case <-r.done:
			s.handleExitLocked(p, r)
		default:
		}
	}
}

func (s *Supervisor) handleExitLocked(p *process, r *run) {
	id := p.spec.ID
	code := exitCode(r)
	p.run = nil
	p.exitCode = &code
	if p.intentional {
		p.status = StatusStopped
		s.recordLocked(p)
		return
	}

	p.status = StatusError
	p.lastErr = describeExit(r.err, code)
	s.metrics.ProcessExited(id, code)
	s.recordLocked(p)
	s.logger.Warn("插件进程意外退出",
		slog.String("plugin_id", id),
		slog.Int("pid", r.pid),
		slog.Int("exit_code", code),
		slog.Int("restart_count", p.restarts),
	)
	logger.Audit().Warn("plugin_crashed", slog.String("plugin_id", id), slog.Int("exit_code", code))

	meta := []xerrors.Option{
		xerrors.WithMetadata("plugin_id", id),
		xerrors.WithMetadata("exit_code", strconv.Itoa(code)),
	}
	switch {
	case !p.spec.AutoRestart:
		s.alertLocked(p, xerrors.New(xerrors.CodeProcessCrashed, p.lastErr, meta...))
	case p.spec.MaxRestarts > 0 && p.restarts >= p.spec.MaxRestarts:
		exhausted := xerrors.New(xerrors.CodeRestartExhausted,
			fmt.Sprintf("已达到最大重启次数 %d", p.spec.MaxRestarts), meta...)
		p.lastErr = exhausted.Error()
		s.recordLocked(p)
		s.alertLocked(p, exhausted)
	default:
		s.scheduleRestartLocked(p)
	}
}

// scheduleRestartLocked 在延迟后异步重启，不阻塞监控循环。
func (s *Supervisor) scheduleRestartLocked(p *process) {
	if s.isClosing() {
		return
	}
	gen := p.generation
	delay := p.spec.RestartDelay
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.closing:
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if p.generation != gen || p.status != StatusError || p.intentional || s.isClosing() {
			return
		}
		p.restarts++
		s.metrics.ProcessRestarted(p.spec.ID)
		logger.Audit().Info("plugin_restarting", slog.String("plugin_id", p.spec.ID), slog.Int("restart_count", p.restarts))
		if err := s.spawnLocked(p); err != nil {
			if p.spec.MaxRestarts > 0 && p.restarts >= p.spec.MaxRestarts {
				s.alertLocked(p, xerrors.Wrap(xerrors.CodeRestartExhausted, err, "", xerrors.WithMetadata("plugin_id", p.spec.ID)))
				return
			}
			s.scheduleRestartLocked(p)
		}
	}()
}

func (s *Supervisor) alertLocked(p *process, err error) {
	if s.alerts == nil || s.isClosing() {
		return
	}
	ev := alerting.FromError(p.spec.ID, err)
	ev.RestartCount = p.restarts
	ev.MaxRestarts = p.spec.MaxRestarts
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.alerts.Notify(ctx, ev); err != nil {
			s.logger.Warn("发送告警失败", slog.String("plugin_id", ev.PluginID), slog.Any("error", err))
		}
	}()
}

// drain 把合并后的 stdout/stderr 写入环形缓冲与可选的日志文件。
func drain(buf *ringBuffer, file io.Writer, pipe *os.File, done chan<- struct{}) {
	defer close(done)
	defer pipe.Close()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), maxLogLine)
	for scanner.Scan() {
		line := scanner.Text()
		buf.add(line)
		if file != nil {
			_, _ = io.WriteString(file, line+"\n")
		}
	}
	if err := scanner.Err(); err != nil {
		buf.add("[log drain: " + err.Error() + "]")
		_, _ = io.Copy(io.Discard, pipe)
	}
}

func describeExit(err error, code int) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("exit status %d", code)
}
