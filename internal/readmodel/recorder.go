package readmodel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"plugin-runtime/internal/supervisor"
	"plugin-runtime/pkg/logger"
	"plugin-runtime/pkg/plugin"
)

// Recorder 把安装器、进程监管和插件连接的事件转换为 Update 并发布到队列。
// 事件方法从不阻塞调用方：更新先进入本地缓冲，由后台协程投递，缓冲满时丢弃并告警。
type Recorder struct {
	queue   Queue
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	buf    chan Update
	done   chan struct{}
}

// NewRecorder 创建 Recorder 并启动投递协程。
func NewRecorder(queue Queue, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	r := &Recorder{
		queue:   queue,
		logger:  logger.Named("readmodel"),
		now:     time.Now,
		timeout: 5 * time.Second,
		buf:     make(chan Update, buffer),
		done:    make(chan struct{}),
	}
	go r.pump()
	return r
}

// PluginInstalled 实现 installer.Recorder。
func (r *Recorder) PluginInstalled(id, name, version, installType string) {
	r.publish(Update{
		PluginID:    id,
		Name:        ptr(name),
		Version:     ptr(version),
		InstallType: ptr(installType),
		Status:      ptr(StatusInstalled),
		LastError:   ptr(""),
		PID:         ptr(0),
		Installed:   true,
	})
}

// PluginUninstalled 实现 installer.Recorder。
func (r *Recorder) PluginUninstalled(id string) {
	r.publish(Update{Kind: UpdateDelete, PluginID: id})
}

// ProcessChanged 实现 supervisor.Recorder。
func (r *Recorder) ProcessChanged(st supervisor.ProcessStatus) {
	r.publish(Update{
		PluginID:  st.ID,
		Status:    ptr(string(st.Status)),
		PID:       ptr(st.PID),
		LastError: ptr(st.LastError),
	})
}

// PluginConnected 实现 plugin.Observer。受监管插件的状态由进程事件维护，
// 这里只在插件未运行于监管之下时标记为 connected。
func (r *Recorder) PluginConnected(conn *plugin.Connection) {
	r.publish(Update{
		PluginID:   conn.ID,
		Name:       ptr(conn.Name),
		Version:    ptr(conn.Version),
		Status:     ptr(StatusConnected),
		StatusWhen: []string{"", StatusInstalled, string(supervisor.StatusStopped), StatusDisconnected},
	})
}

// PluginDisconnected 实现 plugin.Observer。
func (r *Recorder) PluginDisconnected(conn *plugin.Connection) {
	r.publish(Update{
		PluginID:        conn.ID,
		Status:          ptr(StatusDisconnected),
		StatusWhen:      []string{StatusConnected},
		RequireExisting: true,
	})
}

func (r *Recorder) publish(u Update) {
	if u.Kind == "" {
		u.Kind = UpdateUpsert
	}
	if u.At.IsZero() {
		u.At = r.now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.buf <- u:
	default:
		r.logger.Error("读模型缓冲已满，丢弃更新", slog.String("plugin_id", u.PluginID))
	}
}

func (r *Recorder) pump() {
	defer close(r.done)
	for u := range r.buf {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.queue.Publish(ctx, u)
		cancel()
		if err != nil {
			r.logger.Warn("发布读模型更新失败", slog.String("plugin_id", u.PluginID), slog.Any("error", err))
		}
	}
}

// Close 停止接收事件，等待缓冲中的更新全部投递或 ctx 结束。
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.buf)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	_ plugin.Observer     = (*Recorder)(nil)
	_ supervisor.Recorder = (*Recorder)(nil)
)
