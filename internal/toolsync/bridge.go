package toolsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"plugin-runtime/pkg/logger"
	"plugin-runtime/pkg/plugin"
)

// ToolName 返回插件工具在目录中的名称。
func ToolName(pluginID, tool string) string {
	return Prefix(pluginID) + tool
}

// Prefix 返回某插件全部工具共享的名称前缀。
func Prefix(pluginID string) string {
	return "plugin:" + pluginID + ":"
}

// Endpoint 是标记工具由插件承载的合成端点。
func Endpoint(pluginID, tool string) string {
	return "plugin://" + pluginID + "/" + tool
}

type jobKind int

const (
	jobRegister jobKind = iota
	jobDelete
)

type job struct {
	kind     jobKind
	pluginID string
	tools    []Tool
}

// Option 调整 Bridge。
type Option func(*Bridge)

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithQueueSize 指定待同步任务的缓冲大小。
func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.size = n
		}
	}
}

// WithTimeout 指定单次目录调用的超时。
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// Bridge 监听插件连接变化，把 mcp_tools 能力同步到工具目录。
// 同步在单独的 worker 中按事件顺序执行，失败只记录日志。
type Bridge struct {
	catalog Catalog
	logger  *slog.Logger
	size    int
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan job
	done   chan struct{}
}

// NewBridge 创建并启动同步 worker。
func NewBridge(catalog Catalog, opts ...Option) *Bridge {
	b := &Bridge{
		catalog: catalog,
		logger:  logger.Named("toolsync"),
		size:    256,
		timeout: 10 * time.Second,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.queue = make(chan job, b.size)
	go b.run()
	return b
}

// PluginConnected 实现 plugin.Observer。
func (b *Bridge) PluginConnected(conn *plugin.Connection) {
	defs := conn.Tools()
	if len(defs) == 0 {
		return
	}
	tools := make([]Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, Tool{
			Name:        ToolName(conn.ID, def.Name),
			PluginID:    conn.ID,
			Title:       def.Title,
			Description: def.Description,
			Parameters:  def.Parameters,
			Endpoint:    Endpoint(conn.ID, def.Name),
		})
	}
	b.enqueue(job{kind: jobRegister, pluginID: conn.ID, tools: tools})
}

// PluginDisconnected 实现 plugin.Observer。
func (b *Bridge) PluginDisconnected(conn *plugin.Connection) {
	if !conn.HasKind(plugin.KindMCPTools) {
		return
	}
	b.enqueue(job{kind: jobDelete, pluginID: conn.ID})
}

func (b *Bridge) enqueue(j job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- j:
	default:
		b.logger.Error("工具同步队列已满，丢弃同步任务", slog.String("plugin_id", j.pluginID))
	}
}

// Close 停止接收新任务，等待已排队任务完成或 ctx 结束。
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) run() {
	defer close(b.done)
	for j := range b.queue {
		b.apply(j)
	}
}

func (b *Bridge) apply(j job) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("工具同步异常", slog.String("plugin_id", j.pluginID), slog.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	switch j.kind {
	case jobRegister:
		for _, t := range j.tools {
			if err := b.catalog.RegisterTool(ctx, t); err != nil {
				b.logger.Warn("注册插件工具失败", slog.String("plugin_id", j.pluginID), slog.String("tool", t.Name), slog.Any("error", err))
				continue
			}
			b.logger.Debug("插件工具已注册", slog.String("plugin_id", j.pluginID), slog.String("tool", t.Name))
		}
	case jobDelete:
		n, err := b.catalog.DeleteByPrefix(ctx, Prefix(j.pluginID))
		if err != nil {
			b.logger.Warn("删除插件工具失败", slog.String("plugin_id", j.pluginID), slog.Any("error", err))
			return
		}
		b.logger.Info("插件工具已移除", slog.String("plugin_id", j.pluginID), slog.Int("count", n))
	}
}
