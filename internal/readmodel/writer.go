package readmodel

import (
	"context"
	"log/slog"
	"time"

	xerrors "plugin-runtime/internal/errors"
	"plugin-runtime/pkg/logger"
)

// Writer 是读模型的唯一写入方：从队列取出更新，合并后写入 Store。
type Writer struct {
	store   Store
	queue   Queue
	logger  *slog.Logger
	timeout time.Duration
}

// NewWriter 创建 Writer。
func NewWriter(store Store, queue Queue) *Writer {
	return &Writer{
		store:   store,
		queue:   queue,
		logger:  logger.Named("readmodel"),
		timeout: 5 * time.Second,
	}
}

// Run 阻塞消费队列，直到 ctx 结束或队列关闭。
func (w *Writer) Run(ctx context.Context) error {
	w.logger.Info("读模型写入器已启动")
	defer w.logger.Info("读模型写入器已退出")
	return w.queue.Consume(ctx, w.Apply)
}

// Apply 应用一条更新。只有存储故障会返回错误，以便队列重新投递。
func (w *Writer) Apply(ctx context.Context, u Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("应用读模型更新异常", slog.String("plugin_id", u.PluginID), slog.Any("panic", r))
			err = nil
		}
	}()
	if u.PluginID == "" {
		w.logger.Warn("忽略缺少插件 ID 的读模型更新")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if u.Kind == UpdateDelete {
		if err := w.store.Delete(ctx, u.PluginID); err != nil {
			w.logger.Warn("删除插件记录失败", slog.String("plugin_id", u.PluginID), slog.Any("error", err))
			return err
		}
		return nil
	}

	cur, err := w.store.Get(ctx, u.PluginID)
	if err != nil && !xerrors.HasCode(err, xerrors.CodeNotFound) {
		w.logger.Warn("读取插件记录失败", slog.String("plugin_id", u.PluginID), slog.Any("error", err))
		return err
	}
	rec, ok := u.Apply(cur)
	if !ok {
		return nil
	}
	if err := w.store.Upsert(ctx, rec); err != nil {
		w.logger.Warn("写入插件记录失败", slog.String("plugin_id", u.PluginID), slog.Any("error", err))
		return err
	}
	return nil
}
