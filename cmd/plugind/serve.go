package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"plugin-runtime/internal/config"
	"plugin-runtime/pkg/logger"
)

func newServeCommand(opts *rootOptions, version string) *cobra.Command {
	var autostart bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动插件运行时",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, flush, err := opts.loadConfig()
			if err != nil {
				return err
			}
			defer flush()
			return serve(cmd.Context(), cfg, version, autostart)
		},
	}
	cmd.Flags().BoolVar(&autostart, "autostart", true, "启动时拉起全部已安装插件")
	return cmd
}

// serve 运行到 ctx 结束或任一组件失败，然后按顺序关闭：
// 停止接收新连接，通知插件关闭，停止进程，排空读模型队列，最后关闭存储。
func serve(ctx context.Context, cfg *config.Config, hostVersion string, autostart bool) error {
	d, err := newDaemon(ctx, cfg, hostVersion)
	if err != nil {
		return err
	}
	log := d.log

	writerCtx, cancelWriter := context.WithCancel(context.Background())
	defer cancelWriter()
	writerDone := make(chan error, 1)
	go func() { writerDone <- d.writer.Run(writerCtx) }()

	d.reconcile(ctx)
	if autostart {
		d.autostart()
	}
	logger.Audit().Info("plugind 已启动",
		slog.String("version", hostVersion),
		slog.String("api", cfg.Server.Address),
		slog.String("wire", d.wire.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.api.Start(gctx) })
	g.Go(func() error { return d.wire.Serve(context.Background()) })
	g.Go(func() error {
		if err := d.sup.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.shutdown(cfg.Server.ShutdownTimeout)
		return nil
	})
	err = g.Wait()

	d.drain(writerDone, cancelWriter, cfg.Server.ShutdownTimeout)
	if cerr := d.store.Close(); cerr != nil {
		log.Warn("关闭读模型存储失败", slog.Any("error", cerr))
	}
	logger.Audit().Info("plugind 已停止")
	return err
}

// shutdown 在 API 停止后关闭插件侧组件。wire 的 Serve 在 Close 后返回。
func (d *daemon) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := d.wire.StopAccepting(); err != nil {
		d.log.Warn("停止插件监听失败", slog.Any("error", err))
	}
	d.manager.ShutdownAll(ctx)
	if err := d.wire.Close(); err != nil {
		d.log.Warn("关闭插件监听失败", slog.Any("error", err))
	}
	if err := d.sup.StopAll(ctx); err != nil {
		d.log.Warn("停止插件进程失败", slog.Any("error", err))
	}
	if d.bridge != nil {
		if err := d.bridge.Close(ctx); err != nil {
			d.log.Warn("工具同步未完成", slog.Any("error", err))
		}
	}
}

// drain 把缓冲的事件投递进队列，关闭队列并等待写入协程处理完剩余更新。
func (d *daemon) drain(writerDone <-chan error, cancelWriter context.CancelFunc, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := d.recorder.Close(ctx); err != nil {
		d.log.Warn("读模型事件未全部投递", slog.Any("error", err))
	}
	if err := d.queue.Close(); err != nil {
		d.log.Warn("关闭读模型队列失败", slog.Any("error", err))
	}
	select {
	case err := <-writerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			d.log.Warn("读模型写入协程异常退出", slog.Any("error", err))
		}
	case <-ctx.Done():
		d.log.Warn("等待读模型写入超时")
		cancelWriter()
		<-writerDone
	}
}
