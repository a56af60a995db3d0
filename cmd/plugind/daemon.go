package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"

	"plugin-runtime/internal/api"
	"plugin-runtime/internal/config"
	"plugin-runtime/internal/installer"
	"plugin-runtime/internal/observability/alerting"
	"plugin-runtime/internal/observability/metrics"
	"plugin-runtime/internal/readmodel"
	"plugin-runtime/internal/storage/mysql"
	"plugin-runtime/internal/supervisor"
	"plugin-runtime/internal/toolsync"
	"plugin-runtime/internal/wire"
	"plugin-runtime/pkg/logger"
	"plugin-runtime/pkg/plugin"
	"plugin-runtime/pkg/protocol"
)

// daemon 持有 serve 命令装配的全部组件。
type daemon struct {
	cfg *config.Config
	log *slog.Logger

	metrics   *metrics.Collector
	store     readmodel.Store
	queue     readmodel.Queue
	writer    *readmodel.Writer
	recorder  *readmodel.Recorder
	installer *installer.Installer
	manager   *plugin.Manager
	bridge    *toolsync.Bridge
	sup       *supervisor.Supervisor
	wire      *wire.Server
	api       *api.Server
}

// newDaemon 依次构建读模型、安装器、插件管理器、监听与进程监管。
// 任一步骤失败时关闭已经打开的资源。
func newDaemon(ctx context.Context, cfg *config.Config, hostVersion string) (*daemon, error) {
	d := &daemon{cfg: cfg, log: logger.Named("plugind")}
	if err := d.build(ctx, hostVersion); err != nil {
		d.release()
		return nil, err
	}
	return d, nil
}

func (d *daemon) build(ctx context.Context, hostVersion string) error {
	cfg := d.cfg
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	d.metrics = metrics.NewCollector("plugind")

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	d.store = store
	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	d.queue = queue
	d.writer = readmodel.NewWriter(store, queue)
	d.recorder = readmodel.NewRecorder(queue, cfg.Queue.Size)

	d.installer, err = installer.New(cfg.Installer,
		installer.WithRecorder(d.recorder),
		installer.WithLogger(logger.Named("installer")))
	if err != nil {
		return err
	}

	d.manager, err = plugin.NewManager(cfg.ManagerConfig(hostVersion),
		plugin.WithLogger(logger.Named("plugin")),
		plugin.WithMetrics(d.metrics),
		plugin.WithObserver(d.recorder))
	if err != nil {
		return err
	}

	if cfg.ToolSync.Enabled() {
		catalog, err := toolsync.NewHTTPCatalog(cfg.ToolSync.CatalogURL, cfg.ToolSync.Token,
			&http.Client{Timeout: cfg.ToolSync.Timeout})
		if err != nil {
			return err
		}
		d.bridge = toolsync.NewBridge(catalog,
			toolsync.WithLogger(logger.Named("toolsync")),
			toolsync.WithQueueSize(cfg.ToolSync.QueueSize),
			toolsync.WithTimeout(cfg.ToolSync.Timeout))
		d.manager.AddObserver(d.bridge)
	}

	d.wire, err = wire.New(cfg.Wire.Config, d.manager, wire.WithLogger(logger.Named("wire")))
	if err != nil {
		return err
	}
	// 先监听再拉起插件进程，注入的地址取实际监听地址。
	if err := d.wire.Listen(); err != nil {
		return err
	}

	d.sup = supervisor.New(d.supervisorConfig(),
		supervisor.WithLogger(logger.Named("supervisor")),
		supervisor.WithRecorder(d.recorder),
		supervisor.WithAlerts(newAlerts(cfg.Alerting)),
		supervisor.WithMetrics(d.metrics))

	d.api = api.NewServer(api.Config{
		Address:         cfg.Server.Address,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, api.Deps{
		Plugins:        d.manager,
		Processes:      d.sup,
		Installations:  d.installer,
		Records:        d.store,
		Metrics:        d.metrics,
		MetricsHandler: d.metrics.Handler(),
		Logger:         logger.Named("api"),
	})
	return nil
}

func (d *daemon) supervisorConfig() supervisor.Config {
	sc := d.cfg.Supervisor
	env := make(map[string]string, len(sc.PluginEnv)+3)
	maps.Copy(env, sc.PluginEnv)
	addr := d.wire.Addr()
	env[protocol.EnvNetwork] = addr.Network()
	env[protocol.EnvAddress] = addr.String()
	if d.cfg.Wire.Network == "tcp" && d.cfg.Wire.DevToken != "" {
		env[protocol.EnvDevToken] = d.cfg.Wire.DevToken
	}
	sc.PluginEnv = env
	return sc
}

// reconcile 为读模型中缺失的已安装插件补记记录，离线安装的插件由此出现在读模型中。
func (d *daemon) reconcile(ctx context.Context) {
	manifests, err := d.installer.List()
	if err != nil {
		d.log.Warn("读取已安装插件失败", slog.Any("error", err))
		return
	}
	for _, m := range manifests {
		_, err := d.store.Get(ctx, m.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, readmodel.ErrRecordNotFound) {
			d.log.Warn("查询读模型失败", slog.String("plugin_id", m.ID), slog.Any("error", err))
			continue
		}
		d.recorder.PluginInstalled(m.ID, m.Name, m.Version, string(m.InstallType))
	}
}

// autostart 拉起全部已安装插件。
func (d *daemon) autostart() {
	manifests, err := d.installer.List()
	if err != nil {
		d.log.Warn("读取已安装插件失败", slog.Any("error", err))
		return
	}
	for _, m := range manifests {
		spec, err := supervisor.SpecFromDescriptor(&m.Descriptor, m.Path)
		if err == nil {
			err = d.sup.Start(spec)
		}
		if err != nil {
			d.log.Error("插件自动启动失败", slog.String("plugin_id", m.ID), slog.Any("error", err))
		}
	}
}

// release 关闭构建阶段已经打开的存储与队列。
func (d *daemon) release() {
	if d.wire != nil {
		_ = d.wire.Close()
	}
	if d.recorder != nil {
		_ = d.recorder.Close(context.Background())
	}
	if d.queue != nil {
		_ = d.queue.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig) (readmodel.Store, error) {
	switch cfg.Driver {
	case "memory":
		return readmodel.NewMemoryStore(), nil
	case "mysql":
		db, err := mysql.Open(ctx, cfg.MySQL)
		if err != nil {
			return nil, err
		}
		store, err := readmodel.NewMySQLStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("不支持的存储驱动: %s", cfg.Driver)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (readmodel.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return readmodel.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return readmodel.NewRedisQueue(ctx, cfg.Redis)
	case "rabbitmq":
		return readmodel.NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return nil, fmt.Errorf("不支持的队列驱动: %s", cfg.Driver)
	}
}

func newAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if !cfg.DisableLog {
		notifiers = append(notifiers, alerting.LogNotifier{})
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.WebhookURL,
			Client: &http.Client{Timeout: cfg.WebhookTimeout},
		})
	}
	return alerting.NewFanout(notifiers...)
}
