package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"plugin-runtime/internal/installer"
	"plugin-runtime/internal/readmodel"
	"plugin-runtime/internal/storage/mysql"
	"plugin-runtime/internal/supervisor"
	"plugin-runtime/internal/wire"
	"plugin-runtime/pkg/logger"
	"plugin-runtime/pkg/plugin"
)

// 支持的环境变量覆盖。
const (
	EnvConfigPath  = "PLUGIND_CONFIG"
	EnvWireNetwork = "PLUGIND_WIRE_NETWORK"
	EnvWireAddress = "PLUGIND_WIRE_ADDRESS"
	EnvDevToken    = "PLUGIND_DEV_TOKEN"
	EnvStorageDSN  = "PLUGIND_STORAGE_DSN"
	EnvCatalogURL  = "PLUGIND_CATALOG_URL"
)

// Config 描述 plugind 启动时加载的全部配置。
type Config struct {
	DataDir    string            `yaml:"data_dir"`
	Server     ServerConfig      `yaml:"server"`
	Wire       WireConfig        `yaml:"wire"`
	Installer  installer.Config  `yaml:"installer"`
	Supervisor supervisor.Config `yaml:"supervisor"`
	ToolSync   ToolSyncConfig    `yaml:"toolsync"`
	Storage    StorageConfig     `yaml:"storage"`
	Queue      QueueConfig       `yaml:"queue"`
	Logging    logger.Config     `yaml:"logging"`
	Alerting   AlertingConfig    `yaml:"alerting"`
	Policy     plugin.Policy     `yaml:"policy"`

	// PluginPolicies 按插件 ID 覆盖全局 policy。
	PluginPolicies map[string]plugin.Policy `yaml:"plugin_policies"`
}

// ServerConfig 控制 HTTP API 的监听参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WireConfig 是插件 socket 的配置，外加插件请求的默认超时。
type WireConfig struct {
	wire.Config    `yaml:",inline"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ToolSyncConfig 描述外部工具目录。CatalogURL 为空时不同步。
type ToolSyncConfig struct {
	CatalogURL string        `yaml:"catalog_url"`
	Token      string        `yaml:"token"`
	QueueSize  int           `yaml:"queue_size"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Enabled 报告是否配置了工具目录。
func (c ToolSyncConfig) Enabled() bool { return strings.TrimSpace(c.CatalogURL) != "" }

// StorageConfig 选择读模型存储后端。
type StorageConfig struct {
	Driver string       `yaml:"driver"`
	MySQL  mysql.Config `yaml:"mysql"`
}

// QueueConfig 选择读模型更新队列。
type QueueConfig struct {
	Driver   string                     `yaml:"driver"`
	Size     int                        `yaml:"size"`
	Redis    readmodel.RedisQueueConfig `yaml:"redis"`
	RabbitMQ readmodel.RabbitMQConfig   `yaml:"rabbitmq"`
}

// AlertingConfig 控制崩溃与重启耗尽告警的投递。
type AlertingConfig struct {
	DisableLog     bool          `yaml:"disable_log"`
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// Load 读取 YAML 配置文件。path 为空时只使用默认值与环境变量。
// 相对路径以配置文件所在目录为基准。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePath 返回命令行参数或 PLUGIND_CONFIG 指定的配置路径。
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv(EnvConfigPath)
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvWireNetwork); v != "" {
		c.Wire.Network = v
	}
	if v := os.Getenv(EnvWireAddress); v != "" {
		c.Wire.Address = v
	}
	if v := os.Getenv(EnvDevToken); v != "" {
		c.Wire.DevToken = v
	}
	if v := os.Getenv(EnvStorageDSN); v != "" {
		c.Storage.MySQL.DSN = v
		if c.Storage.Driver == "" {
			c.Storage.Driver = "mysql"
		}
	}
	if v := os.Getenv(EnvCatalogURL); v != "" {
		c.ToolSync.CatalogURL = v
	}
}

// applyDefaults 在用户未填写部分字段时设置默认值。
func (c *Config) applyDefaults(baseDir string) {
	c.DataDir = resolve(baseDir, c.DataDir, "data")

	if c.Server.Address == "" {
		c.Server.Address = ":8090"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}

	if c.Wire.Network == "" {
		c.Wire.Network = "unix"
	}
	if c.Wire.Address == "" && c.Wire.Network == "unix" {
		c.Wire.Address = filepath.Join(c.DataDir, "plugind.sock")
	}
	if c.Wire.RegisterTimeout <= 0 {
		c.Wire.RegisterTimeout = 30 * time.Second
	}
	if c.Wire.RequestTimeout <= 0 {
		c.Wire.RequestTimeout = 10 * time.Second
	}

	c.Installer.PluginsDir = resolve(c.DataDir, c.Installer.PluginsDir, "plugins")
	c.Installer.ScratchDir = resolve(c.DataDir, c.Installer.ScratchDir, "tmp")

	if c.Supervisor.MonitorInterval <= 0 {
		c.Supervisor.MonitorInterval = 5 * time.Second
	}
	if c.Supervisor.StopTimeout <= 0 {
		c.Supervisor.StopTimeout = 5 * time.Second
	}
	if c.Supervisor.LogLines <= 0 {
		c.Supervisor.LogLines = 1000
	}
	if c.Supervisor.RestartDelay <= 0 {
		c.Supervisor.RestartDelay = 3 * time.Second
	}
	if c.Supervisor.LogDir != "" {
		c.Supervisor.LogDir = resolve(c.DataDir, c.Supervisor.LogDir, "")
	}

	if c.ToolSync.QueueSize <= 0 {
		c.ToolSync.QueueSize = 256
	}
	if c.ToolSync.Timeout <= 0 {
		c.ToolSync.Timeout = 10 * time.Second
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 256
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Alerting.WebhookTimeout <= 0 {
		c.Alerting.WebhookTimeout = 5 * time.Second
	}
}

// Validate 检查互相依赖的配置项。
func (c *Config) Validate() error {
	var errs []error
	switch c.Wire.Network {
	case "unix", "tcp":
	default:
		errs = append(errs, fmt.Errorf("wire.network 只支持 unix 或 tcp，当前为 %q", c.Wire.Network))
	}
	if c.Wire.Address == "" {
		errs = append(errs, errors.New("wire.address 不能为空"))
	}
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
			errs = append(errs, errors.New("storage.mysql.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 storage.driver %q", c.Storage.Driver))
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			errs = append(errs, errors.New("queue.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("queue.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 queue.driver %q", c.Queue.Driver))
	}
	if err := c.ManagerConfig("").Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ManagerConfig 组装插件管理器配置。
func (c *Config) ManagerConfig(hostVersion string) plugin.ManagerConfig {
	return plugin.ManagerConfig{
		HostVersion:    hostVersion,
		RequestTimeout: c.Wire.RequestTimeout,
		Policy:         c.Policy,
		PluginPolicies: c.PluginPolicies,
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
