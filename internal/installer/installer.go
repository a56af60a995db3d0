package installer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"plugin-runtime/internal/descriptor"
	xerrors "plugin-runtime/internal/errors"
	"plugin-runtime/pkg/logger"
)

// ManifestFile 是写入每个安装目录的元数据文件名。
const ManifestFile = "plugin.json"

const (
	defaultDownloadTimeout  = 5 * time.Minute
	defaultMaxDownloadBytes = 512 << 20
	maxDescriptorBytes      = 1 << 20
)

// Config 控制安装目录与下载限制。
type Config struct {
	PluginsDir       string        `yaml:"plugins_dir"`
	ScratchDir       string        `yaml:"scratch_dir"`
	DownloadTimeout  time.Duration `yaml:"download_timeout"`
	MaxDownloadBytes int64         `yaml:"max_download_bytes"`
}

// Recorder 接收安装事件，用于刷新读模型，实现不得阻塞。
type Recorder interface {
	PluginInstalled(id, name, version, installType string)
	PluginUninstalled(id string)
}

// Manifest 记录一次成功安装的结果。
type Manifest struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Version     string                 `json:"version"`
	InstallType descriptor.InstallType `json:"install_type"`
	Path        string                 `json:"path"`
	Descriptor  descriptor.Descriptor  `json:"descriptor"`
	InstalledAt time.Time              `json:"installed_at"`
}

// Installer 负责拉取、构建并落盘插件。
type Installer struct {
	cfg      Config
	runner   Runner
	client   *http.Client
	recorder Recorder
	logger   *slog.Logger
	goos     string
	goarch   string
	now      func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option 定制 Installer。
type Option func(*Installer)

// WithRunner 替换外部命令执行器。
func WithRunner(r Runner) Option {
	return func(i *Installer) {
		if r != nil {
			i.runner = r
		}
	}
}

// WithHTTPClient 替换下载使用的 HTTP 客户端。
func WithHTTPClient(c *http.Client) Option {
	return func(i *Installer) {
		if c != nil {
			i.client = c
		}
	}
}

// WithRecorder 设置安装事件接收方。
func WithRecorder(r Recorder) Option {
	return func(i *Installer) { i.recorder = r }
}

// WithLogger 设置日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(i *Installer) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithPlatform 覆盖 ${os}/${arch} 替换所用的平台。
func WithPlatform(goos, goarch string) Option {
	return func(i *Installer) {
		i.goos, i.goarch = NormalizeOS(goos), NormalizeArch(goarch)
	}
}

// New 创建安装器，插件目录不存在时会自动创建。
func New(cfg Config, opts ...Option) (*Installer, error) {
	if cfg.PluginsDir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "plugins_dir 不能为空")
	}
	abs, err := filepath.Abs(cfg.PluginsDir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 plugins_dir 失败")
	}
	cfg.PluginsDir = abs
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = defaultDownloadTimeout
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = defaultMaxDownloadBytes
	}
	if err := os.MkdirAll(cfg.PluginsDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInstallFailed, err, "创建插件目录失败")
	}
	i := &Installer{
		cfg:    cfg,
		runner: ExecRunner{},
		client: &http.Client{Timeout: cfg.DownloadTimeout},
		logger: logger.Named("installer"),
		goos:   NormalizeOS(runtime.GOOS),
		goarch: NormalizeArch(runtime.GOARCH),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Path 返回插件的安装目录。
func (i *Installer) Path(id string) string {
	return filepath.Join(i.cfg.PluginsDir, id)
}

// Install 以干净目录安装插件。任何失败都会删除安装目录后返回。
func (i *Installer) Install(ctx context.Context, d *descriptor.Descriptor) (*Manifest, error) {
	if d == nil {
		return nil, xerrors.New(xerrors.CodeInvalidDescriptor, "描述不能为空")
	}
	d.ApplyDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}

	unlock := i.lock(d.ID)
	defer unlock()

	target := i.Path(d.ID)
	log := i.logger.With(slog.String("plugin_id", d.ID), slog.String("install_type", string(d.InstallType())))
	if err := os.RemoveAll(target); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInstallFailed, err, "清理旧安装目录失败", xerrors.WithMetadata("plugin_id", d.ID))
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInstallFailed, err, "创建安装目录失败", xerrors.WithMetadata("plugin_id", d.ID))
	}

	installed := false
	defer func() {
		if !installed {
			if err := os.RemoveAll(target); err != nil {
				log.Error("清理失败的安装目录出错", slog.Any("error", err))
			}
		}
	}()

	log.Info("开始安装插件", slog.String("version", d.Version))
	var err error
	switch d.InstallType() {
	case descriptor.InstallBinary:
		err = i.fetchBinary(ctx, d.Source.Binary, target)
	default:
		err = i.fetchSource(ctx, d.ID, d.Source.GitHub, target)
	}
	if err != nil {
		log.Warn("获取插件失败", slog.Any("error", err))
		return nil, err
	}
	if d.Build != nil {
		if err := i.build(ctx, d, target); err != nil {
			log.Warn("构建插件失败", slog.Any("error", err))
			return nil, err
		}
	}

	manifest := &Manifest{
		ID:          d.ID,
		Name:        d.Name,
		Version:     d.Version,
		InstallType: d.InstallType(),
		Path:        target,
		Descriptor:  *d,
		InstalledAt: i.now().UTC(),
	}
	if err := writeManifest(target, manifest); err != nil {
		return nil, err
	}
	installed = true

	log.Info("插件安装完成", slog.String("path", target))
	logger.Audit().Info("plugin_installed", slog.String("plugin_id", d.ID), slog.String("version", d.Version))
	if i.recorder != nil {
		i.recorder.PluginInstalled(d.ID, d.Name, d.Version, string(d.InstallType()))
	}
	return manifest, nil
}

// Uninstall 删除安装目录；目录不存在时返回 false。
func (i *Installer) Uninstall(id string) (bool, error) {
	if !descriptor.ValidID(id) {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "插件 ID 非法", xerrors.WithMetadata("plugin_id", id))
	}
	unlock := i.lock(id)
	defer unlock()

	target := i.Path(id)
	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.CodeInstallFailed, err, "读取安装目录失败", xerrors.WithMetadata("plugin_id", id))
	}
	if err := os.RemoveAll(target); err != nil {
		return false, xerrors.Wrap(xerrors.CodeInstallFailed, err, "删除安装目录失败", xerrors.WithMetadata("plugin_id", id))
	}
	i.logger.Info("插件已卸载", slog.String("plugin_id", id))
	logger.Audit().Info("plugin_uninstalled", slog.String("plugin_id", id))
	if i.recorder != nil {
		i.recorder.PluginUninstalled(id)
	}
	return true, nil
}

// Manifest 读取已安装插件的元数据。
func (i *Installer) Manifest(id string) (*Manifest, error) {
	if !descriptor.ValidID(id) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "插件 ID 非法", xerrors.WithMetadata("plugin_id", id))
	}
	data, err := os.ReadFile(filepath.Join(i.Path(id), ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, xerrors.New(xerrors.CodeNotFound, "插件未安装", xerrors.WithMetadata("plugin_id", id))
		}
		return nil, xerrors.Wrap(xerrors.CodeInstallFailed, err, "读取安装清单失败", xerrors.WithMetadata("plugin_id", id))
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInstallFailed, err, "安装清单损坏", xerrors.WithMetadata("plugin_id", id))
	}
	m.Path = i.Path(id)
	return &m, nil
}

// List 返回所有带清单的安装，按 ID 排序。
func (i *Installer) List() ([]Manifest, error) {
	entries, err := os.ReadDir(i.cfg.PluginsDir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInstallFailed, err, "读取插件目录失败")
	}
	var out []Manifest
	for _, entry := range entries {
		if !entry.IsDir() || !descriptor.ValidID(entry.Name()) {
			continue
		}
		m, err := i.Manifest(entry.Name())
		if err != nil {
			i.logger.Debug("跳过无效安装目录", slog.String("dir", entry.Name()), slog.Any("error", err))
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// FetchDescriptor 下载并校验远程插件描述，不执行安装。
func (i *Installer) FetchDescriptor(ctx context.Context, url string) (*descriptor.Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "描述地址非法")
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFetchFailed, err, "下载插件描述失败", xerrors.WithMetadata("url", url))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.CodeFetchFailed, fmt.Sprintf("下载插件描述返回 %d", resp.StatusCode), xerrors.WithMetadata("url", url))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptorBytes+1))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFetchFailed, err, "读取插件描述失败", xerrors.WithMetadata("url", url))
	}
	if len(data) > maxDescriptorBytes {
		return nil, xerrors.New(xerrors.CodeInvalidDescriptor, "插件描述过大", xerrors.WithMetadata("url", url))
	}
	return descriptor.Parse(data)
}

func (i *Installer) lock(id string) func() {
	i.locksMu.Lock()
	mu, ok := i.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		i.locks[id] = mu
	}
	i.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func writeManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInstallFailed, err, "编码安装清单失败")
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeInstallFailed, err, "写入安装清单失败")
	}
	return nil
}

func toolchainMissing(tool string, err error) error {
	return xerrors.Wrap(xerrors.CodeToolchainMissing, err, fmt.Sprintf("宿主机缺少 %s", tool), xerrors.WithMetadata("tool", tool))
}
