package descriptor

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "plugin-runtime/internal/errors"
)

// InstallType 区分源码安装与二进制安装。
type InstallType string

const (
	InstallSource InstallType = "source"
	InstallBinary InstallType = "binary"
)

// Language 是构建步骤支持的语言。
type Language string

const (
	LanguageGo     Language = "go"
	LanguagePython Language = "python"
	LanguageNodeJS Language = "nodejs"
)

// Descriptor 描述插件的来源、构建方式与运行参数。
type Descriptor struct {
	ID          string  `yaml:"id" json:"id"`
	Name        string  `yaml:"name" json:"name"`
	Version     string  `yaml:"version" json:"version"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Author      string  `yaml:"author,omitempty" json:"author,omitempty"`
	Source      Source  `yaml:"source" json:"source"`
	Build       *Build  `yaml:"build,omitempty" json:"build,omitempty"`
	Runtime     Runtime `yaml:"runtime" json:"runtime"`
}

// Source 必须且只能指定一种来源。
type Source struct {
	GitHub *GitHubSource `yaml:"github,omitempty" json:"github,omitempty"`
	Binary *BinarySource `yaml:"binary,omitempty" json:"binary,omitempty"`
}

// GitHubSource 以浅克隆方式拉取仓库中的子目录。
type GitHubSource struct {
	Repo string `yaml:"repo" json:"repo"`
	Ref  string `yaml:"ref,omitempty" json:"ref,omitempty"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// BinarySource 下载预编译产物，URL 中的 ${os}/${arch} 会被替换。
type BinarySource struct {
	URLTemplate string `yaml:"url_template" json:"url_template"`
	SHA256      string `yaml:"sha256,omitempty" json:"sha256,omitempty"`
	Executable  string `yaml:"executable,omitempty" json:"executable,omitempty"`
}

// Build 按语言分发构建步骤。
type Build struct {
	Language Language     `yaml:"language" json:"language"`
	Go       *GoBuild     `yaml:"go,omitempty" json:"go,omitempty"`
	Python   *PythonBuild `yaml:"python,omitempty" json:"python,omitempty"`
	NodeJS   *NodeBuild   `yaml:"nodejs,omitempty" json:"nodejs,omitempty"`
}

// GoBuild 对应 go build <main> -o <output>。
type GoBuild struct {
	Main   string `yaml:"main,omitempty" json:"main,omitempty"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// PythonBuild 在安装目录内创建虚拟环境。
type PythonBuild struct {
	Entrypoint   string `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	Requirements string `yaml:"requirements,omitempty" json:"requirements,omitempty"`
}

// NodeBuild 在存在 package.json 时执行 npm install。
type NodeBuild struct {
	Entrypoint string `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	Manifest   string `yaml:"manifest,omitempty" json:"manifest,omitempty"`
}

// Runtime 描述进程启动方式与重启策略。
type Runtime struct {
	Command      string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args         []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env          map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	AutoRestart  *bool             `yaml:"auto_restart,omitempty" json:"auto_restart,omitempty"`
	RestartDelay Duration          `yaml:"restart_delay,omitempty" json:"restart_delay,omitempty"`
	MaxRestarts  int               `yaml:"max_restarts,omitempty" json:"max_restarts,omitempty"`
}

// AutoRestartEnabled 默认开启自动重启。
func (r Runtime) AutoRestartEnabled() bool {
	return r.AutoRestart == nil || *r.AutoRestart
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidID 判断插件 ID 是否可用于目录名与工具命名空间。
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Parse 解析 YAML 或 JSON 描述并完成默认值填充与校验。
func Parse(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidDescriptor, err, "解析插件描述失败")
	}
	d.ApplyDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// InstallType 根据来源推导安装类型。
func (d *Descriptor) InstallType() InstallType {
	if d.Source.Binary != nil {
		return InstallBinary
	}
	return InstallSource
}

// ApplyDefaults 填充缺省字段。
func (d *Descriptor) ApplyDefaults() {
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Version == "" {
		d.Version = "0.0.0"
	}
	if gh := d.Source.GitHub; gh != nil {
		if gh.Ref == "" {
			gh.Ref = "main"
		}
		gh.Path = strings.Trim(gh.Path, "/")
	}
	if bin := d.Source.Binary; bin != nil && bin.Executable == "" {
		bin.Executable = d.ID
	}
	if b := d.Build; b != nil {
		switch b.Language {
		case LanguageGo:
			if b.Go == nil {
				b.Go = &GoBuild{}
			}
			if b.Go.Main == "" {
				b.Go.Main = "."
			}
			if b.Go.Output == "" {
				b.Go.Output = d.ID
			}
		case LanguagePython:
			if b.Python == nil {
				b.Python = &PythonBuild{}
			}
			if b.Python.Entrypoint == "" {
				b.Python.Entrypoint = "main.py"
			}
			if b.Python.Requirements == "" {
				b.Python.Requirements = "requirements.txt"
			}
		case LanguageNodeJS:
			if b.NodeJS == nil {
				b.NodeJS = &NodeBuild{}
			}
			if b.NodeJS.Entrypoint == "" {
				b.NodeJS.Entrypoint = "index.js"
			}
			if b.NodeJS.Manifest == "" {
				b.NodeJS.Manifest = "package.json"
			}
		}
	}
}

// Validate 校验描述的完整性，错误码为 INVALID_DESCRIPTOR。
func (d *Descriptor) Validate() error {
	if !ValidID(d.ID) {
		return invalid("插件 ID 非法: %q", d.ID)
	}
	switch {
	case d.Source.GitHub != nil && d.Source.Binary != nil:
		return invalid("source 只能指定 github 或 binary 之一")
	case d.Source.GitHub != nil:
		if err := validateRepo(d.Source.GitHub.Repo); err != nil {
			return err
		}
		if !safeRelative(d.Source.GitHub.Path) {
			return invalid("source.github.path 必须是仓库内的相对路径: %q", d.Source.GitHub.Path)
		}
	case d.Source.Binary != nil:
		if err := validateURLTemplate(d.Source.Binary.URLTemplate); err != nil {
			return err
		}
		if strings.ContainsAny(d.Source.Binary.Executable, `/\`) {
			return invalid("source.binary.executable 不能包含路径分隔符")
		}
	default:
		return invalid("缺少 source")
	}
	if d.Build != nil {
		if err := d.Build.validate(); err != nil {
			return err
		}
	}
	if d.Runtime.MaxRestarts < 0 {
		return invalid("runtime.max_restarts 不能为负数")
	}
	if d.Runtime.RestartDelay < 0 {
		return invalid("runtime.restart_delay 不能为负数")
	}
	return nil
}

func (b *Build) validate() error {
	switch b.Language {
	case LanguageGo:
		if strings.ContainsAny(b.Go.Output, `/\`) {
			return invalid("build.go.output 不能包含路径分隔符")
		}
		if !safeRelative(strings.TrimPrefix(b.Go.Main, "./")) && b.Go.Main != "." {
			return invalid("build.go.main 必须是相对路径: %q", b.Go.Main)
		}
	case LanguagePython:
		if !safeRelative(b.Python.Entrypoint) || !safeRelative(b.Python.Requirements) {
			return invalid("build.python 路径必须是相对路径")
		}
	case LanguageNodeJS:
		if !safeRelative(b.NodeJS.Entrypoint) || !safeRelative(b.NodeJS.Manifest) {
			return invalid("build.nodejs 路径必须是相对路径")
		}
	default:
		return invalid("不支持的构建语言: %q", b.Language)
	}
	return nil
}

func validateRepo(repo string) error {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return invalid("source.github.repo 不能为空")
	}
	if strings.Contains(repo, "://") || strings.HasPrefix(repo, "git@") {
		return nil
	}
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return invalid("source.github.repo 需为 owner/name 或完整 URL: %q", repo)
	}
	return nil
}

func validateURLTemplate(tmpl string) error {
	if tmpl == "" {
		return invalid("source.binary.url_template 不能为空")
	}
	u, err := url.Parse(ExpandURL(tmpl, "linux", "amd64"))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidDescriptor, err, "source.binary.url_template 无法解析")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("source.binary.url_template 仅支持 http/https")
	}
	return nil
}

// safeRelative 拒绝绝对路径与越界路径，空字符串视为根目录。
func safeRelative(p string) bool {
	if p == "" {
		return true
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return false
	}
	clean := path.Clean(p)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}

// ExpandURL 替换 ${os} 与 ${arch} 占位符。
func ExpandURL(tmpl, goos, goarch string) string {
	return strings.NewReplacer("${os}", goos, "${arch}", goarch).Replace(tmpl)
}

// CloneURL 返回 git 可直接使用的仓库地址。
func (g GitHubSource) CloneURL() string {
	if strings.Contains(g.Repo, "://") || strings.HasPrefix(g.Repo, "git@") {
		return g.Repo
	}
	return "https://github.com/" + strings.TrimSuffix(g.Repo, ".git") + ".git"
}

func invalid(format string, args ...any) error {
	return xerrors.New(xerrors.CodeInvalidDescriptor, fmt.Sprintf(format, args...))
}
