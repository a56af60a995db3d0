package descriptor

import (
	"path/filepath"
	"strings"

	xerrors "plugin-runtime/internal/errors"
)

// VenvDir 是 Python 插件虚拟环境所在的子目录。
const VenvDir = ".venv"

// VenvExecutable 返回虚拟环境中指定程序的路径。
func VenvExecutable(dir, goos, name string) string {
	if goos == "windows" {
		return filepath.Join(dir, VenvDir, "Scripts", name+".exe")
	}
	return filepath.Join(dir, VenvDir, "bin", name)
}

// Launch 根据运行配置与构建方式解析启动命令。显式的 runtime.command 优先；
// 以 ./ 开头的命令相对安装目录解析。
func (d *Descriptor) Launch(dir, goos string) (string, []string, error) {
	args := append([]string(nil), d.Runtime.Args...)
	if cmd := strings.TrimSpace(d.Runtime.Command); cmd != "" {
		if strings.HasPrefix(cmd, "./") || strings.HasPrefix(cmd, "../") {
			cmd = filepath.Join(dir, filepath.FromSlash(cmd))
		}
		return cmd, args, nil
	}

	if d.Build != nil {
		switch d.Build.Language {
		case LanguageGo:
			return Executable(filepath.Join(dir, d.Build.Go.Output), goos), args, nil
		case LanguagePython:
			entry := filepath.Join(dir, filepath.FromSlash(d.Build.Python.Entrypoint))
			return VenvExecutable(dir, goos, "python"), append([]string{entry}, args...), nil
		case LanguageNodeJS:
			entry := filepath.Join(dir, filepath.FromSlash(d.Build.NodeJS.Entrypoint))
			return "node", append([]string{entry}, args...), nil
		}
	}

	if d.Source.Binary != nil {
		return Executable(filepath.Join(dir, d.Source.Binary.Executable), goos), args, nil
	}
	return "", nil, xerrors.New(xerrors.CodeInvalidDescriptor, "无法推导启动命令，请设置 runtime.command",
		xerrors.WithMetadata("plugin_id", d.ID))
}

// Executable 在 Windows 上为无扩展名的可执行文件补全 .exe。
func Executable(path, goos string) string {
	if goos == "windows" && filepath.Ext(path) == "" {
		return path + ".exe"
	}
	return path
}
