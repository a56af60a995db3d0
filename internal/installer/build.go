package installer

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"plugin-runtime/internal/descriptor"
	xerrors "plugin-runtime/internal/errors"
)

// build 按语言执行构建步骤，缺少工具链时返回 TOOLCHAIN_MISSING。
func (i *Installer) build(ctx context.Context, d *descriptor.Descriptor, dir string) error {
	log := i.logger.With(slog.String("plugin_id", d.ID), slog.String("language", string(d.Build.Language)))
	switch d.Build.Language {
	case descriptor.LanguageGo:
		goBin, err := i.runner.LookPath("go")
		if err != nil {
			return toolchainMissing("go", err)
		}
		pkg := goPackage(d.Build.Go.Main)
		log.Info("执行 go build", slog.String("main", pkg))
		return i.run(ctx, dir, []string{"CGO_ENABLED=0"}, "go", goBin,
			"build", "-o", descriptor.Executable(d.Build.Go.Output, i.goos), pkg)

	case descriptor.LanguagePython:
		python, err := i.lookFirst("python3", "python")
		if err != nil {
			return toolchainMissing("python3", err)
		}
		log.Info("创建 Python 虚拟环境")
		if err := i.run(ctx, dir, nil, "python", python, "-m", "venv", descriptor.VenvDir); err != nil {
			return err
		}
		if !fileExists(filepath.Join(dir, filepath.FromSlash(d.Build.Python.Requirements))) {
			return nil
		}
		log.Info("安装 Python 依赖", slog.String("requirements", d.Build.Python.Requirements))
		pip := descriptor.VenvExecutable(dir, i.goos, "pip")
		return i.run(ctx, dir, nil, "pip", pip, "install", "--disable-pip-version-check", "-r", d.Build.Python.Requirements)

	case descriptor.LanguageNodeJS:
		if !fileExists(filepath.Join(dir, filepath.FromSlash(d.Build.NodeJS.Manifest))) {
			return nil
		}
		npm, err := i.runner.LookPath("npm")
		if err != nil {
			return toolchainMissing("npm", err)
		}
		log.Info("执行 npm install")
		return i.run(ctx, dir, nil, "npm", npm, "install", "--omit=dev", "--no-audit", "--no-fund")
	}
	return xerrors.New(xerrors.CodeInvalidDescriptor, "不支持的构建语言", xerrors.WithMetadata("language", string(d.Build.Language)))
}

// goPackage 把相对目录写成 go build 认可的本地包路径，否则会被当作导入路径解析。
func goPackage(main string) string {
	main = filepath.ToSlash(main)
	if main == "." || main == ".." || strings.HasPrefix(main, "./") || strings.HasPrefix(main, "../") {
		return main
	}
	return "./" + main
}

func (i *Installer) run(ctx context.Context, dir string, env []string, tool, bin string, args ...string) error {
	out, err := i.runner.Run(ctx, dir, env, bin, args...)
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return toolchainMissing(tool, err)
	}
	return xerrors.Wrap(xerrors.CodeBuildFailed, err, tool+" 执行失败", xerrors.WithMetadata("output", tail(out)))
}

func (i *Installer) lookFirst(names ...string) (string, error) {
	var lastErr error
	for _, name := range names {
		p, err := i.runner.LookPath(name)
		if err == nil {
			return p, nil
		}
		lastErr = err
	}
	return "", lastErr
}
