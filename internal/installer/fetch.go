package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"plugin-runtime/internal/descriptor"
	xerrors "plugin-runtime/internal/errors"
)

// fetchSource 浅克隆仓库到临时目录，再把子目录复制进安装目录。临时目录总会被删除。
func (i *Installer) fetchSource(ctx context.Context, id string, gh *descriptor.GitHubSource, target string) error {
	if _, err := i.runner.LookPath("git"); err != nil {
		return toolchainMissing("git", err)
	}
	scratch, err := os.MkdirTemp(i.cfg.ScratchDir, "clone-"+id+"-")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInstallFailed, err, "创建临时目录失败")
	}
	defer os.RemoveAll(scratch)

	out, err := i.runner.Run(ctx, "", []string{"GIT_TERMINAL_PROMPT=0"},
		"git", "clone", "--depth", "1", "--branch", gh.Ref, gh.CloneURL(), scratch)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return toolchainMissing("git", err)
		}
		return xerrors.Wrap(xerrors.CodeFetchFailed, err, "git clone 失败",
			xerrors.WithMetadata("repo", gh.Repo), xerrors.WithMetadata("ref", gh.Ref),
			xerrors.WithMetadata("output", tail(out)))
	}

	src := filepath.Join(scratch, filepath.FromSlash(gh.Path))
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return xerrors.New(xerrors.CodeFetchFailed, "仓库中不存在指定目录", xerrors.WithMetadata("path", gh.Path))
	}
	if err := copyTree(src, target); err != nil {
		return xerrors.Wrap(xerrors.CodeInstallFailed, err, "复制插件源码失败")
	}
	return nil
}

// fetchBinary 下载预编译产物并按扩展名解包，非归档文件直接作为可执行文件安装。
func (i *Installer) fetchBinary(ctx context.Context, bin *descriptor.BinarySource, target string) error {
	rawURL := descriptor.ExpandURL(bin.URLTemplate, i.goos, i.goarch)
	log := i.logger.With(slog.String("url", rawURL))

	tmp, err := os.CreateTemp(i.cfg.ScratchDir, "download-*")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInstallFailed, err, "创建下载临时文件失败")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	sum, err := i.download(ctx, rawURL, tmp)
	if err != nil {
		return err
	}
	if bin.SHA256 != "" && !strings.EqualFold(sum, bin.SHA256) {
		return xerrors.New(xerrors.CodeFetchFailed, "校验和不匹配",
			xerrors.WithMetadata("expected", bin.SHA256), xerrors.WithMetadata("actual", sum))
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return xerrors.Wrap(xerrors.CodeInstallFailed, err, "读取下载文件失败")
	}

	switch archiveKind(rawURL, tmp) {
	case kindZip:
		info, err := tmp.Stat()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInstallFailed, err, "读取下载文件失败")
		}
		err = extractZip(tmp, info.Size(), target)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInstallFailed, err, "解压 zip 失败")
		}
	case kindTarGz:
		if err := extractTarGz(tmp, target); err != nil {
			return xerrors.Wrap(xerrors.CodeInstallFailed, err, "解压 tar.gz 失败")
		}
	default:
		dst := filepath.Join(target, bin.Executable)
		if err := writeFile(dst, tmp, 0o755); err != nil {
			return xerrors.Wrap(xerrors.CodeInstallFailed, err, "写入可执行文件失败")
		}
	}

	// 归档内的主程序可能丢失执行位。
	if exe := filepath.Join(target, bin.Executable); fileExists(exe) {
		if err := os.Chmod(exe, 0o755); err != nil {
			return xerrors.Wrap(xerrors.CodeInstallFailed, err, "设置执行权限失败")
		}
	}
	log.Debug("二进制插件已解包", slog.String("sha256", sum))
	return nil
}

func (i *Installer) download(ctx context.Context, rawURL string, dst io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidDescriptor, err, "下载地址非法")
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeFetchFailed, err, "下载插件失败", xerrors.WithMetadata("url", rawURL))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", xerrors.New(xerrors.CodeFetchFailed, fmt.Sprintf("下载返回状态码 %d", resp.StatusCode), xerrors.WithMetadata("url", rawURL))
	}

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, hash), io.LimitReader(resp.Body, i.cfg.MaxDownloadBytes+1))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeFetchFailed, err, "下载中断", xerrors.WithMetadata("url", rawURL))
	}
	if n > i.cfg.MaxDownloadBytes {
		return "", xerrors.New(xerrors.CodeFetchFailed, "下载文件超过大小限制", xerrors.WithMetadata("url", rawURL))
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

type archive int

const (
	kindPlain archive = iota
	kindZip
	kindTarGz
)

func archiveKind(rawURL string, f io.ReadSeeker) archive {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	p = strings.ToLower(p)
	switch {
	case strings.HasSuffix(p, ".zip"):
		return kindZip
	case strings.HasSuffix(p, ".tar.gz"), strings.HasSuffix(p, ".tgz"):
		return kindTarGz
	}
	var magic [4]byte
	n, _ := io.ReadFull(f, magic[:])
	_, _ = f.Seek(0, io.SeekStart)
	switch {
	case n >= 2 && magic[0] == 0x1f && magic[1] == 0x8b:
		return kindTarGz
	case n == 4 && string(magic[:]) == "PK\x03\x04":
		return kindZip
	}
	return kindPlain
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		out := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(out, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, out)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			in, err := os.Open(p)
			if err != nil {
				return err
			}
			defer in.Close()
			return writeFile(out, in, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// tail 截取命令输出的末尾，避免错误信息过长。
func tail(out []byte) string {
	const limit = 2048
	s := strings.TrimSpace(string(out))
	if len(s) > limit {
		s = "..." + s[len(s)-limit:]
	}
	return s
}
