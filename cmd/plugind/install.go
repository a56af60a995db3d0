package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"plugin-runtime/internal/descriptor"
	xerrors "plugin-runtime/internal/errors"
	"plugin-runtime/internal/installer"
)

func newInstallCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install <descriptor-file|url>",
		Short: "按描述文件离线安装插件",
		Long:  "读取本地或远程的插件描述，拉取并构建插件。守护进程下次启动时会补记读模型。",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, flush, err := opts.loadConfig()
			if err != nil {
				return err
			}
			defer flush()

			inst, err := installer.New(cfg.Installer)
			if err != nil {
				return err
			}
			d, err := loadDescriptor(cmd.Context(), inst, args[0])
			if err != nil {
				return err
			}
			m, err := inst.Install(cmd.Context(), d)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "已安装 %s %s (%s) -> %s\n", m.ID, m.Version, m.InstallType, m.Path)
			return nil
		},
	}
}

func newUninstallCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <plugin-id>",
		Short: "删除已安装的插件目录",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, flush, err := opts.loadConfig()
			if err != nil {
				return err
			}
			defer flush()

			inst, err := installer.New(cfg.Installer)
			if err != nil {
				return err
			}
			removed, err := inst.Uninstall(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return xerrors.New(xerrors.CodeNotFound, "插件未安装", xerrors.WithMetadata("plugin_id", args[0]))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "已卸载 %s\n", args[0])
			return nil
		},
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "列出已安装的插件",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, flush, err := opts.loadConfig()
			if err != nil {
				return err
			}
			defer flush()

			inst, err := installer.New(cfg.Installer)
			if err != nil {
				return err
			}
			manifests, err := inst.List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tVERSION\tTYPE\tINSTALLED")
			for _, m := range manifests {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Name, m.Version, m.InstallType, m.InstalledAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
}

// loadDescriptor 支持 http(s) 地址与本地文件。
func loadDescriptor(ctx context.Context, inst *installer.Installer, source string) (*descriptor.Descriptor, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return inst.FetchDescriptor(ctx, source)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidDescriptor, err, "读取描述文件失败")
	}
	return descriptor.Parse(data)
}
