package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"plugin-runtime/internal/config"
	"plugin-runtime/pkg/logger"
)

type rootOptions struct {
	configPath string
}

// NewRootCommand 构造 plugind 的命令树。
func NewRootCommand(version, commit, date string) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "plugind",
		Short: "插件运行时守护进程",
		Long: `plugind 负责安装插件、监管插件进程，并通过本地 socket 与插件通信。
HTTP API 暴露插件管理、渲染与工具调用接口。`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "配置文件路径，默认读取 "+config.EnvConfigPath)

	cmd.AddCommand(
		newServeCommand(opts, version),
		newInstallCommand(opts),
		newUninstallCommand(opts),
		newListCommand(opts),
		newVersionCommand(version, commit, date),
	)
	return cmd
}

func newVersionCommand(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "打印版本信息",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "plugind %s\ncommit: %s\nbuilt:  %s\n", version, commit, date)
		},
	}
}

// loadConfig 读取配置并初始化全局日志。返回的函数在退出前刷新日志。
func (o *rootOptions) loadConfig() (*config.Config, func(), error) {
	cfg, err := config.Load(config.ResolvePath(o.configPath))
	if err != nil {
		return nil, nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, func() { _ = logger.Sync() }, nil
}
