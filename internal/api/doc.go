// Package api 把插件管理器、进程监管与安装器暴露为 REST 接口，并挂载 Prometheus /metrics。
package api
