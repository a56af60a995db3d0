// Package config 加载 plugind 的 YAML 配置，补齐默认值并应用 PLUGIND_* 环境变量覆盖。
package config
