package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugin-runtime/pkg/plugin"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugind.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  address: \":9000\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	base := filepath.Dir(path)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, filepath.Join(base, "data"), cfg.DataDir)
	assert.Equal(t, "unix", cfg.Wire.Network)
	assert.Equal(t, filepath.Join(base, "data", "plugind.sock"), cfg.Wire.Address)
	assert.Equal(t, 30*time.Second, cfg.Wire.RegisterTimeout)
	assert.Equal(t, 10*time.Second, cfg.Wire.RequestTimeout)
	assert.Equal(t, filepath.Join(base, "data", "plugins"), cfg.Installer.PluginsDir)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.MonitorInterval)
	assert.Equal(t, 1000, cfg.Supervisor.LogLines)
	assert.Equal(t, 3*time.Second, cfg.Supervisor.RestartDelay)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.False(t, cfg.ToolSync.Enabled())
}

func TestLoadParsesSections(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/plugind
wire:
  network: tcp
  address: 127.0.0.1:7777
  dev_token: local
  request_timeout: 3s
supervisor:
  monitor_interval: 1s
  log_dir: logs
storage:
  driver: mysql
  mysql:
    dsn: "plugind:pw@tcp(db:3306)/plugind"
queue:
  driver: redis
  redis:
    address: redis:6379
toolsync:
  catalog_url: http://catalog.local/api
policy:
  denied: [sidebar_iframe]
plugin_policies:
  crm:
    allowed: [visitor_panel]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp", cfg.Wire.Network)
	assert.Equal(t, "127.0.0.1:7777", cfg.Wire.Address)
	assert.Equal(t, "local", cfg.Wire.DevToken)
	assert.Equal(t, 3*time.Second, cfg.Wire.RequestTimeout)
	assert.Equal(t, time.Second, cfg.Supervisor.MonitorInterval)
	assert.Equal(t, "/var/lib/plugind/logs", cfg.Supervisor.LogDir)
	assert.Equal(t, "mysql", cfg.Storage.Driver)
	assert.Equal(t, "redis:6379", cfg.Queue.Redis.Address)
	assert.True(t, cfg.ToolSync.Enabled())
	assert.Equal(t, []plugin.Kind{plugin.KindSidebarIframe}, cfg.Policy.Denied)

	mc := cfg.ManagerConfig("1.2.3")
	assert.Equal(t, "1.2.3", mc.HostVersion)
	assert.Equal(t, 3*time.Second, mc.RequestTimeout)
	crm := mc.PolicyFor("crm")
	assert.Equal(t, []plugin.Kind{plugin.KindVisitorPanel}, crm.Allowed)
	assert.Equal(t, []plugin.Kind{plugin.KindSidebarIframe}, crm.Denied)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvWireNetwork, "tcp")
	t.Setenv(EnvWireAddress, "0.0.0.0:9100")
	t.Setenv(EnvDevToken, "from-env")
	t.Setenv(EnvStorageDSN, "u:p@tcp(localhost:3306)/rt")
	t.Setenv(EnvCatalogURL, "https://tools.example.com")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "tcp", cfg.Wire.Network)
	assert.Equal(t, "0.0.0.0:9100", cfg.Wire.Address)
	assert.Equal(t, "from-env", cfg.Wire.DevToken)
	assert.Equal(t, "mysql", cfg.Storage.Driver)
	assert.Equal(t, "u:p@tcp(localhost:3306)/rt", cfg.Storage.MySQL.DSN)
	assert.Equal(t, "https://tools.example.com", cfg.ToolSync.CatalogURL)
}

func TestValidateRejectsInconsistentConfig(t *testing.T) {
	cases := map[string]string{
		"bad network":      "wire:\n  network: udp\n  address: x\n",
		"missing dsn":      "storage:\n  driver: mysql\n",
		"unknown queue":    "queue:\n  driver: kafka\n",
		"missing rabbit":   "queue:\n  driver: rabbitmq\n",
		"unknown policy":   "policy:\n  allowed: [teleport]\n",
		"tcp without addr": "wire:\n  network: tcp\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/plugind.yaml")
	assert.Equal(t, "flag.yaml", ResolvePath("flag.yaml"))
	assert.Equal(t, "/etc/plugind.yaml", ResolvePath(""))
}
