package descriptor

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "plugin-runtime/internal/errors"
)

func TestParseYAMLAppliesDefaults(t *testing.T) {
	d, err := Parse([]byte(`
id: crm-panel
name: CRM Panel
version: 1.2.0
source:
  github:
    repo: acme/plugins
    path: /crm/
build:
  language: go
runtime:
  env:
    CRM_URL: https://crm.internal
  restart_delay: 2s
  max_restarts: 5
`))
	require.NoError(t, err)

	assert.Equal(t, InstallSource, d.InstallType())
	assert.Equal(t, "main", d.Source.GitHub.Ref)
	assert.Equal(t, "crm", d.Source.GitHub.Path)
	assert.Equal(t, "https://github.com/acme/plugins.git", d.Source.GitHub.CloneURL())
	require.NotNil(t, d.Build.Go)
	assert.Equal(t, ".", d.Build.Go.Main)
	assert.Equal(t, "crm-panel", d.Build.Go.Output)
	assert.Equal(t, 2*time.Second, d.Runtime.RestartDelay.Std())
	assert.Equal(t, 5, d.Runtime.MaxRestarts)
	assert.True(t, d.Runtime.AutoRestartEnabled())
}

func TestSamplePluginDescriptorBuildsFromModuleRoot(t *testing.T) {
	data, err := os.ReadFile("../../examples/plugins/visitor-card/plugin.yaml")
	require.NoError(t, err)
	d, err := Parse(data)
	require.NoError(t, err)

	assert.Empty(t, d.Source.GitHub.Path, "the sample imports the SDK, so the whole module must be cloned")
	assert.Equal(t, "./examples/plugins/visitor-card", d.Build.Go.Main)
	assert.Equal(t, InstallSource, d.InstallType())
}

func TestParseJSONBinarySource(t *testing.T) {
	d, err := Parse([]byte(`{"id": "weather", ` +
		`"source": {"binary": {"url_template": "https://dl.test/weather-${os}-${arch}.tar.gz"}}, ` +
		`"runtime": {"auto_restart": false, "restart_delay": 1.5}}`))
	require.NoError(t, err)

	assert.Equal(t, InstallBinary, d.InstallType())
	assert.Equal(t, "weather", d.Name)
	assert.Equal(t, "weather", d.Source.Binary.Executable)
	assert.False(t, d.Runtime.AutoRestartEnabled())
	assert.Equal(t, 1500*time.Millisecond, d.Runtime.RestartDelay.Std())
	assert.Equal(t, "https://dl.test/weather-darwin-arm64.tar.gz", ExpandURL(d.Source.Binary.URLTemplate, "darwin", "arm64"))
}

func TestParseRejectsInvalidDescriptors(t *testing.T) {
	cases := map[string]string{
		"missing source":   `id: x`,
		"both sources":     `{"id": "x", "source": {"github": {"repo": "a/b"}, "binary": {"url_template": "https://x.test/b"}}}`,
		"bad id":           `{"id": "../etc", "source": {"github": {"repo": "a/b"}}}`,
		"path escape":      `{"id": "x", "source": {"github": {"repo": "a/b", "path": "../../etc"}}}`,
		"bad repo":         `{"id": "x", "source": {"github": {"repo": "justname"}}}`,
		"ftp binary":       `{"id": "x", "source": {"binary": {"url_template": "ftp://x.test/b"}}}`,
		"unknown language": `{"id": "x", "source": {"github": {"repo": "a/b"}}, "build": {"language": "rust"}}`,
		"negative restart": `{"id": "x", "source": {"github": {"repo": "a/b"}}, "runtime": {"max_restarts": -1}}`,
		"not yaml":         `{{{`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidDescriptor), "got %v", err)
		})
	}
}

func TestDescriptorJSONKeepsDurations(t *testing.T) {
	d, err := Parse([]byte(`{"id": "x", "source": {"github": {"repo": "a/b"}}, "runtime": {"restart_delay": "750ms"}}`))
	require.NoError(t, err)

	raw, err := json.Marshal(d)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"restart_delay":"750ms"`)

	var back Descriptor
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, d.Runtime.RestartDelay, back.Runtime.RestartDelay)
}

func TestLaunchResolvesCommand(t *testing.T) {
	dir := "/opt/plugins/p"
	cases := []struct {
		name     string
		doc      string
		wantCmd  string
		wantArgs []string
	}{
		{
			name:    "go build output",
			doc:     `{"id": "p", "source": {"github": {"repo": "a/b"}}, "build": {"language": "go", "go": {"output": "bin-p"}}}`,
			wantCmd: "/opt/plugins/p/bin-p",
		},
		{
			name:     "python venv interpreter",
			doc:      `{"id": "p", "source": {"github": {"repo": "a/b"}}, "build": {"language": "python"}, "runtime": {"args": ["--verbose"]}}`,
			wantCmd:  "/opt/plugins/p/.venv/bin/python",
			wantArgs: []string{"/opt/plugins/p/main.py", "--verbose"},
		},
		{
			name:     "node entrypoint",
			doc:      `{"id": "p", "source": {"github": {"repo": "a/b"}}, "build": {"language": "nodejs", "nodejs": {"entrypoint": "dist/main.js"}}}`,
			wantCmd:  "node",
			wantArgs: []string{"/opt/plugins/p/dist/main.js"},
		},
		{
			name:    "binary executable",
			doc:     `{"id": "p", "source": {"binary": {"url_template": "https://x.test/p"}}}`,
			wantCmd: "/opt/plugins/p/p",
		},
		{
			name:     "explicit relative command",
			doc:      `{"id": "p", "source": {"github": {"repo": "a/b"}}, "runtime": {"command": "./run.sh", "args": ["serve"]}}`,
			wantCmd:  "/opt/plugins/p/run.sh",
			wantArgs: []string{"serve"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := Parse([]byte(tc.doc))
			require.NoError(t, err)
			cmd, args, err := d.Launch(dir, "linux")
			require.NoError(t, err)
			require.Equal(t, tc.wantCmd, cmd)
			if tc.wantArgs == nil {
				require.Empty(t, args)
			} else {
				require.Equal(t, tc.wantArgs, args)
			}
		})
	}

	d, err := Parse([]byte(`{"id": "p", "source": {"github": {"repo": "a/b"}}}`))
	require.NoError(t, err)
	_, _, err = d.Launch(dir, "linux")
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidDescriptor))
}
