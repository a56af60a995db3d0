package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugin-runtime/internal/descriptor"
	xerrors "plugin-runtime/internal/errors"
	"plugin-runtime/internal/installer"
	"plugin-runtime/internal/observability/metrics"
	"plugin-runtime/internal/readmodel"
	"plugin-runtime/internal/supervisor"
	"plugin-runtime/pkg/plugin"
	"plugin-runtime/pkg/protocol"
)

type fakePlugins struct {
	conns        map[string]*plugin.Connection
	renderErr    error
	unregistered []string
	toolArgs     json.RawMessage
}

func (f *fakePlugins) ListPlugins() []*plugin.Connection {
	out := make([]*plugin.Connection, 0, len(f.conns))
	for _, c := range f.conns {
		out = append(out, c)
	}
	return out
}

func (f *fakePlugins) GetPlugin(id string) (*plugin.Connection, bool) {
	c, ok := f.conns[id]
	return c, ok
}

func (f *fakePlugins) UnregisterID(id string) bool {
	f.unregistered = append(f.unregistered, id)
	_, ok := f.conns[id]
	delete(f.conns, id)
	return ok
}

func (f *fakePlugins) Render(_ context.Context, id string, req protocol.RenderRequest) (*protocol.RenderResult, error) {
	if f.renderErr != nil {
		return nil, f.renderErr
	}
	return &protocol.RenderResult{Template: id + ":" + req.VisitorID}, nil
}

func (f *fakePlugins) RenderVisitorPanels(_ context.Context, req protocol.RenderRequest) []plugin.Panel {
	return []plugin.Panel{{PluginID: "card", Template: "panel:" + req.VisitorID}}
}

func (f *fakePlugins) SendEvent(_ context.Context, id string, req protocol.EventRequest) (*protocol.EventResult, error) {
	if _, ok := f.conns[id]; !ok {
		return nil, fmt.Errorf("%w: %s", plugin.ErrUnavailable, id)
	}
	return &protocol.EventResult{Action: "ack:" + req.EventType}, nil
}

func (f *fakePlugins) CallTool(_ context.Context, id, tool string, args json.RawMessage) (json.RawMessage, error) {
	f.toolArgs = args
	if tool == "slow" {
		return nil, fmt.Errorf("%w: %s", plugin.ErrTimeout, id)
	}
	return json.RawMessage(`{"tool":"` + tool + `"}`), nil
}

func (f *fakePlugins) GetChatToolbarButtons() []plugin.ToolbarButton {
	return []plugin.ToolbarButton{{PluginID: "card", Title: "Card"}}
}

type fakeProcesses struct {
	procs   map[string]supervisor.ProcessStatus
	started []supervisor.Spec
	stopped []string
}

func (f *fakeProcesses) Start(spec supervisor.Spec) error {
	f.started = append(f.started, spec)
	f.procs[spec.ID] = supervisor.ProcessStatus{ID: spec.ID, Status: supervisor.StatusRunning, PID: 100, Command: spec.Command}
	return nil
}

func (f *fakeProcesses) Stop(id string) error {
	st, ok := f.procs[id]
	if !ok {
		return xerrors.New(xerrors.CodeProcessNotFound, "进程不存在")
	}
	f.stopped = append(f.stopped, id)
	st.Status, st.PID = supervisor.StatusStopped, 0
	f.procs[id] = st
	return nil
}

func (f *fakeProcesses) Restart(id string) error {
	if _, ok := f.procs[id]; !ok {
		return xerrors.New(xerrors.CodeProcessNotFound, "进程不存在")
	}
	return nil
}

func (f *fakeProcesses) Forget(id string) error {
	delete(f.procs, id)
	return nil
}

func (f *fakeProcesses) Status(id string) (supervisor.ProcessStatus, error) {
	st, ok := f.procs[id]
	if !ok {
		return supervisor.ProcessStatus{}, xerrors.New(xerrors.CodeProcessNotFound, "进程不存在")
	}
	return st, nil
}

func (f *fakeProcesses) List() []supervisor.ProcessStatus {
	out := make([]supervisor.ProcessStatus, 0, len(f.procs))
	for _, st := range f.procs {
		out = append(out, st)
	}
	return out
}

func (f *fakeProcesses) Logs(id string, n int) ([]string, error) {
	if _, ok := f.procs[id]; !ok {
		return nil, xerrors.New(xerrors.CodeProcessNotFound, "进程不存在")
	}
	lines := []string{"one", "two", "three"}
	if n > 0 && n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

type fakeInstalls struct {
	manifests map[string]installer.Manifest
}

func (f *fakeInstalls) Install(_ context.Context, d *descriptor.Descriptor) (*installer.Manifest, error) {
	m := installer.Manifest{ID: d.ID, Name: d.Name, Version: d.Version, InstallType: d.InstallType(), Path: "/plugins/" + d.ID, Descriptor: *d}
	f.manifests[d.ID] = m
	return &m, nil
}

func (f *fakeInstalls) Uninstall(id string) (bool, error) {
	_, ok := f.manifests[id]
	delete(f.manifests, id)
	return ok, nil
}

func (f *fakeInstalls) Manifest(id string) (*installer.Manifest, error) {
	m, ok := f.manifests[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "插件未安装")
	}
	return &m, nil
}

func (f *fakeInstalls) List() ([]installer.Manifest, error) {
	out := make([]installer.Manifest, 0, len(f.manifests))
	for _, m := range f.manifests {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeInstalls) FetchDescriptor(_ context.Context, url string) (*descriptor.Descriptor, error) {
	if strings.Contains(url, "missing") {
		return nil, xerrors.New(xerrors.CodeFetchFailed, "下载插件描述返回 404")
	}
	return descriptor.Parse([]byte(cardDescriptor))
}

const cardDescriptor = `{
  "id": "card",
  "name": "Visitor Card",
  "version": "1.0.0",
  "source": {"binary": {"url_template": "https://example.com/card-${os}-${arch}"}},
  "runtime": {"command": "./card", "args": ["--serve"]}
}`

type fixture struct {
	srv       *Server
	plugins   *fakePlugins
	procs     *fakeProcesses
	installs  *fakeInstalls
	records   *readmodel.MemoryStore
	collector *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		plugins:   &fakePlugins{conns: map[string]*plugin.Connection{}},
		procs:     &fakeProcesses{procs: map[string]supervisor.ProcessStatus{}},
		installs:  &fakeInstalls{manifests: map[string]installer.Manifest{}},
		records:   readmodel.NewMemoryStore(),
		collector: metrics.NewCollector("test"),
	}
	f.srv = NewServer(Config{Address: ":0"}, Deps{
		Plugins:        f.plugins,
		Processes:      f.procs,
		Installations:  f.installs,
		Records:        f.records,
		Metrics:        f.collector,
		MetricsHandler: f.collector.Handler(),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorBody](t, rec).Error.Code
}

func TestListPluginsMergesSources(t *testing.T) {
	f := newFixture(t)
	f.installs.manifests["card"] = installer.Manifest{ID: "card", Name: "Card", Version: "1.0.0", InstallType: descriptor.InstallBinary}
	f.procs.procs["card"] = supervisor.ProcessStatus{ID: "card", Status: supervisor.StatusRunning, PID: 7}
	f.plugins.conns["dev"] = &plugin.Connection{ID: "dev", Name: "Dev", Version: "0.1", ConnectedAt: time.Unix(1700000000, 0)}

	rec := f.do(t, http.MethodGet, "/api/v1/plugins", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Plugins []PluginView `json:"plugins"`
	}](t, rec)
	require.Len(t, body.Plugins, 2)

	card := body.Plugins[0]
	assert.Equal(t, "card", card.ID)
	assert.True(t, card.Installed)
	assert.False(t, card.Connected)
	require.NotNil(t, card.Process)
	assert.Equal(t, 7, card.Process.PID)

	dev := body.Plugins[1]
	assert.Equal(t, "dev", dev.ID)
	assert.False(t, dev.Installed)
	assert.True(t, dev.Connected)

	rec = f.do(t, http.MethodGet, "/api/v1/plugins/dev", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Dev", decode[PluginView](t, rec).Name)

	rec = f.do(t, http.MethodGet, "/api/v1/plugins/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
}

func TestRenderMapsUnavailableAndTimeout(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/plugins/card/render", `{"visitor_id":"v1","session_id":"s1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "card:v1", decode[protocol.RenderResult](t, rec).Template)

	f.plugins.renderErr = fmt.Errorf("%w: card", plugin.ErrUnavailable)
	rec = f.do(t, http.MethodPost, "/api/v1/plugins/card/render", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "PLUGIN_UNAVAILABLE", errorCode(t, rec))

	f.plugins.renderErr = fmt.Errorf("%w: card render", plugin.ErrTimeout)
	rec = f.do(t, http.MethodPost, "/api/v1/plugins/card/render", `{}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/plugins/card/render", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventToolsPanelsAndToolbar(t *testing.T) {
	f := newFixture(t)
	f.plugins.conns["card"] = &plugin.Connection{ID: "card"}

	rec := f.do(t, http.MethodPost, "/api/v1/plugins/card/event", `{"event_type":"click","action_id":"a1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ack:click", decode[protocol.EventResult](t, rec).Action)

	rec = f.do(t, http.MethodPost, "/api/v1/plugins/card/event", `{"action_id":"a1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/plugins/gone/event", `{"event_type":"click"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/plugins/card/tools/lookup", `{"q":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":{"tool":"lookup"}}`, rec.Body.String())
	assert.JSONEq(t, `{"q":"x"}`, string(f.plugins.toolArgs))

	rec = f.do(t, http.MethodPost, "/api/v1/plugins/card/tools/slow", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Nil(t, f.plugins.toolArgs)

	rec = f.do(t, http.MethodPost, "/api/v1/plugins/card/tools/lookup", `{oops`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/panels/render", `{"visitor_id":"v9"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	panels := decode[struct {
		Panels []plugin.Panel `json:"panels"`
	}](t, rec)
	require.Len(t, panels.Panels, 1)
	assert.Equal(t, "panel:v9", panels.Panels[0].Template)

	rec = f.do(t, http.MethodGet, "/api/v1/toolbar/buttons", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"title":"Card"`)
}

func TestInstallStartStopUninstall(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/plugins", `{"descriptor":`+cardDescriptor+`,"start":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	manifest := decode[installer.Manifest](t, rec)
	assert.Equal(t, "card", manifest.ID)
	assert.Equal(t, descriptor.InstallBinary, manifest.InstallType)

	require.Len(t, f.procs.started, 1)
	spec := f.procs.started[0]
	assert.Equal(t, "/plugins/card/card", spec.Command)
	assert.Equal(t, []string{"--serve"}, spec.Args)
	assert.True(t, spec.AutoRestart)

	rec = f.do(t, http.MethodPost, "/api/v1/plugins/card/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, supervisor.StatusStopped, decode[supervisor.ProcessStatus](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/v1/plugins/card/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, supervisor.StatusRunning, decode[supervisor.ProcessStatus](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/v1/plugins/card/restart", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/plugins/card", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, f.plugins.unregistered, "card")
	assert.Empty(t, f.installs.manifests)
	_, err := f.procs.Status("card")
	assert.Error(t, err)

	rec = f.do(t, http.MethodDelete, "/api/v1/plugins/card", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/plugins/card/start", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInstallValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/plugins", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/plugins", `{"descriptor":{"id":"bad id!"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_DESCRIPTOR", errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/api/v1/plugins", `{"url":"https://example.com/card.yaml"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, f.procs.started)
}

func TestFetchInfo(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/plugins/fetch-info", `{"url":"https://example.com/card.yaml"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Visitor Card", decode[descriptor.Descriptor](t, rec).Name)

	rec = f.do(t, http.MethodPost, "/api/v1/plugins/fetch-info", `{"url":"https://example.com/missing.yaml"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "FETCH_FAILED", errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/api/v1/plugins/fetch-info", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogsAndStatus(t *testing.T) {
	f := newFixture(t)
	f.procs.procs["card"] = supervisor.ProcessStatus{ID: "card", Status: supervisor.StatusError, LastError: "exit status 1"}
	require.NoError(t, f.records.Upsert(context.Background(), readmodel.Record{PluginID: "card", Status: "error"}))

	rec := f.do(t, http.MethodGet, "/api/v1/plugins/card/logs?lines=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"plugin_id":"card","lines":["two","three"]}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/plugins/card/logs?lines=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/plugins/ghost/logs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "PROCESS_NOT_FOUND", errorCode(t, rec))

	rec = f.do(t, http.MethodGet, "/api/v1/plugins/card/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[StatusView](t, rec)
	require.NotNil(t, st.Process)
	assert.Equal(t, "exit status 1", st.Process.LastError)
	require.NotNil(t, st.Record)
	assert.False(t, st.Connected)

	rec = f.do(t, http.MethodGet, "/api/v1/plugins/ghost/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/records", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"plugin_id":"card"`)
}

func TestMetricsAndHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	f.do(t, http.MethodGet, "/api/v1/plugins/ghost", "")

	rec = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `test_http_requests_total{code="200",handler="GET /healthz",method="GET"} 1`)
	assert.Contains(t, body, `test_http_requests_total{code="404",handler="GET /api/v1/plugins/{id}",method="GET"} 1`)
}

func TestServiceClosingRejectsRequests(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	withContext(ctx, f.srv.Handler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
