package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"plugin-runtime/internal/descriptor"
	xerrors "plugin-runtime/internal/errors"
	"plugin-runtime/internal/installer"
	"plugin-runtime/internal/readmodel"
	"plugin-runtime/internal/supervisor"
	"plugin-runtime/pkg/protocol"
)

const (
	maxBodyBytes    = 1 << 20
	defaultLogLines = 100
)

// PluginView 合并安装、进程与连接三方面的状态。
type PluginView struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name"`
	Version      string                    `json:"version"`
	Description  string                    `json:"description,omitempty"`
	Author       string                    `json:"author,omitempty"`
	InstallType  string                    `json:"install_type,omitempty"`
	Installed    bool                      `json:"installed"`
	Connected    bool                      `json:"connected"`
	Capabilities []protocol.CapabilitySpec `json:"capabilities,omitempty"`
	ConnectedAt  *time.Time                `json:"connected_at,omitempty"`
	Process      *supervisor.ProcessStatus `json:"process,omitempty"`
}

// InstallRequest 可以内联描述，也可以给出描述地址。
type InstallRequest struct {
	URL        string          `json:"url,omitempty"`
	Descriptor json.RawMessage `json:"descriptor,omitempty"`
	Start      bool            `json:"start,omitempty"`
}

// StatusView 是单个插件的状态视图。
type StatusView struct {
	PluginID  string                    `json:"plugin_id"`
	Connected bool                      `json:"connected"`
	Process   *supervisor.ProcessStatus `json:"process,omitempty"`
	Record    *readmodel.Record         `json:"record,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) collectViews() (map[string]*PluginView, error) {
	views := make(map[string]*PluginView)
	get := func(id string) *PluginView {
		v, ok := views[id]
		if !ok {
			v = &PluginView{ID: id}
			views[id] = v
		}
		return v
	}

	if s.deps.Installations != nil {
		manifests, err := s.deps.Installations.List()
		if err != nil {
			return nil, err
		}
		for _, m := range manifests {
			v := get(m.ID)
			v.Name, v.Version = m.Name, m.Version
			v.Description, v.Author = m.Descriptor.Description, m.Descriptor.Author
			v.InstallType = string(m.InstallType)
			v.Installed = true
		}
	}
	if s.deps.Processes != nil {
		for _, st := range s.deps.Processes.List() {
			get(st.ID).Process = &st
		}
	}
	for _, conn := range s.deps.Plugins.ListPlugins() {
		info := conn.Info()
		v := get(info.ID)
		v.Name, v.Version = info.Name, info.Version
		if info.Description != "" {
			v.Description = info.Description
		}
		if info.Author != "" {
			v.Author = info.Author
		}
		v.Connected = true
		v.Capabilities = info.Capabilities
		at := info.ConnectedAt
		v.ConnectedAt = &at
	}
	return views, nil
}

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	views, err := s.collectViews()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]PluginView, 0, len(views))
	for _, v := range views {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"plugins": out})
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	views, err := s.collectViews()
	if err != nil {
		writeError(w, err)
		return
	}
	v, ok := views[id]
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "插件不存在", xerrors.WithMetadata("plugin_id", id)))
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var req protocol.RenderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.deps.Plugins.Render(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req protocol.EventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.EventType == "" {
		badRequest(w, "event_type 不能为空")
		return
	}
	res, err := s.deps.Plugins.SendEvent(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	args, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "读取请求体失败")
		return
	}
	var raw json.RawMessage
	if len(strings.TrimSpace(string(args))) > 0 {
		if !json.Valid(args) {
			badRequest(w, "工具参数必须是 JSON")
			return
		}
		raw = args
	}
	res, err := s.deps.Plugins.CallTool(r.Context(), r.PathValue("id"), r.PathValue("tool"), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"result": res})
}

func (s *Server) handleRenderPanels(w http.ResponseWriter, r *http.Request) {
	var req protocol.RenderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"panels": s.deps.Plugins.RenderVisitorPanels(r.Context(), req)})
}

func (s *Server) handleToolbarButtons(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"buttons": s.deps.Plugins.GetChatToolbarButtons()})
}

func (s *Server) handleFetchInfo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		badRequest(w, "url 不能为空")
		return
	}
	d, err := s.deps.Installations.FetchDescriptor(r.Context(), req.URL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var (
		d   *descriptor.Descriptor
		err error
	)
	switch {
	case len(req.Descriptor) > 0:
		d, err = descriptor.Parse(req.Descriptor)
	case req.URL != "":
		d, err = s.deps.Installations.FetchDescriptor(r.Context(), req.URL)
	default:
		badRequest(w, "需要提供 descriptor 或 url")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	manifest, err := s.deps.Installations.Install(r.Context(), d)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Start {
		if err := s.startManifest(manifest); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, manifest)
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Processes.Stop(id); err != nil && !xerrors.HasCode(err, xerrors.CodeProcessNotFound) {
		writeError(w, err)
		return
	}
	if err := s.deps.Processes.Forget(id); err != nil && !xerrors.HasCode(err, xerrors.CodeProcessNotFound) {
		s.logger.Warn("移除进程记录失败", slog.String("plugin_id", id), slog.Any("error", err))
	}
	s.deps.Plugins.UnregisterID(id)

	removed, err := s.deps.Installations.Uninstall(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !removed {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "插件未安装", xerrors.WithMetadata("plugin_id", id)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugin_id": id, "uninstalled": true})
}

func (s *Server) startManifest(m *installer.Manifest) error {
	spec, err := supervisor.SpecFromDescriptor(&m.Descriptor, m.Path)
	if err != nil {
		return err
	}
	return s.deps.Processes.Start(spec)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	manifest, err := s.deps.Installations.Manifest(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.startManifest(manifest); err != nil {
		writeError(w, err)
		return
	}
	s.writeProcess(w, id)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Processes.Stop(id); err != nil {
		writeError(w, err)
		return
	}
	s.writeProcess(w, id)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Processes.Restart(id); err != nil {
		writeError(w, err)
		return
	}
	s.writeProcess(w, id)
}

func (s *Server) writeProcess(w http.ResponseWriter, id string) {
	st, err := s.deps.Processes.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lines := defaultLogLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			badRequest(w, "lines 必须是非负整数")
			return
		}
		lines = parsed
	}
	logs, err := s.deps.Processes.Logs(id, lines)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugin_id": id, "lines": logs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view := StatusView{PluginID: id}
	found := false

	if st, err := s.deps.Processes.Status(id); err == nil {
		view.Process = &st
		found = true
	} else if !xerrors.HasCode(err, xerrors.CodeProcessNotFound) {
		writeError(w, err)
		return
	}
	if _, ok := s.deps.Plugins.GetPlugin(id); ok {
		view.Connected = true
		found = true
	}
	if s.deps.Records != nil {
		rec, err := s.deps.Records.Get(r.Context(), id)
		switch {
		case err == nil:
			view.Record = rec
			found = true
		case !xerrors.HasCode(err, xerrors.CodeNotFound):
			s.logger.Warn("读取插件记录失败", slog.String("plugin_id", id), slog.Any("error", err))
		}
	}
	if !found {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "插件不存在", xerrors.WithMetadata("plugin_id", id)))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeJSON(w, http.StatusOK, map[string]any{"records": []readmodel.Record{}})
		return
	}
	records, err := s.deps.Records.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []readmodel.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		badRequest(w, "请求体解析失败: "+err.Error())
		return false
	}
	return true
}
