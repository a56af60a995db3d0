package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"plugin-runtime/internal/descriptor"
	"plugin-runtime/internal/installer"
	"plugin-runtime/internal/readmodel"
	"plugin-runtime/internal/supervisor"
	"plugin-runtime/pkg/logger"
	"plugin-runtime/pkg/plugin"
	"plugin-runtime/pkg/protocol"
)

// Plugins 是 API 依赖的插件管理器能力。
type Plugins interface {
	ListPlugins() []*plugin.Connection
	GetPlugin(id string) (*plugin.Connection, bool)
	UnregisterID(id string) bool
	Render(ctx context.Context, pluginID string, req protocol.RenderRequest) (*protocol.RenderResult, error)
	RenderVisitorPanels(ctx context.Context, req protocol.RenderRequest) []plugin.Panel
	SendEvent(ctx context.Context, pluginID string, req protocol.EventRequest) (*protocol.EventResult, error)
	CallTool(ctx context.Context, pluginID, tool string, args json.RawMessage) (json.RawMessage, error)
	GetChatToolbarButtons() []plugin.ToolbarButton
}

// Processes 是 API 依赖的进程监管能力。
type Processes interface {
	Start(spec supervisor.Spec) error
	Stop(id string) error
	Restart(id string) error
	Forget(id string) error
	Status(id string) (supervisor.ProcessStatus, error)
	List() []supervisor.ProcessStatus
	Logs(id string, n int) ([]string, error)
}

// Installations 是 API 依赖的安装器能力。
type Installations interface {
	Install(ctx context.Context, d *descriptor.Descriptor) (*installer.Manifest, error)
	Uninstall(id string) (bool, error)
	Manifest(id string) (*installer.Manifest, error)
	List() ([]installer.Manifest, error)
	FetchDescriptor(ctx context.Context, url string) (*descriptor.Descriptor, error)
}

// Records 提供读模型查询。
type Records interface {
	Get(ctx context.Context, pluginID string) (*readmodel.Record, error)
	List(ctx context.Context) ([]readmodel.Record, error)
}

// HTTPMetrics 记录请求耗时。
type HTTPMetrics interface {
	ObserveHTTPRequest(handler, method string, status int, elapsed time.Duration)
}

// Deps 汇总 API 的依赖，Records 与 Metrics 可以为空。
type Deps struct {
	Plugins        Plugins
	Processes      Processes
	Installations  Installations
	Records        Records
	Metrics        HTTPMetrics
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// Config 控制 HTTP 服务。
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server 暴露插件管理的 REST 接口。
type Server struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	handler http.Handler
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{cfg: cfg, deps: deps, logger: deps.Logger}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	s.handler = s.routes()
	return s
}

// Handler 返回带中间件的路由。
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.deps.MetricsHandler)
	}

	mux.HandleFunc("GET /api/v1/plugins", s.handleListPlugins)
	mux.HandleFunc("POST /api/v1/plugins", s.handleInstall)
	mux.HandleFunc("POST /api/v1/plugins/fetch-info", s.handleFetchInfo)
	mux.HandleFunc("GET /api/v1/plugins/{id}", s.handleGetPlugin)
	mux.HandleFunc("DELETE /api/v1/plugins/{id}", s.handleUninstall)
	mux.HandleFunc("POST /api/v1/plugins/{id}/render", s.handleRender)
	mux.HandleFunc("POST /api/v1/plugins/{id}/event", s.handleEvent)
	mux.HandleFunc("POST /api/v1/plugins/{id}/tools/{tool}", s.handleCallTool)
	mux.HandleFunc("POST /api/v1/plugins/{id}/start", s.handleStart)
	mux.HandleFunc("POST /api/v1/plugins/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /api/v1/plugins/{id}/restart", s.handleRestart)
	mux.HandleFunc("GET /api/v1/plugins/{id}/logs", s.handleLogs)
	mux.HandleFunc("GET /api/v1/plugins/{id}/status", s.handleStatus)

	mux.HandleFunc("POST /api/v1/panels/render", s.handleRenderPanels)
	mux.HandleFunc("GET /api/v1/toolbar/buttons", s.handleToolbarButtons)
	mux.HandleFunc("GET /api/v1/records", s.handleListRecords)

	return s.instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API 已启动", slog.String("address", s.cfg.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP API 关闭超时", slog.Any("error", err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, errServiceClosing)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
