package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"plugin-runtime/pkg/logger"
	"plugin-runtime/pkg/protocol"
)

// Sentinel errors. A request that yields no usable result returns one of
// these (possibly wrapped) together with a nil result.
var (
	ErrUnavailable         = errors.New("plugin unavailable")
	ErrTimeout             = errors.New("plugin request timed out")
	ErrRemote              = errors.New("plugin returned an error")
	ErrCancelled           = errors.New("plugin request cancelled")
	ErrMalformedResponse   = errors.New("malformed plugin response")
	ErrDuplicate           = errors.New("plugin already connected")
	ErrInvalidRegistration = errors.New("invalid registration")
	ErrCapabilityDenied    = errors.New("capability denied")
)

// Manager keeps track of connected plugins and correlates host-initiated
// requests with their responses. Plugin ids are exclusive: at most one live
// connection exists per id.
type Manager struct {
	mu        sync.RWMutex
	registry  map[string]*Connection
	observers []Observer

	pending *correlation
	cfg     ManagerConfig
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
}

// NewManager constructs a manager using the supplied configuration and options.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		registry: make(map[string]*Connection),
		pending:  newCorrelation(),
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("plugin_manager"),
		metrics:  noopMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// HostVersion is reported to plugins in the handshake reply.
func (m *Manager) HostVersion() string { return m.cfg.HostVersion }

// AddObserver attaches an observer after construction.
func (m *Manager) AddObserver(o Observer) {
	if o == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// Register admits a plugin that completed the handshake. A missing id is
// replaced by a generated one. The returned connection owns t.
func (m *Manager) Register(params protocol.RegisterParams, t Transport) (*Connection, error) {
	if t == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if strings.TrimSpace(params.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRegistration)
	}
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	if !validName(id) {
		return nil, fmt.Errorf("%w: invalid plugin id %q", ErrInvalidRegistration, id)
	}
	caps, err := ResolveCapabilities(params.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRegistration, err)
	}
	if err := m.cfg.PolicyFor(id).Admit(caps); err != nil {
		return nil, err
	}

	conn := &Connection{
		ID:           id,
		SessionID:    uuid.NewString(),
		Name:         params.Name,
		Version:      params.Version,
		Description:  params.Description,
		Author:       params.Author,
		Capabilities: caps,
		ConnectedAt:  m.now(),
		transport:    t,
	}

	m.mu.Lock()
	if _, exists := m.registry[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	m.registry[id] = conn
	connected := len(m.registry)
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	m.metrics.SetConnected(connected)
	m.logger.Info("插件已连接", slog.String("plugin_id", id), slog.String("name", conn.Name),
		slog.String("version", conn.Version), slog.Int("capabilities", len(caps)))
	logger.Audit().Info("plugin_connected", slog.String("plugin_id", id), slog.String("session_id", conn.SessionID))
	for _, o := range observers {
		o.PluginConnected(conn)
	}
	return conn, nil
}

// Unregister tears a connection down: the registry entry is removed if it
// still belongs to conn, the transport is closed and every pending request
// on it resolves with ErrCancelled. It reports whether the entry was removed.
func (m *Manager) Unregister(conn *Connection) bool {
	if conn == nil {
		return false
	}
	m.mu.Lock()
	removed := false
	if current, ok := m.registry[conn.ID]; ok && current == conn {
		delete(m.registry, conn.ID)
		removed = true
	}
	connected := len(m.registry)
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	// Closing before cancelling guarantees a concurrent SendRequest either
	// sees the closed flag or gets its waiter cancelled.
	conn.close()
	cancelled := m.pending.cancelSession(conn.SessionID)
	if !removed {
		return false
	}

	m.metrics.SetConnected(connected)
	m.logger.Info("插件已断开", slog.String("plugin_id", conn.ID), slog.Int("cancelled_requests", cancelled))
	logger.Audit().Info("plugin_disconnected", slog.String("plugin_id", conn.ID), slog.String("session_id", conn.SessionID))
	for _, o := range observers {
		o.PluginDisconnected(conn)
	}
	return true
}

// UnregisterID disconnects the plugin currently registered under id.
func (m *Manager) UnregisterID(id string) bool {
	conn, ok := m.GetPlugin(id)
	if !ok {
		return false
	}
	return m.Unregister(conn)
}

// GetPlugin returns the live connection for id.
func (m *Manager) GetPlugin(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.registry[id]
	return conn, ok
}

// ListPlugins returns every connected plugin ordered by id.
func (m *Manager) ListPlugins() []*Connection {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.registry))
	for _, conn := range m.registry {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}

// GetPluginsByType returns connected plugins declaring a capability of kind k.
func (m *Manager) GetPluginsByType(k Kind) []*Connection {
	all := m.ListPlugins()
	out := all[:0]
	for _, conn := range all {
		if conn.HasKind(k) {
			out = append(out, conn)
		}
	}
	return out
}

// ShutdownAll asks every plugin to shut down, then drops all connections.
// The shutdown request is best effort; failures are only logged.
func (m *Manager) ShutdownAll(ctx context.Context) {
	var g errgroup.Group
	for _, conn := range m.ListPlugins() {
		g.Go(func() error {
			_, err := m.SendRequest(ctx, conn.ID, protocol.MethodShutdown,
				protocol.ShutdownParams{Reason: "host shutdown"}, m.cfg.ShutdownTimeout)
			if err != nil {
				m.logger.Debug("插件关闭请求未确认", slog.String("plugin_id", conn.ID), slog.Any("error", err))
			}
			m.Unregister(conn)
			return nil
		})
	}
	_ = g.Wait()
}
