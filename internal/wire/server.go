package wire

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"plugin-runtime/pkg/logger"
	"plugin-runtime/pkg/plugin"
	"plugin-runtime/pkg/protocol"
)

// Config 描述插件连接监听参数。
type Config struct {
	Network         string        `yaml:"network"`
	Address         string        `yaml:"address"`
	RegisterTimeout time.Duration `yaml:"register_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	DevToken        string        `yaml:"dev_token"`
	MaxFrameSize    int           `yaml:"max_frame_size"`
}

func (c Config) withDefaults() Config {
	if c.Network == "" {
		c.Network = "unix"
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	return c
}

// Validate 校验监听配置。
func (c Config) Validate() error {
	switch c.Network {
	case "unix", "tcp":
	default:
		return fmt.Errorf("wire: unsupported network %q", c.Network)
	}
	if c.Address == "" {
		return errors.New("wire: address is required")
	}
	return nil
}

// Registrar 是握手成功后接管连接的一方，通常为 *plugin.Manager。
type Registrar interface {
	Register(params protocol.RegisterParams, t plugin.Transport) (*plugin.Connection, error)
	Unregister(conn *plugin.Connection) bool
	HandleResponse(conn *plugin.Connection, env *protocol.Envelope)
	HostVersion() string
}

// Option 调整 Server。
type Option func(*Server)

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server 接受插件连接，完成注册握手后持续读取插件响应。
type Server struct {
	cfg    Config
	reg    Registrar
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	draining bool
	closed   bool
	wg       sync.WaitGroup
}

// New 创建 Server。
func New(cfg Config, reg Registrar, opts ...Option) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, errors.New("wire: registrar is required")
	}
	s := &Server{
		cfg:    cfg,
		reg:    reg,
		logger: logger.Named("wire"),
		conns:  make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Listen 打开监听。Unix 模式下会清理残留的 socket 文件。
func (s *Server) Listen() error {
	if s.cfg.Network == "unix" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Address), 0o755); err != nil {
			return fmt.Errorf("wire: create socket directory: %w", err)
		}
		if info, err := os.Stat(s.cfg.Address); err == nil && info.Mode()&os.ModeSocket != 0 {
			_ = os.Remove(s.cfg.Address)
		}
	}
	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return fmt.Errorf("wire: listen %s %s: %w", s.cfg.Network, s.cfg.Address, err)
	}
	if s.cfg.Network == "unix" {
		_ = os.Chmod(s.cfg.Address, 0o660)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("插件监听已启动", slog.String("network", s.cfg.Network), slog.String("address", ln.Addr().String()))
	return nil
}

// Addr 返回实际监听地址，未监听时为 nil。
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve 接受连接直到 ctx 结束或 Close 被调用。未调用 Listen 时自动监听。
func (s *Server) Serve(ctx context.Context) error {
	if s.Addr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.logger.Warn("接受连接失败，稍后重试", slog.Any("error", err), slog.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("wire: accept: %w", err)
		}
		backoff = 0
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.ServeConn(conn)
		}()
	}
}

// StopAccepting 关闭监听但保留已建立的连接，便于先通知插件关闭。
func (s *Server) StopAccepting() error {
	s.mu.Lock()
	s.draining = true
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Close 停止监听并断开全部连接，等待读循环退出。
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	if s.cfg.Network == "unix" {
		_ = os.Remove(s.cfg.Address)
	}
	return err
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.draining {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// ServeConn 处理单个连接：注册握手，然后读取插件响应直到连接断开。
func (s *Server) ServeConn(conn net.Conn) {
	remote := addrString(conn.RemoteAddr())
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("连接处理异常", slog.String("remote", remote), slog.Any("panic", r))
		}
	}()
	defer conn.Close()

	pc, ok := s.handshake(conn, remote)
	if !ok {
		return
	}
	defer s.reg.Unregister(pc)
	s.readLoop(conn, pc)
}

func (s *Server) handshake(conn net.Conn, remote string) (*plugin.Connection, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.RegisterTimeout))
	env, err := protocol.ReadFrameLimit(conn, s.cfg.MaxFrameSize)
	if err != nil {
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			s.reject(conn, nil, protocol.CodeParseError, "parse error", remote)
			return nil, false
		}
		if errors.Is(err, protocol.ErrEmptyFrame) || errors.Is(err, protocol.ErrFrameTooLarge) {
			s.reject(conn, nil, protocol.CodeInvalidRequest, err.Error(), remote)
			return nil, false
		}
		s.logger.Warn("未完成注册握手", slog.String("remote", remote), slog.Any("error", err))
		return nil, false
	}
	if env.Method != protocol.MethodRegister {
		s.reject(conn, env.ID, protocol.CodeInvalidRequest, "first message must be register", remote)
		return nil, false
	}

	var params protocol.RegisterParams
	if len(env.Params) == 0 {
		s.reject(conn, env.ID, protocol.CodeInvalidParams, "register params are required", remote)
		return nil, false
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		s.reject(conn, env.ID, protocol.CodeInvalidParams, "invalid register params: "+err.Error(), remote)
		return nil, false
	}
	if !s.authorized(params.DevToken) {
		s.reject(conn, env.ID, protocol.CodeUnauthorized, "invalid dev token", remote)
		return nil, false
	}

	transport := plugin.NewStreamTransport(conn, s.cfg.WriteTimeout)
	pc, err := s.reg.Register(params, transport)
	if err != nil {
		s.reject(conn, env.ID, registerErrorCode(err), err.Error(), remote)
		return nil, false
	}

	reply, err := protocol.NewResult(env.ID, protocol.RegisterResult{
		Success:     true,
		PluginID:    pc.ID,
		HostVersion: s.reg.HostVersion(),
	})
	if err == nil {
		err = transport.Send(reply)
	}
	if err != nil {
		s.logger.Warn("发送注册结果失败", slog.String("plugin_id", pc.ID), slog.Any("error", err))
		s.reg.Unregister(pc)
		return nil, false
	}
	_ = conn.SetReadDeadline(time.Time{})
	return pc, true
}

func (s *Server) readLoop(conn net.Conn, pc *plugin.Connection) {
	for {
		env, err := protocol.ReadFrameLimit(conn, s.cfg.MaxFrameSize)
		if err != nil {
			var decodeErr *protocol.DecodeError
			// 空帧与解析失败都不破坏帧边界，超长帧则无法继续对齐。
			if errors.As(err, &decodeErr) || errors.Is(err, protocol.ErrEmptyFrame) {
				s.logger.Warn("忽略无法解析的消息", slog.String("plugin_id", pc.ID), slog.Any("error", err))
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.logger.Info("插件连接已关闭", slog.String("plugin_id", pc.ID))
			} else {
				s.logger.Warn("读取插件消息失败", slog.String("plugin_id", pc.ID), slog.Any("error", err))
			}
			return
		}
		switch {
		case env.IsResponse():
			s.reg.HandleResponse(pc, env)
		case env.IsNotification():
			s.logger.Debug("忽略插件通知", slog.String("plugin_id", pc.ID), slog.String("method", env.Method))
		default:
			s.logger.Warn("忽略非预期消息", slog.String("plugin_id", pc.ID), slog.String("method", env.Method))
		}
	}
}

// authorized 仅在 TCP 模式且配置了 dev token 时校验。
func (s *Server) authorized(token string) bool {
	if s.cfg.Network != "tcp" || s.cfg.DevToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.DevToken)) == 1
}

func (s *Server) reject(conn net.Conn, id json.RawMessage, code int, message, remote string) {
	s.logger.Warn("拒绝插件注册", slog.String("remote", remote), slog.Int("code", code), slog.String("reason", message))
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_ = protocol.WriteFrame(conn, protocol.NewError(id, code, message))
}

func registerErrorCode(err error) int {
	switch {
	case errors.Is(err, plugin.ErrDuplicate):
		return protocol.CodeDuplicatePlugin
	case errors.Is(err, plugin.ErrInvalidRegistration), errors.Is(err, plugin.ErrCapabilityDenied):
		return protocol.CodeInvalidParams
	default:
		return protocol.CodeInternalError
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
