// Package pluginsdk lets a Go program act as a runtime plugin: it dials the
// host socket, registers its capabilities and answers host requests.
package pluginsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"plugin-runtime/pkg/protocol"
)

// HandlerFunc answers one host request. The returned value is encoded as the
// JSON-RPC result. Returning a *protocol.RPCError controls the error code.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Client is a plugin-side connection to the host.
type Client struct {
	conn   net.Conn
	logger *slog.Logger

	wmu sync.Mutex

	mu          sync.RWMutex
	handlers    map[string]HandlerFunc
	pluginID    string
	hostVersion string
	early       []*protocol.Envelope
}

// Dial connects to the host at address over network ("unix" or "tcp").
func Dial(ctx context.Context, network, address string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("pluginsdk: dial %s %s: %w", network, address, err)
	}
	return NewClient(conn), nil
}

// DialEnv connects using the variables the host injects into supervised
// processes.
func DialEnv(ctx context.Context) (*Client, error) {
	network := os.Getenv(protocol.EnvNetwork)
	if network == "" {
		network = "unix"
	}
	address := os.Getenv(protocol.EnvAddress)
	if address == "" {
		return nil, fmt.Errorf("pluginsdk: %s is not set", protocol.EnvAddress)
	}
	return Dial(ctx, network, address)
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:     conn,
		logger:   slog.Default(),
		handlers: make(map[string]HandlerFunc),
	}
}

// SetLogger replaces the logger used for dropped or failed requests.
func (c *Client) SetLogger(l *slog.Logger) {
	if l != nil {
		c.logger = l
	}
}

// Handle installs fn for method. Installing a handler for a method twice
// replaces the earlier one.
func (c *Client) Handle(method string, fn HandlerFunc) {
	c.mu.Lock()
	c.handlers[method] = fn
	c.mu.Unlock()
}

// HandleRender installs a typed render handler.
func (c *Client) HandleRender(fn func(context.Context, protocol.RenderRequest) (*protocol.RenderResult, error)) {
	c.Handle(protocol.MethodRender, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req protocol.RenderRequest
		if err := decodeParams(raw, &req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	})
}

// HandleEvent installs a typed event handler.
func (c *Client) HandleEvent(fn func(context.Context, protocol.EventRequest) (*protocol.EventResult, error)) {
	c.Handle(protocol.MethodEvent, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req protocol.EventRequest
		if err := decodeParams(raw, &req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	})
}

// HandleToolCall installs a typed tool handler.
func (c *Client) HandleToolCall(fn func(context.Context, protocol.ToolCallRequest) (any, error)) {
	c.Handle(protocol.MethodCallTool, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req protocol.ToolCallRequest
		if err := decodeParams(raw, &req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	})
}

// Register performs the handshake. Empty ID and DevToken default to the
// values injected by the host. Host requests that arrive before the
// handshake reply are kept and dispatched once Serve starts.
func (c *Client) Register(ctx context.Context, params protocol.RegisterParams) (*protocol.RegisterResult, error) {
	if params.ID == "" {
		params.ID = os.Getenv(protocol.EnvPluginID)
	}
	if params.DevToken == "" {
		params.DevToken = os.Getenv(protocol.EnvDevToken)
	}
	req, err := protocol.NewRequest(1, protocol.MethodRegister, params)
	if err != nil {
		return nil, err
	}
	if err := c.write(req); err != nil {
		return nil, fmt.Errorf("pluginsdk: send register: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		env, err := protocol.ReadFrame(c.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("pluginsdk: read register reply: %w", err)
		}
		if env.IsRequest() {
			c.mu.Lock()
			c.early = append(c.early, env)
			c.mu.Unlock()
			continue
		}
		if !env.IsResponse() {
			continue
		}
		if env.Error != nil {
			return nil, env.Error
		}
		var res protocol.RegisterResult
		if err := json.Unmarshal(env.Result, &res); err != nil {
			return nil, fmt.Errorf("pluginsdk: decode register reply: %w", err)
		}
		c.mu.Lock()
		c.pluginID, c.hostVersion = res.PluginID, res.HostVersion
		c.mu.Unlock()
		return &res, nil
	}
}

// PluginID is the id assigned by the host, available after Register.
func (c *Client) PluginID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pluginID
}

// HostVersion is the version reported by the host, available after Register.
func (c *Client) HostVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hostVersion
}

// Serve answers host requests until the host sends shutdown, the connection
// closes or ctx is done. Requests are handled concurrently.
func (c *Client) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	c.mu.Lock()
	early := c.early
	c.early = nil
	c.mu.Unlock()
	for _, env := range early {
		if c.dispatch(ctx, &wg, env) {
			return nil
		}
	}

	for {
		env, err := protocol.ReadFrame(c.conn)
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("pluginsdk: read: %w", err)
		}
		if !env.IsRequest() {
			continue
		}
		if c.dispatch(ctx, &wg, env) {
			return nil
		}
	}
}

// dispatch reports whether the request was a shutdown.
func (c *Client) dispatch(ctx context.Context, wg *sync.WaitGroup, env *protocol.Envelope) bool {
	c.mu.RLock()
	fn, ok := c.handlers[env.Method]
	c.mu.RUnlock()

	if env.Method == protocol.MethodShutdown {
		if ok {
			_, _ = fn(ctx, env.Params)
		}
		c.reply(env.ID, map[string]bool{"ok": true}, nil)
		return true
	}
	if !ok {
		c.reply(env.ID, nil, &protocol.RPCError{Code: protocol.CodeMethodNotFound, Message: "method not found: " + env.Method})
		return false
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.reply(env.ID, nil, fmt.Errorf("handler panic: %v", r))
			}
		}()
		result, err := fn(ctx, env.Params)
		c.reply(env.ID, result, err)
	}()
	return false
}

func (c *Client) reply(id json.RawMessage, result any, err error) {
	var env *protocol.Envelope
	if err != nil {
		var rpcErr *protocol.RPCError
		if errors.As(err, &rpcErr) {
			env = protocol.NewError(id, rpcErr.Code, rpcErr.Message)
		} else {
			env = protocol.NewError(id, protocol.CodeInternalError, err.Error())
		}
	} else {
		var encErr error
		if env, encErr = protocol.NewResult(id, result); encErr != nil {
			env = protocol.NewError(id, protocol.CodeInternalError, encErr.Error())
		}
	}
	if err := c.write(env); err != nil {
		c.logger.Warn("pluginsdk: write reply failed", slog.Any("error", err))
	}
}

func (c *Client) write(env *protocol.Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.WriteFrame(c.conn, env)
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}
