package plugin

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"plugin-runtime/pkg/protocol"
)

// ErrTransportClosed is returned when writing to a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// Transport is the write half of a plugin connection.
type Transport interface {
	Send(env *protocol.Envelope) error
	Close() error
}

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// StreamTransport frames envelopes onto a byte stream. Writes are serialised
// so frames from concurrent requests never interleave.
type StreamTransport struct {
	mu           sync.Mutex
	w            io.WriteCloser
	writeTimeout time.Duration
	closed       bool
}

// NewStreamTransport wraps w. When w supports write deadlines, each frame
// must be written within writeTimeout (zero disables the deadline).
func NewStreamTransport(w io.WriteCloser, writeTimeout time.Duration) *StreamTransport {
	return &StreamTransport{w: w, writeTimeout: writeTimeout}
}

// Send writes one frame.
func (t *StreamTransport) Send(env *protocol.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if dw, ok := t.w.(deadlineWriter); ok && t.writeTimeout > 0 {
		_ = dw.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return protocol.WriteFrame(t.w, env)
}

// Close closes the underlying stream once.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.w.Close()
}

// Connection is a registered plugin session. The plugin id is stable across
// reconnects; the session id identifies this particular connection.
type Connection struct {
	ID           string
	SessionID    string
	Name         string
	Version      string
	Description  string
	Author       string
	Capabilities []Capability
	ConnectedAt  time.Time

	transport Transport
	nextID    atomic.Int64
	closed    atomic.Bool
}

// Closed reports whether the connection has been torn down.
func (c *Connection) Closed() bool { return c.closed.Load() }

// HasKind reports whether the plugin declared at least one capability of k.
func (c *Connection) HasKind(k Kind) bool {
	for _, capability := range c.Capabilities {
		if capability.Kind() == k {
			return true
		}
	}
	return false
}

// Tools returns every tool declared across the plugin's mcp_tools capabilities.
func (c *Connection) Tools() []protocol.ToolDefinition {
	var tools []protocol.ToolDefinition
	for _, capability := range c.Capabilities {
		if t, ok := capability.(MCPTools); ok {
			tools = append(tools, t.Tools...)
		}
	}
	return tools
}

// panelPriority is the priority of the first visitor panel, or the default.
func (c *Connection) panelPriority() int {
	for _, capability := range c.Capabilities {
		if p, ok := capability.(VisitorPanel); ok {
			return p.Priority
		}
	}
	return DefaultPriority
}

func (c *Connection) requestID() int64 { return c.nextID.Add(1) }

func (c *Connection) send(env *protocol.Envelope) error {
	if c.closed.Load() {
		return ErrTransportClosed
	}
	return c.transport.Send(env)
}

func (c *Connection) close() bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}
	_ = c.transport.Close()
	return true
}

// Info is a read-only snapshot of a connection suitable for serialisation.
type Info struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name"`
	Version      string                    `json:"version"`
	Description  string                    `json:"description,omitempty"`
	Author       string                    `json:"author,omitempty"`
	Capabilities []protocol.CapabilitySpec `json:"capabilities"`
	ConnectedAt  time.Time                 `json:"connected_at"`
}

// Info snapshots the connection.
func (c *Connection) Info() Info {
	specs := make([]protocol.CapabilitySpec, 0, len(c.Capabilities))
	for _, capability := range c.Capabilities {
		specs = append(specs, capability.Spec())
	}
	return Info{
		ID:           c.ID,
		Name:         c.Name,
		Version:      c.Version,
		Description:  c.Description,
		Author:       c.Author,
		Capabilities: specs,
		ConnectedAt:  c.ConnectedAt,
	}
}
