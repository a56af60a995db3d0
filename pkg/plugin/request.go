package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"plugin-runtime/pkg/protocol"
)

type outcome struct {
	result json.RawMessage
	err    error
}

// correlation maps (session, request id) to a single-assignment slot. Each
// slot is a channel with capacity one, written at most once under mu.
type correlation struct {
	mu      sync.Mutex
	waiting map[string]map[int64]chan outcome
}

func newCorrelation() *correlation {
	return &correlation{waiting: make(map[string]map[int64]chan outcome)}
}

func (c *correlation) add(session string, id int64) chan outcome {
	ch := make(chan outcome, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	bySession, ok := c.waiting[session]
	if !ok {
		bySession = make(map[int64]chan outcome)
		c.waiting[session] = bySession
	}
	bySession[id] = ch
	return ch
}

func (c *correlation) resolve(session string, id int64, out outcome) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	bySession := c.waiting[session]
	ch, ok := bySession[id]
	if !ok {
		return false
	}
	delete(bySession, id)
	if len(bySession) == 0 {
		delete(c.waiting, session)
	}
	ch <- out
	return true
}

func (c *correlation) remove(session string, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bySession, ok := c.waiting[session]; ok {
		delete(bySession, id)
		if len(bySession) == 0 {
			delete(c.waiting, session)
		}
	}
}

func (c *correlation) cancelSession(session string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	bySession := c.waiting[session]
	delete(c.waiting, session)
	for _, ch := range bySession {
		ch <- outcome{err: ErrCancelled}
	}
	return len(bySession)
}

func (c *correlation) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, bySession := range c.waiting {
		n += len(bySession)
	}
	return n
}

// SendRequest issues method to the plugin and waits for the matching
// response. A non-positive timeout selects the configured default. The
// pending slot is always released before returning, so a late response is
// dropped by HandleResponse.
func (m *Manager) SendRequest(ctx context.Context, pluginID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	start := m.now()
	conn, ok := m.GetPlugin(pluginID)
	if !ok || conn.Closed() {
		m.metrics.ObserveRequest(method, OutcomeUnavailable, 0)
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, pluginID)
	}
	if timeout <= 0 {
		timeout = m.cfg.RequestTimeout
	}

	id := conn.requestID()
	env, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	slot := m.pending.add(conn.SessionID, id)
	defer m.pending.remove(conn.SessionID, id)
	if conn.Closed() {
		m.metrics.ObserveRequest(method, OutcomeUnavailable, 0)
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, pluginID)
	}

	if err := conn.send(env); err != nil {
		m.logger.Warn("发送插件请求失败", slog.String("plugin_id", pluginID), slog.String("method", method), slog.Any("error", err))
		m.metrics.ObserveRequest(method, OutcomeUnavailable, m.now().Sub(start))
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, pluginID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-slot:
		elapsed := m.now().Sub(start)
		switch {
		case out.err == nil:
			m.metrics.ObserveRequest(method, OutcomeOK, elapsed)
			return out.result, nil
		case errors.Is(out.err, ErrCancelled):
			m.metrics.ObserveRequest(method, OutcomeCancelled, elapsed)
		default:
			m.logger.Warn("插件返回错误", slog.String("plugin_id", pluginID), slog.String("method", method), slog.Any("error", out.err))
			m.metrics.ObserveRequest(method, OutcomeRemoteError, elapsed)
		}
		return nil, out.err
	case <-timer.C:
		m.logger.Warn("插件请求超时", slog.String("plugin_id", pluginID), slog.String("method", method), slog.Duration("timeout", timeout))
		m.metrics.ObserveRequest(method, OutcomeTimeout, m.now().Sub(start))
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)
	case <-ctx.Done():
		m.metrics.ObserveRequest(method, OutcomeCancelled, m.now().Sub(start))
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// HandleResponse completes the pending request matching env on conn. Replies
// with unknown or already settled ids are dropped.
func (m *Manager) HandleResponse(conn *Connection, env *protocol.Envelope) {
	id, ok := env.IntID()
	if !ok {
		m.logger.Debug("丢弃无法识别 id 的响应", slog.String("plugin_id", conn.ID), slog.String("id", string(env.ID)))
		return
	}
	out := outcome{result: env.Result}
	if env.Error != nil {
		out = outcome{err: fmt.Errorf("%w: %s", ErrRemote, env.Error.Error())}
	}
	if !m.pending.resolve(conn.SessionID, id, out) {
		m.logger.Debug("丢弃过期响应", slog.String("plugin_id", conn.ID), slog.Int64("id", id))
	}
}

// PendingRequests returns the number of requests awaiting a response.
func (m *Manager) PendingRequests() int { return m.pending.size() }
