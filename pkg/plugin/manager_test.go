package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugin-runtime/pkg/protocol"
)

type fakeTransport struct {
	sent   chan *protocol.Envelope
	closed atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan *protocol.Envelope, 64)}
}

func (f *fakeTransport) Send(env *protocol.Envelope) error {
	if f.closed.Load() {
		return ErrTransportClosed
	}
	f.sent <- env
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

type recordingObserver struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
}

func (r *recordingObserver) PluginConnected(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, conn.ID)
}

func (r *recordingObserver) PluginDisconnected(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, conn.ID)
}

func (r *recordingObserver) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.connected...), append([]string(nil), r.disconnected...)
}

func newTestManager(t *testing.T, cfg ManagerConfig, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	m, err := NewManager(cfg, opts...)
	require.NoError(t, err)
	return m
}

func panelParams(id string, priority int) protocol.RegisterParams {
	return protocol.RegisterParams{
		ID:      id,
		Name:    id,
		Version: "1.0.0",
		Capabilities: []protocol.CapabilitySpec{
			{Type: protocol.CapabilityVisitorPanel, Title: id, Priority: &priority},
		},
	}
}

// serve answers every request the manager writes to ft with handle.
func serve(t *testing.T, m *Manager, conn *Connection, ft *fakeTransport, handle func(*protocol.Envelope) *protocol.Envelope) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case <-done:
				return
			case env := <-ft.sent:
				if reply := handle(env); reply != nil {
					m.HandleResponse(conn, reply)
				}
			}
		}
	}()
}

func result(env *protocol.Envelope, v any) *protocol.Envelope {
	reply, err := protocol.NewResult(env.ID, v)
	if err != nil {
		panic(err)
	}
	return reply
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	first, err := m.Register(panelParams("crm", 10), newFakeTransport())
	require.NoError(t, err)

	_, err = m.Register(panelParams("crm", 10), newFakeTransport())
	require.ErrorIs(t, err, ErrDuplicate)

	got, ok := m.GetPlugin("crm")
	require.True(t, ok)
	require.Same(t, first, got)
}

func TestConcurrentRegisterKeepsOneConnection(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	const attempts = 16
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		rejected atomic.Int32
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Register(panelParams("contested", 10), newFakeTransport())
			if err == nil {
				accepted.Add(1)
				return
			}
			if errors.Is(err, ErrDuplicate) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, accepted.Load())
	require.EqualValues(t, attempts-1, rejected.Load())
	require.Len(t, m.ListPlugins(), 1)
}

func TestRegisterValidatesParams(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	conn, err := m.Register(protocol.RegisterParams{Name: "anonymous"}, newFakeTransport())
	require.NoError(t, err)
	require.NotEmpty(t, conn.ID)
	require.NotEqual(t, conn.ID, conn.SessionID)

	_, err = m.Register(protocol.RegisterParams{ID: "x"}, newFakeTransport())
	require.ErrorIs(t, err, ErrInvalidRegistration)

	_, err = m.Register(protocol.RegisterParams{ID: "bad:id", Name: "bad"}, newFakeTransport())
	require.ErrorIs(t, err, ErrInvalidRegistration)

	_, err = m.Register(protocol.RegisterParams{
		ID:           "weird",
		Name:         "weird",
		Capabilities: []protocol.CapabilitySpec{{Type: "hologram"}},
	}, newFakeTransport())
	require.ErrorIs(t, err, ErrInvalidRegistration)
	require.ErrorIs(t, err, ErrInvalidCapability)

	_, ok := m.GetPlugin("weird")
	require.False(t, ok)
}

func TestPolicyDeniesCapability(t *testing.T) {
	m := newTestManager(t, ManagerConfig{Policy: Policy{Denied: []Kind{KindSidebarIframe}}})

	_, err := m.Register(protocol.RegisterParams{
		ID:           "frame",
		Name:         "frame",
		Capabilities: []protocol.CapabilitySpec{{Type: protocol.CapabilitySidebarIframe, URL: "https://example.test"}},
	}, newFakeTransport())
	require.ErrorIs(t, err, ErrCapabilityDenied)

	_, err = NewManager(ManagerConfig{Policy: Policy{Allowed: []Kind{"hologram"}}})
	require.Error(t, err)
}

func TestPluginPolicyOverridesGlobalPolicy(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		Policy: Policy{Denied: []Kind{KindSidebarIframe}},
		PluginPolicies: map[string]Policy{
			"panel-only": {Allowed: []Kind{KindVisitorPanel}},
		},
	})
	priority := 1
	panelAndTools := []protocol.CapabilitySpec{
		{Type: protocol.CapabilityVisitorPanel, Title: "Card", Priority: &priority},
		{Type: protocol.CapabilityMCPTools, Tools: []protocol.ToolDefinition{{Name: "lookup"}}},
	}

	_, err := m.Register(protocol.RegisterParams{ID: "panel-only", Name: "restricted", Capabilities: panelAndTools}, newFakeTransport())
	require.ErrorIs(t, err, ErrCapabilityDenied)

	_, err = m.Register(protocol.RegisterParams{ID: "other", Name: "unrestricted", Capabilities: panelAndTools}, newFakeTransport())
	require.NoError(t, err)

	merged := m.cfg.PolicyFor("panel-only")
	assert.Equal(t, []Kind{KindSidebarIframe}, merged.Denied)

	_, err = NewManager(ManagerConfig{PluginPolicies: map[string]Policy{"x": {Denied: []Kind{"hologram"}}}})
	require.Error(t, err)
}

func TestSendRequestCorrelatesOutOfOrderResponses(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ft := newFakeTransport()
	conn, err := m.Register(panelParams("echo", 10), ft)
	require.NoError(t, err)

	// Hold both requests, then answer them newest first.
	go func() {
		first := <-ft.sent
		second := <-ft.sent
		m.HandleResponse(conn, result(second, json.RawMessage(second.Params)))
		m.HandleResponse(conn, result(first, json.RawMessage(first.Params)))
	}()

	var wg sync.WaitGroup
	results := make([]json.RawMessage, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.SendRequest(context.Background(), "echo", "event", map[string]int{"n": i}, time.Second)
		}()
	}
	wg.Wait()

	for i := range 2 {
		require.NoError(t, errs[i])
		var got map[string]int
		require.NoError(t, json.Unmarshal(results[i], &got))
		assert.Equal(t, i, got["n"])
	}
	assert.Zero(t, m.PendingRequests())
}

func TestSendRequestUsesMonotonicIDs(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ft := newFakeTransport()
	conn, err := m.Register(panelParams("ids", 10), ft)
	require.NoError(t, err)

	var seen []int64
	var mu sync.Mutex
	serve(t, m, conn, ft, func(env *protocol.Envelope) *protocol.Envelope {
		id, _ := env.IntID()
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
		return result(env, true)
	})

	for range 3 {
		_, err := m.SendRequest(context.Background(), "ids", "event", nil, time.Second)
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{1, 2, 3}, seen)
}

func TestSendRequestTimeoutDropsLateResponse(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ft := newFakeTransport()
	conn, err := m.Register(panelParams("slow", 10), ft)
	require.NoError(t, err)

	raw, err := m.SendRequest(context.Background(), "slow", protocol.MethodRender, nil, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Nil(t, raw)
	require.Zero(t, m.PendingRequests())

	late := <-ft.sent
	m.HandleResponse(conn, result(late, "too late"))
	require.Zero(t, m.PendingRequests())
}

func TestSendRequestRemoteError(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ft := newFakeTransport()
	conn, err := m.Register(panelParams("failing", 10), ft)
	require.NoError(t, err)
	serve(t, m, conn, ft, func(env *protocol.Envelope) *protocol.Envelope {
		return protocol.NewError(env.ID, protocol.CodeInternalError, "database down")
	})

	raw, err := m.SendRequest(context.Background(), "failing", protocol.MethodRender, nil, time.Second)
	require.ErrorIs(t, err, ErrRemote)
	require.Contains(t, err.Error(), "database down")
	require.Nil(t, raw)
}

func TestSendRequestUnknownPlugin(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	_, err := m.SendRequest(context.Background(), "ghost", protocol.MethodRender, nil, time.Second)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestSendRequestHonoursContext(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	_, err := m.Register(panelParams("ctx", 10), newFakeTransport())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.SendRequest(ctx, "ctx", protocol.MethodRender, nil, time.Second)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
}

func TestUnregisterCancelsPendingRequests(t *testing.T) {
	obs := &recordingObserver{}
	m := newTestManager(t, ManagerConfig{}, WithObserver(obs))
	ft := newFakeTransport()
	conn, err := m.Register(panelParams("bye", 10), ft)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.SendRequest(context.Background(), "bye", protocol.MethodRender, nil, 5*time.Second)
		errCh <- err
	}()
	<-ft.sent

	require.True(t, m.Unregister(conn))
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("pending request was not cancelled")
	}

	require.True(t, ft.closed.Load())
	require.True(t, conn.Closed())
	_, ok := m.GetPlugin("bye")
	require.False(t, ok)
	require.False(t, m.Unregister(conn))

	connected, disconnected := obs.snapshot()
	require.Equal(t, []string{"bye"}, connected)
	require.Equal(t, []string{"bye"}, disconnected)
}

func TestUnregisterStaleConnectionKeepsReplacement(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	old, err := m.Register(panelParams("crm", 10), newFakeTransport())
	require.NoError(t, err)
	require.True(t, m.Unregister(old))

	current, err := m.Register(panelParams("crm", 10), newFakeTransport())
	require.NoError(t, err)

	require.False(t, m.Unregister(old))
	got, ok := m.GetPlugin("crm")
	require.True(t, ok)
	require.Same(t, current, got)
}

func TestResponseRacingDisconnect(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	for range 100 {
		ft := newFakeTransport()
		conn, err := m.Register(panelParams("racy", 10), ft)
		require.NoError(t, err)

		errCh := make(chan error, 1)
		go func() {
			_, err := m.SendRequest(context.Background(), "racy", protocol.MethodRender, nil, 5*time.Second)
			errCh <- err
		}()
		req := <-ft.sent

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.HandleResponse(conn, result(req, protocol.RenderResult{Template: "ok"}))
		}()
		go func() {
			defer wg.Done()
			m.Unregister(conn)
		}()
		wg.Wait()

		select {
		case err := <-errCh:
			if err != nil {
				require.ErrorIs(t, err, ErrCancelled)
			}
		case <-time.After(time.Second):
			t.Fatal("request hung after disconnect")
		}
		require.Zero(t, m.PendingRequests())
	}
}

func TestRenderVisitorPanelsOrdersAndExcludesFailures(t *testing.T) {
	m := newTestManager(t, ManagerConfig{RequestTimeout: 200 * time.Millisecond})

	register := func(id string, priority int, handle func(*protocol.Envelope) *protocol.Envelope) {
		ft := newFakeTransport()
		conn, err := m.Register(panelParams(id, priority), ft)
		require.NoError(t, err)
		serve(t, m, conn, ft, handle)
	}
	ok := func(template string) func(*protocol.Envelope) *protocol.Envelope {
		return func(env *protocol.Envelope) *protocol.Envelope {
			return result(env, protocol.RenderResult{Template: template})
		}
	}

	register("thirty", 30, ok("t30"))
	register("ten", 10, ok("t10"))
	register("twenty", 20, func(env *protocol.Envelope) *protocol.Envelope {
		return protocol.NewError(env.ID, protocol.CodeInternalError, "boom")
	})
	register("malformed", 5, func(env *protocol.Envelope) *protocol.Envelope {
		return result(env, "not an object")
	})
	register("silent", 1, func(*protocol.Envelope) *protocol.Envelope { return nil })

	toolbarOnly := protocol.RegisterParams{
		ID:           "toolbar",
		Name:         "toolbar",
		Capabilities: []protocol.CapabilitySpec{{Type: protocol.CapabilityChatToolbar, Title: "Quote"}},
	}
	_, err := m.Register(toolbarOnly, newFakeTransport())
	require.NoError(t, err)

	panels := m.RenderVisitorPanels(context.Background(), protocol.RenderRequest{VisitorID: "v1", SessionID: "s1"})
	require.Len(t, panels, 2)
	assert.Equal(t, "ten", panels[0].PluginID)
	assert.Equal(t, "t10", panels[0].Template)
	assert.Equal(t, 10, panels[0].Priority)
	assert.Equal(t, "thirty", panels[1].PluginID)
	assert.Equal(t, 30, panels[1].Priority)
}

func TestRenderVisitorPanelsWithNoPlugins(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	require.Empty(t, m.RenderVisitorPanels(context.Background(), protocol.RenderRequest{}))
}

func TestGetChatToolbarButtonsSortedByPriority(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	low, high := 50, 5
	_, err := m.Register(protocol.RegisterParams{
		ID:   "quotes",
		Name: "quotes",
		Capabilities: []protocol.CapabilitySpec{
			{Type: protocol.CapabilityChatToolbar, ID: "send-quote", Title: "Quote", Priority: &low},
			{Type: protocol.CapabilityVisitorPanel},
		},
	}, newFakeTransport())
	require.NoError(t, err)
	_, err = m.Register(protocol.RegisterParams{
		ID:           "emoji",
		Name:         "emoji",
		Capabilities: []protocol.CapabilitySpec{{Type: protocol.CapabilityChatToolbar, Icon: "smile", Priority: &high}},
	}, newFakeTransport())
	require.NoError(t, err)

	buttons := m.GetChatToolbarButtons()
	require.Len(t, buttons, 2)
	require.Equal(t, "emoji", buttons[0].PluginID)
	require.Equal(t, "quotes", buttons[1].PluginID)
	require.Equal(t, "send-quote", buttons[1].CapabilityID)

	require.Len(t, m.GetPluginsByType(KindVisitorPanel), 1)
	require.Len(t, m.GetPluginsByType(KindMCPTools), 0)
}

func TestCallToolRejectsUndeclaredTool(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ft := newFakeTransport()
	conn, err := m.Register(protocol.RegisterParams{
		ID:   "weather",
		Name: "weather",
		Capabilities: []protocol.CapabilitySpec{{
			Type:  protocol.CapabilityMCPTools,
			Tools: []protocol.ToolDefinition{{Name: "forecast"}},
		}},
	}, ft)
	require.NoError(t, err)
	serve(t, m, conn, ft, func(env *protocol.Envelope) *protocol.Envelope {
		var call protocol.ToolCallRequest
		if err := json.Unmarshal(env.Params, &call); err != nil {
			return protocol.NewError(env.ID, protocol.CodeInvalidParams, err.Error())
		}
		return result(env, map[string]string{"tool": call.Tool, "sky": "clear"})
	})

	raw, err := m.CallTool(context.Background(), "weather", "forecast", json.RawMessage(`{"city":"Oslo"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"tool":"forecast","sky":"clear"}`, string(raw))

	_, err = m.CallTool(context.Background(), "weather", "delete_everything", nil)
	require.ErrorIs(t, err, ErrInvalidCapability)
}

func TestSendEventDecodesAction(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ft := newFakeTransport()
	conn, err := m.Register(panelParams("events", 10), ft)
	require.NoError(t, err)
	serve(t, m, conn, ft, func(env *protocol.Envelope) *protocol.Envelope {
		return result(env, protocol.EventResult{Action: "refresh"})
	})

	out, err := m.SendEvent(context.Background(), "events", protocol.EventRequest{EventType: "click", ActionID: "sync"})
	require.NoError(t, err)
	require.Equal(t, "refresh", out.Action)
}

func TestShutdownAllDisconnectsEveryPlugin(t *testing.T) {
	obs := &recordingObserver{}
	m := newTestManager(t, ManagerConfig{ShutdownTimeout: 100 * time.Millisecond}, WithObserver(obs))

	var acknowledged atomic.Int32
	polite := newFakeTransport()
	conn, err := m.Register(panelParams("polite", 10), polite)
	require.NoError(t, err)
	serve(t, m, conn, polite, func(env *protocol.Envelope) *protocol.Envelope {
		if env.Method == protocol.MethodShutdown {
			acknowledged.Add(1)
		}
		return result(env, true)
	})
	rude := newFakeTransport()
	_, err = m.Register(panelParams("rude", 20), rude)
	require.NoError(t, err)

	m.ShutdownAll(context.Background())

	require.Empty(t, m.ListPlugins())
	require.EqualValues(t, 1, acknowledged.Load())
	require.True(t, polite.closed.Load())
	require.True(t, rude.closed.Load())
	_, disconnected := obs.snapshot()
	require.ElementsMatch(t, []string{"polite", "rude"}, disconnected)
}

func TestStreamTransportClosedSend(t *testing.T) {
	pr, pw := io.Pipe()
	tr := NewStreamTransport(pw, 0)
	go func() {
		_, _ = io.Copy(io.Discard, pr)
	}()

	require.NoError(t, tr.Send(&protocol.Envelope{Method: "ping"}))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	require.True(t, errors.Is(tr.Send(&protocol.Envelope{Method: "ping"}), ErrTransportClosed))
}
