package toolsync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugin-runtime/pkg/plugin"
	"plugin-runtime/pkg/protocol"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type nopTransport struct{}

func (nopTransport) Send(*protocol.Envelope) error { return nil }
func (nopTransport) Close() error                  { return nil }

func toolParams(id string, tools ...string) protocol.RegisterParams {
	defs := make([]protocol.ToolDefinition, 0, len(tools))
	for _, name := range tools {
		defs = append(defs, protocol.ToolDefinition{
			Name:       name,
			Title:      strings.ToUpper(name),
			Parameters: []protocol.ToolParameter{{Name: "query", Type: "string", Required: true}},
		})
	}
	return protocol.RegisterParams{
		ID:           id,
		Name:         id,
		Capabilities: []protocol.CapabilitySpec{{Type: protocol.CapabilityMCPTools, Tools: defs}},
	}
}

func names(tools []Tool) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Name)
	}
	return out
}

func TestDisconnectRemovesOnlyOwnPrefix(t *testing.T) {
	catalog := NewMemoryCatalog()
	bridge := NewBridge(catalog, WithLogger(discard))
	mgr, err := plugin.NewManager(plugin.ManagerConfig{}, plugin.WithLogger(discard), plugin.WithObserver(bridge))
	require.NoError(t, err)

	p1, err := mgr.Register(toolParams("p1", "lookup", "refund"), nopTransport{})
	require.NoError(t, err)
	_, err = mgr.Register(toolParams("p2", "lookup"), nopTransport{})
	require.NoError(t, err)
	// p10 shares the textual prefix "plugin:p1" but not "plugin:p1:".
	_, err = mgr.Register(toolParams("p10", "lookup"), nopTransport{})
	require.NoError(t, err)
	_, err = mgr.Register(protocol.RegisterParams{ID: "panel", Name: "panel"}, nopTransport{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(catalog.List()) == 4 }, time.Second, 5*time.Millisecond)
	tool, ok := catalog.Get("plugin:p1:refund")
	require.True(t, ok)
	assert.Equal(t, "plugin://p1/refund", tool.Endpoint)
	assert.Equal(t, "REFUND", tool.Title)
	require.Len(t, tool.Parameters, 1)

	require.True(t, mgr.Unregister(p1))
	require.NoError(t, bridge.Close(context.Background()))

	assert.Equal(t, []string{"plugin:p10:lookup", "plugin:p2:lookup"}, names(catalog.List()))
}

type failingCatalog struct {
	mu    sync.Mutex
	calls int
}

func (f *failingCatalog) RegisterTool(context.Context, Tool) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return &APIError{StatusCode: 503, Message: "down"}
}

func (f *failingCatalog) DeleteByPrefix(context.Context, string) (int, error) {
	panic("catalog exploded")
}

func TestSyncFailuresNeverBlockRegistration(t *testing.T) {
	catalog := &failingCatalog{}
	bridge := NewBridge(catalog, WithLogger(discard), WithQueueSize(1))
	mgr, err := plugin.NewManager(plugin.ManagerConfig{}, plugin.WithLogger(discard), plugin.WithObserver(bridge))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			conn, err := mgr.Register(toolParams("p", "t1", "t2"), nopTransport{})
			if err == nil {
				mgr.Unregister(conn)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("registration blocked on tool sync")
	}
	require.NoError(t, bridge.Close(context.Background()))
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	assert.Positive(t, catalog.calls)
}

// catalogServer is a minimal catalog backed by MemoryCatalog.
func catalogServer(t *testing.T, token string) (*httptest.Server, *MemoryCatalog) {
	t.Helper()
	store := NewMemoryCatalog()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tools" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": "UNAUTHORIZED", "message": "bad token"}})
			return
		}
		switch r.Method {
		case http.MethodPost:
			var tool Tool
			if err := json.NewDecoder(r.Body).Decode(&tool); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = store.RegisterTool(r.Context(), tool)
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			n, _ := store.DeleteByPrefix(r.Context(), r.URL.Query().Get("prefix"))
			_ = json.NewEncoder(w).Encode(map[string]int{"deleted": n})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, store
}

func TestHTTPCatalogPrefixIsolation(t *testing.T) {
	srv, store := catalogServer(t, "tok")
	catalog, err := NewHTTPCatalog(srv.URL+"/api/v1", "tok", srv.Client())
	require.NoError(t, err)

	ctx := context.Background()
	for _, name := range []string{"plugin:p1:a", "plugin:p1:b", "plugin:p2:a"} {
		require.NoError(t, catalog.RegisterTool(ctx, Tool{Name: name}))
	}
	n, err := catalog.DeleteByPrefix(ctx, Prefix("p1"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"plugin:p2:a"}, names(store.List()))
}

func TestHTTPCatalogReportsAPIError(t *testing.T) {
	srv, _ := catalogServer(t, "tok")
	catalog, err := NewHTTPCatalog(srv.URL+"/api/v1", "wrong", nil)
	require.NoError(t, err)

	err = catalog.RegisterTool(context.Background(), Tool{Name: "plugin:x:y"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", apiErr.Code)

	_, err = NewHTTPCatalog("ftp://catalog", "", nil)
	require.Error(t, err)
}
