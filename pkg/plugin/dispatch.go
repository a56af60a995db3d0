package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"plugin-runtime/pkg/protocol"
)

// Panel is one rendered visitor panel.
type Panel struct {
	PluginID   string          `json:"plugin_id"`
	PluginName string          `json:"plugin_name"`
	Priority   int             `json:"priority"`
	Template   string          `json:"template"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ToolbarButton is a chat toolbar capability flattened for the UI.
type ToolbarButton struct {
	PluginID     string `json:"plugin_id"`
	CapabilityID string `json:"capability_id,omitempty"`
	Title        string `json:"title,omitempty"`
	Icon         string `json:"icon,omitempty"`
	Tooltip      string `json:"tooltip,omitempty"`
	Priority     int    `json:"priority"`
}

// Render asks a single plugin to render its visitor panel.
func (m *Manager) Render(ctx context.Context, pluginID string, req protocol.RenderRequest) (*protocol.RenderResult, error) {
	raw, err := m.SendRequest(ctx, pluginID, protocol.MethodRender, req, 0)
	if err != nil {
		return nil, err
	}
	var out protocol.RenderResult
	if err := decodeResult(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendEvent delivers a UI event to a plugin and returns its instructions.
func (m *Manager) SendEvent(ctx context.Context, pluginID string, req protocol.EventRequest) (*protocol.EventResult, error) {
	raw, err := m.SendRequest(ctx, pluginID, protocol.MethodEvent, req, 0)
	if err != nil {
		return nil, err
	}
	var out protocol.EventResult
	if err := decodeResult(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CallTool invokes one of the plugin's declared tools and returns the raw
// result. Tools the plugin never declared are rejected locally.
func (m *Manager) CallTool(ctx context.Context, pluginID, tool string, args json.RawMessage) (json.RawMessage, error) {
	conn, ok := m.GetPlugin(pluginID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, pluginID)
	}
	declared := false
	for _, t := range conn.Tools() {
		if t.Name == tool {
			declared = true
			break
		}
	}
	if !declared {
		return nil, fmt.Errorf("%w: tool %q is not declared by %s", ErrInvalidCapability, tool, pluginID)
	}
	return m.SendRequest(ctx, pluginID, protocol.MethodCallTool, protocol.ToolCallRequest{Tool: tool, Arguments: args}, 0)
}

// RenderVisitorPanels renders every visitor panel concurrently. Plugins that
// fail, time out or panic are left out; the rest are ordered by priority.
func (m *Manager) RenderVisitorPanels(ctx context.Context, req protocol.RenderRequest) []Panel {
	targets := m.GetPluginsByType(KindVisitorPanel)
	slots := make([]*Panel, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, conn := range targets {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("渲染面板时发生 panic", slog.String("plugin_id", conn.ID), slog.Any("panic", r))
				}
			}()
			res, err := m.Render(gctx, conn.ID, req)
			if err != nil {
				m.logger.Warn("面板渲染失败", slog.String("plugin_id", conn.ID), slog.Any("error", err))
				return nil
			}
			slots[i] = &Panel{
				PluginID:   conn.ID,
				PluginName: conn.Name,
				Priority:   conn.panelPriority(),
				Template:   res.Template,
				Data:       res.Data,
			}
			return nil
		})
	}
	_ = g.Wait()

	panels := make([]Panel, 0, len(slots))
	for _, p := range slots {
		if p != nil {
			panels = append(panels, *p)
		}
	}
	sort.SliceStable(panels, func(i, j int) bool {
		if panels[i].Priority != panels[j].Priority {
			return panels[i].Priority < panels[j].Priority
		}
		return panels[i].PluginID < panels[j].PluginID
	})
	return panels
}

// GetChatToolbarButtons lists every chat toolbar capability ordered by
// priority.
func (m *Manager) GetChatToolbarButtons() []ToolbarButton {
	var buttons []ToolbarButton
	for _, conn := range m.GetPluginsByType(KindChatToolbar) {
		for _, capability := range conn.Capabilities {
			tb, ok := capability.(ChatToolbar)
			if !ok {
				continue
			}
			buttons = append(buttons, ToolbarButton{
				PluginID:     conn.ID,
				CapabilityID: tb.ID,
				Title:        tb.Title,
				Icon:         tb.Icon,
				Tooltip:      tb.Tooltip,
				Priority:     tb.Priority,
			})
		}
	}
	sort.SliceStable(buttons, func(i, j int) bool {
		if buttons[i].Priority != buttons[j].Priority {
			return buttons[i].Priority < buttons[j].Priority
		}
		return buttons[i].PluginID < buttons[j].PluginID
	})
	return buttons
}

func decodeResult(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty result", ErrMalformedResponse)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
