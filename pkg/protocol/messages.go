package protocol

import "encoding/json"

// Methods exchanged between host and plugin. Only MethodRegister is sent by
// the plugin; every other method is issued by the host.
const (
	MethodRegister = "register"
	MethodRender   = "render"
	MethodEvent    = "event"
	MethodCallTool = "call_tool"
	MethodShutdown = "shutdown"
)

// Capability type tags as they appear on the wire.
const (
	CapabilityVisitorPanel       = "visitor_panel"
	CapabilityChatToolbar        = "chat_toolbar"
	CapabilityMCPTools           = "mcp_tools"
	CapabilitySidebarIframe      = "sidebar_iframe"
	CapabilityChannelIntegration = "channel_integration"
)

// RegisterParams is the payload of the handshake message.
type RegisterParams struct {
	ID           string           `json:"id,omitempty"`
	Name         string           `json:"name"`
	Version      string           `json:"version"`
	Capabilities []CapabilitySpec `json:"capabilities"`
	Description  string           `json:"description,omitempty"`
	Author       string           `json:"author,omitempty"`
	DevToken     string           `json:"dev_token,omitempty"`
}

// RegisterResult is the host reply to a successful handshake.
type RegisterResult struct {
	Success     bool   `json:"success"`
	PluginID    string `json:"plugin_id"`
	HostVersion string `json:"host_version"`
}

// CapabilitySpec is the flat wire form of a capability. Which fields are
// meaningful depends on Type; the host resolves it into a typed variant at
// registration time.
type CapabilitySpec struct {
	Type     string           `json:"type"`
	ID       string           `json:"id,omitempty"`
	Title    string           `json:"title,omitempty"`
	Icon     string           `json:"icon,omitempty"`
	Priority *int             `json:"priority,omitempty"`
	Tooltip  string           `json:"tooltip,omitempty"`
	URL      string           `json:"url,omitempty"`
	Channel  string           `json:"channel,omitempty"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// ToolDefinition describes a callable tool exposed through an mcp_tools
// capability.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
}

// ToolParameter is one typed argument of a tool.
type ToolParameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// RenderRequest asks a plugin to render its panel for a visitor.
type RenderRequest struct {
	VisitorID string          `json:"visitor_id"`
	SessionID string          `json:"session_id"`
	Visitor   json.RawMessage `json:"visitor,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	ActionID  string          `json:"action_id,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
	Language  string          `json:"language,omitempty"`
}

// RenderResult is a rendered panel.
type RenderResult struct {
	Template string          `json:"template"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// EventRequest delivers a UI interaction to a plugin. Extra carries any
// additional fields supplied by the caller.
type EventRequest struct {
	EventType string          `json:"event_type"`
	ActionID  string          `json:"action_id"`
	VisitorID string          `json:"visitor_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// EventResult tells the host what to do after an event.
type EventResult struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ToolCallRequest invokes one of the plugin's declared tools.
type ToolCallRequest struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ShutdownParams is sent before the host drops a connection.
type ShutdownParams struct {
	Reason string `json:"reason,omitempty"`
}

// Environment variables the host injects into every supervised plugin
// process. EnvNetwork is "unix" or "tcp"; EnvAddress is the socket path or
// host:port to dial.
const (
	EnvPluginID = "PLUGIN_ID"
	EnvNetwork  = "PLUGIN_HOST_NETWORK"
	EnvAddress  = "PLUGIN_HOST_ADDRESS"
	EnvDevToken = "PLUGIN_DEV_TOKEN"
)
