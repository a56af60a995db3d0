package plugin

import (
	"errors"
	"fmt"
	"strings"

	"plugin-runtime/pkg/protocol"
)

// Kind is the closed set of capability categories a plugin can declare.
type Kind string

const (
	KindVisitorPanel       Kind = protocol.CapabilityVisitorPanel
	KindChatToolbar        Kind = protocol.CapabilityChatToolbar
	KindMCPTools           Kind = protocol.CapabilityMCPTools
	KindSidebarIframe      Kind = protocol.CapabilitySidebarIframe
	KindChannelIntegration Kind = protocol.CapabilityChannelIntegration
)

// DefaultPriority is used when a capability does not declare one. Lower
// priorities render first.
const DefaultPriority = 100

// Valid reports whether k is a known capability kind.
func (k Kind) Valid() bool {
	switch k {
	case KindVisitorPanel, KindChatToolbar, KindMCPTools, KindSidebarIframe, KindChannelIntegration:
		return true
	default:
		return false
	}
}

// Capability is implemented by exactly the variant types below.
type Capability interface {
	Kind() Kind
	// Spec converts the capability back into its wire form.
	Spec() protocol.CapabilitySpec
}

// VisitorPanel renders a panel next to the visitor profile.
type VisitorPanel struct {
	ID       string
	Title    string
	Icon     string
	Priority int
}

// ChatToolbar adds a button to the chat composer toolbar.
type ChatToolbar struct {
	ID       string
	Title    string
	Icon     string
	Tooltip  string
	Priority int
}

// MCPTools exposes callable tools to the AI layer.
type MCPTools struct {
	Tools []protocol.ToolDefinition
}

// SidebarIframe embeds a plugin-hosted page in the agent sidebar.
type SidebarIframe struct {
	ID       string
	Title    string
	Icon     string
	URL      string
	Priority int
}

// ChannelIntegration connects an external messaging channel.
type ChannelIntegration struct {
	ID      string
	Title   string
	Icon    string
	Channel string
}

func (VisitorPanel) Kind() Kind       { return KindVisitorPanel }
func (ChatToolbar) Kind() Kind        { return KindChatToolbar }
func (MCPTools) Kind() Kind           { return KindMCPTools }
func (SidebarIframe) Kind() Kind      { return KindSidebarIframe }
func (ChannelIntegration) Kind() Kind { return KindChannelIntegration }

func (c VisitorPanel) Spec() protocol.CapabilitySpec {
	return protocol.CapabilitySpec{Type: string(c.Kind()), ID: c.ID, Title: c.Title, Icon: c.Icon, Priority: intPtr(c.Priority)}
}

func (c ChatToolbar) Spec() protocol.CapabilitySpec {
	return protocol.CapabilitySpec{Type: string(c.Kind()), ID: c.ID, Title: c.Title, Icon: c.Icon, Tooltip: c.Tooltip, Priority: intPtr(c.Priority)}
}

func (c MCPTools) Spec() protocol.CapabilitySpec {
	return protocol.CapabilitySpec{Type: string(c.Kind()), Tools: append([]protocol.ToolDefinition(nil), c.Tools...)}
}

func (c SidebarIframe) Spec() protocol.CapabilitySpec {
	return protocol.CapabilitySpec{Type: string(c.Kind()), ID: c.ID, Title: c.Title, Icon: c.Icon, URL: c.URL, Priority: intPtr(c.Priority)}
}

func (c ChannelIntegration) Spec() protocol.CapabilitySpec {
	return protocol.CapabilitySpec{Type: string(c.Kind()), ID: c.ID, Title: c.Title, Icon: c.Icon, Channel: c.Channel}
}

// ErrInvalidCapability is wrapped by every capability resolution failure.
var ErrInvalidCapability = errors.New("invalid capability")

// ResolveCapability turns a wire capability into its typed variant.
func ResolveCapability(spec protocol.CapabilitySpec) (Capability, error) {
	priority := DefaultPriority
	if spec.Priority != nil {
		priority = *spec.Priority
	}
	switch Kind(spec.Type) {
	case KindVisitorPanel:
		return VisitorPanel{ID: spec.ID, Title: spec.Title, Icon: spec.Icon, Priority: priority}, nil
	case KindChatToolbar:
		if strings.TrimSpace(spec.Title) == "" && strings.TrimSpace(spec.Icon) == "" {
			return nil, fmt.Errorf("%w: chat_toolbar needs a title or an icon", ErrInvalidCapability)
		}
		return ChatToolbar{ID: spec.ID, Title: spec.Title, Icon: spec.Icon, Tooltip: spec.Tooltip, Priority: priority}, nil
	case KindMCPTools:
		if err := validateTools(spec.Tools); err != nil {
			return nil, err
		}
		return MCPTools{Tools: append([]protocol.ToolDefinition(nil), spec.Tools...)}, nil
	case KindSidebarIframe:
		if strings.TrimSpace(spec.URL) == "" {
			return nil, fmt.Errorf("%w: sidebar_iframe requires a url", ErrInvalidCapability)
		}
		return SidebarIframe{ID: spec.ID, Title: spec.Title, Icon: spec.Icon, URL: spec.URL, Priority: priority}, nil
	case KindChannelIntegration:
		if strings.TrimSpace(spec.Channel) == "" {
			return nil, fmt.Errorf("%w: channel_integration requires a channel", ErrInvalidCapability)
		}
		return ChannelIntegration{ID: spec.ID, Title: spec.Title, Icon: spec.Icon, Channel: spec.Channel}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidCapability, spec.Type)
	}
}

// ResolveCapabilities resolves every declared capability, preserving order.
func ResolveCapabilities(specs []protocol.CapabilitySpec) ([]Capability, error) {
	caps := make([]Capability, 0, len(specs))
	for i, spec := range specs {
		c, err := ResolveCapability(spec)
		if err != nil {
			return nil, fmt.Errorf("capability %d: %w", i, err)
		}
		caps = append(caps, c)
	}
	return caps, nil
}

func validateTools(tools []protocol.ToolDefinition) error {
	if len(tools) == 0 {
		return fmt.Errorf("%w: mcp_tools declares no tools", ErrInvalidCapability)
	}
	seen := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		if !validName(tool.Name) {
			return fmt.Errorf("%w: invalid tool name %q", ErrInvalidCapability, tool.Name)
		}
		if _, dup := seen[tool.Name]; dup {
			return fmt.Errorf("%w: duplicate tool %q", ErrInvalidCapability, tool.Name)
		}
		seen[tool.Name] = struct{}{}
		for _, param := range tool.Parameters {
			if strings.TrimSpace(param.Name) == "" {
				return fmt.Errorf("%w: tool %q has an unnamed parameter", ErrInvalidCapability, tool.Name)
			}
		}
	}
	return nil
}

// validName accepts identifiers that are safe inside the colon-separated
// namespaced tool names used by the tool catalog.
func validName(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case (r == '_' || r == '-' || r == '.') && i > 0:
		default:
			return false
		}
	}
	return true
}

func intPtr(v int) *int { return &v }
