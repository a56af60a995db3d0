package plugin

import (
	"testing"

	"github.com/stretchr/testify/require"

	"plugin-runtime/pkg/protocol"
)

func TestResolveCapabilityVariants(t *testing.T) {
	priority := 7
	cases := []struct {
		name string
		spec protocol.CapabilitySpec
		want Capability
	}{
		{
			name: "visitor panel defaults priority",
			spec: protocol.CapabilitySpec{Type: protocol.CapabilityVisitorPanel, Title: "CRM"},
			want: VisitorPanel{Title: "CRM", Priority: DefaultPriority},
		},
		{
			name: "chat toolbar",
			spec: protocol.CapabilitySpec{Type: protocol.CapabilityChatToolbar, ID: "b", Icon: "star", Priority: &priority},
			want: ChatToolbar{ID: "b", Icon: "star", Priority: 7},
		},
		{
			name: "sidebar",
			spec: protocol.CapabilitySpec{Type: protocol.CapabilitySidebarIframe, URL: "https://crm.test/embed"},
			want: SidebarIframe{URL: "https://crm.test/embed", Priority: DefaultPriority},
		},
		{
			name: "channel",
			spec: protocol.CapabilitySpec{Type: protocol.CapabilityChannelIntegration, Channel: "whatsapp"},
			want: ChannelIntegration{Channel: "whatsapp"},
		},
		{
			name: "tools",
			spec: protocol.CapabilitySpec{Type: protocol.CapabilityMCPTools, Tools: []protocol.ToolDefinition{{Name: "lookup_order"}}},
			want: MCPTools{Tools: []protocol.ToolDefinition{{Name: "lookup_order"}}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveCapability(tc.spec)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.spec.Type, got.Spec().Type)
		})
	}
}

func TestResolveCapabilityRejectsInvalid(t *testing.T) {
	cases := map[string]protocol.CapabilitySpec{
		"unknown type":     {Type: "hologram"},
		"empty type":       {},
		"toolbar no label": {Type: protocol.CapabilityChatToolbar},
		"sidebar no url":   {Type: protocol.CapabilitySidebarIframe},
		"channel missing":  {Type: protocol.CapabilityChannelIntegration},
		"no tools":         {Type: protocol.CapabilityMCPTools},
		"tool with colon":  {Type: protocol.CapabilityMCPTools, Tools: []protocol.ToolDefinition{{Name: "a:b"}}},
		"duplicate tool": {Type: protocol.CapabilityMCPTools, Tools: []protocol.ToolDefinition{
			{Name: "same"}, {Name: "same"},
		}},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ResolveCapability(spec)
			require.ErrorIs(t, err, ErrInvalidCapability)
		})
	}
}

func TestPolicyAllowList(t *testing.T) {
	p := Policy{Allowed: []Kind{KindVisitorPanel}}
	require.NoError(t, p.Admit([]Capability{VisitorPanel{}}))
	require.ErrorIs(t, p.Admit([]Capability{VisitorPanel{}, MCPTools{}}), ErrCapabilityDenied)
}
