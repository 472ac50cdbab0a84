package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCapabilitiesNilReceiverReportsNoSupport(t *testing.T) {
	var c *Capabilities
	require.False(t, c.HasSampling())
	require.False(t, c.HasElicitation())
	require.False(t, c.HasRoots())
	require.False(t, c.HasLogging())
	require.False(t, c.HasPrompts())
	require.False(t, c.HasTools())
	require.False(t, c.SupportsResourceSubscribe())
}

func TestCapabilitiesDeclaredFlags(t *testing.T) {
	c := &Capabilities{
		Sampling:    &SamplingCapability{},
		Elicitation: &ElicitationCapability{},
		Roots:       &RootsCapability{ListChanged: true},
		Logging:     &LoggingCapability{},
		Prompts:     &ListChangedCapability{ListChanged: true},
		Tools:       &ListChangedCapability{},
		Resources:   &ResourcesCapability{Subscribe: true},
	}
	require.True(t, c.HasSampling())
	require.True(t, c.HasElicitation())
	require.True(t, c.HasRoots())
	require.True(t, c.HasLogging())
	require.True(t, c.HasPrompts())
	require.True(t, c.HasTools())
	require.True(t, c.SupportsResourceSubscribe())
}

func TestResourcesCapabilityWithoutSubscribeFlag(t *testing.T) {
	c := &Capabilities{Resources: &ResourcesCapability{ListChanged: true}}
	require.False(t, c.SupportsResourceSubscribe())
}
