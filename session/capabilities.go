package session

// Capabilities describes what an endpoint declared it supports during
// initialize. Concrete MCP capability bodies (tool schemas, resource
// templates, etc.) are out of scope for this runtime; only the shape
// needed to gate runtime behavior — whether a capability was declared at
// all, and its handful of own sub-flags — is modeled.
type Capabilities struct {
	Experimental map[string]any         `json:"experimental,omitempty"`
	Roots        *RootsCapability       `json:"roots,omitempty"`
	Sampling     *SamplingCapability    `json:"sampling,omitempty"`
	Elicitation  *ElicitationCapability `json:"elicitation,omitempty"`
	Logging      *LoggingCapability     `json:"logging,omitempty"`
	Prompts      *ListChangedCapability `json:"prompts,omitempty"`
	Resources    *ResourcesCapability   `json:"resources,omitempty"`
	Tools        *ListChangedCapability `json:"tools,omitempty"`
}

// RootsCapability describes client support for filesystem roots.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability describes client support for server-initiated LLM
// sampling requests. It carries no sub-flags of its own; presence is the
// signal.
type SamplingCapability struct{}

// ElicitationCapability describes client support for server-initiated
// elicitation requests.
type ElicitationCapability struct{}

// LoggingCapability describes server support for log message
// notifications.
type LoggingCapability struct{}

// ListChangedCapability is the common shape for prompts/tools list-changed
// support.
type ListChangedCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability describes server support for resources, including
// subscribe/unsubscribe.
type ResourcesCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
	Subscribe   bool `json:"subscribe,omitempty"`
}

// HasSampling reports whether c declares sampling support. A nil receiver
// reports false, so callers can check an absent peer's capabilities
// without a preceding nil check.
func (c *Capabilities) HasSampling() bool { return c != nil && c.Sampling != nil }

// HasElicitation reports whether c declares elicitation support.
func (c *Capabilities) HasElicitation() bool { return c != nil && c.Elicitation != nil }

// HasRoots reports whether c declares roots support.
func (c *Capabilities) HasRoots() bool { return c != nil && c.Roots != nil }

// HasLogging reports whether c declares logging support.
func (c *Capabilities) HasLogging() bool { return c != nil && c.Logging != nil }

// HasPrompts reports whether c declares prompts support.
func (c *Capabilities) HasPrompts() bool { return c != nil && c.Prompts != nil }

// HasTools reports whether c declares tools support.
func (c *Capabilities) HasTools() bool { return c != nil && c.Tools != nil }

// SupportsResourceSubscribe reports whether c declares resources support
// with the subscribe sub-flag set.
func (c *Capabilities) SupportsResourceSubscribe() bool {
	return c != nil && c.Resources != nil && c.Resources.Subscribe
}

// LoggingLevel is an RFC-5424 syslog severity name, ordered from most to
// least verbose.
type LoggingLevel string

const (
	LogLevelDebug     LoggingLevel = "debug"
	LogLevelInfo      LoggingLevel = "info"
	LogLevelNotice    LoggingLevel = "notice"
	LogLevelWarning   LoggingLevel = "warning"
	LogLevelError     LoggingLevel = "error"
	LogLevelCritical  LoggingLevel = "critical"
	LogLevelAlert     LoggingLevel = "alert"
	LogLevelEmergency LoggingLevel = "emergency"
)

var loggingLevelRank = map[LoggingLevel]int{
	LogLevelDebug:     0,
	LogLevelInfo:      1,
	LogLevelNotice:    2,
	LogLevelWarning:   3,
	LogLevelError:     4,
	LogLevelCritical:  5,
	LogLevelAlert:     6,
	LogLevelEmergency: 7,
}

// belowMinimum reports whether level is strictly less severe than min, so
// it should be dropped at the source. An unrecognized level is never
// considered below any minimum — we don't silently swallow log traffic we
// can't classify.
func belowMinimum(level, min LoggingLevel) bool {
	lr, ok := loggingLevelRank[level]
	if !ok {
		return false
	}
	mr, ok := loggingLevelRank[min]
	if !ok {
		return false
	}
	return lr < mr
}
