package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/duplexmcp/duplexmcp/eventstore"
)

// DNSRebindingProtection selects how a streaming HTTP endpoint validates
// inbound Origin/Host headers. It lives here (rather than only in
// streamhttp) because ServerOptions is the single place the full
// configuration surface from spec §6 is collected. The field the streaming
// HTTP handler consults is streamhttp.HandlerOptions.DNSRebindingProtection;
// ServerOptions.DNSRebindingProtection is not read.
type DNSRebindingProtection string

const (
	DNSRebindingProtectionNone            DNSRebindingProtection = "none"
	DNSRebindingProtectionHostAllowlist   DNSRebindingProtection = "hostAllowlist"
	DNSRebindingProtectionOriginAllowlist DNSRebindingProtection = "originAllowlist"
)

// InitializeHookFunc runs after a client's initialize request is parsed and
// before the server answers it. Returning an error fails the handshake with
// InvalidRequest.
type InitializeHookFunc func(ctx context.Context, clientInfo *Implementation, capabilities *Capabilities) error

// ServerOptions configures a Server. A nil *ServerOptions is equivalent to
// &ServerOptions{} — every field has a usable zero value.
type ServerOptions struct {
	// Capabilities declared by this server during initialize. Nil means no
	// capabilities are declared.
	Capabilities *Capabilities

	// Strict selects pre-init gating mode: true rejects every non-ping,
	// non-initialize request before the client sends
	// notifications/initialized; false processes requests normally even
	// before that point. Nil defaults to strict — the safer behavior — so
	// the zero-value &ServerOptions{} still gates correctly.
	Strict *bool

	// InitializeHook, if set, runs during the initialize handshake; see
	// InitializeHookFunc.
	InitializeHook InitializeHookFunc

	// OnDisconnect runs exactly once when the session's receive loop ends,
	// for any reason.
	OnDisconnect func()

	// DebouncedNotificationMethods lists notification methods that coalesce
	// rapid-fire sends into one flush; see rpc.Engine.SetDebouncedMethods.
	DebouncedNotificationMethods []string

	// RetryInterval holds retry guidance for reconnecting streaming HTTP
	// clients. Neither this package nor streamhttp.Handler reads it.
	RetryInterval time.Duration

	// SessionIDGenerator holds a session ID generator for the streaming HTTP
	// transport. Neither this package nor streamhttp.Handler reads it; the
	// handler uses HandlerOptions.SessionIDGenerator (uuid-based by default).
	SessionIDGenerator func() string

	// EventStore holds an event store for resumable SSE streams. Neither
	// this package nor streamhttp.Handler reads it; the handler uses
	// HandlerOptions.EventStore.
	EventStore eventstore.Store

	// DNSRebindingProtection, AllowedHosts and AllowedOrigins hold Origin/Host
	// validation settings. Neither this package nor streamhttp.Handler reads
	// them; the handler uses the same-named HandlerOptions fields, whose
	// protection mode defaults to host-allowlist.
	DNSRebindingProtection DNSRebindingProtection
	AllowedHosts           []string
	AllowedOrigins         []string

	// SupportedProtocolVersions is the ordered set of protocol versions this
	// server accepts, used for negotiation. Empty selects the module's full
	// default set. A request for a version outside the set is answered with
	// LatestProtocolVersion, whether or not the set contains it.
	SupportedProtocolVersions []string

	Logger *slog.Logger
}

func (o *ServerOptions) orDefaults() *ServerOptions {
	if o == nil {
		return &ServerOptions{}
	}
	return o
}

// isStrict resolves the Strict tri-state to a bool, defaulting to true.
func (o *ServerOptions) isStrict() bool {
	return o.Strict == nil || *o.Strict
}

// ClientOptions configures a Client. A nil *ClientOptions is equivalent to
// &ClientOptions{}.
type ClientOptions struct {
	// Capabilities declared by this client during initialize.
	Capabilities *Capabilities

	// OnDisconnect runs exactly once when the session's receive loop ends.
	OnDisconnect func()

	DebouncedNotificationMethods []string

	Logger *slog.Logger
}

func (o *ClientOptions) orDefaults() *ClientOptions {
	if o == nil {
		return &ClientOptions{}
	}
	return o
}

// SessionOptions configures one Connect call.
type SessionOptions struct {
	// ProtocolVersion is the version a client requests during initialize.
	// Empty selects LatestProtocolVersion. Ignored by Server.Connect.
	ProtocolVersion string
}

func (o *SessionOptions) orDefaults() *SessionOptions {
	if o == nil {
		return &SessionOptions{}
	}
	return o
}
