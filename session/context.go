package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/duplexmcp/duplexmcp/jsonrpc"
	"github.com/duplexmcp/duplexmcp/rpc"
)

// methodProgressNotification and methodLogMessage are well-known MCP
// notification methods. They're duplicated here (rather than imported from
// package rpc, which also recognizes notifications/progress for its own
// routing purposes) because this is the application-facing surface for
// constructing them, independent of the engine's internal dispatch.
const (
	methodProgressNotification       = "notifications/progress"
	methodLogMessage                 = "notifications/message"
	methodResourceUpdated            = "notifications/resources/updated"
	methodResourceListChanged        = "notifications/resources/list_changed"
	methodPromptListChanged          = "notifications/prompts/list_changed"
	methodToolListChanged            = "notifications/tools/list_changed"
	methodSamplingCreateMessage      = "sampling/createMessage"
	methodElicitationCreate          = "elicitation/create"
	methodRootsList                  = "roots/list"
	methodLoggingSetLevel            = "logging/setLevel"
	methodInitialize                 = "initialize"
	methodInitializedNotification    = "notifications/initialized"
	methodPing                       = "ping"
)

// capabilityGate is implemented by ServerSession and ClientSession so a
// RequestContext can consult the owning endpoint's own declared
// capabilities and the peer's configured logging floor without depending
// on either concrete type.
type capabilityGate interface {
	ownCapabilities() *Capabilities
	peerMinLogLevel() (LoggingLevel, bool)
}

// RequestContext is passed by reference to every request and notification
// handler. It carries the request's identity and metadata plus a
// convenience surface for talking back to the peer over the same
// transport channel the inbound message arrived on — captured at handler
// invocation time, so a later transport swap never misroutes a reply.
type RequestContext struct {
	ctx    context.Context
	engine *rpc.Engine
	logger *slog.Logger
	gate   capabilityGate

	requestID   jsonrpc.ID
	sessionID   string
	meta        json.RawMessage
	authInfo    any
	requestInfo any

	releaseResponseStream     func()
	releaseNotificationStream func()
}

func newRequestContext(ctx context.Context, engine *rpc.Engine, logger *slog.Logger, gate capabilityGate, reqID jsonrpc.ID, sessionID string, meta json.RawMessage) *RequestContext {
	return &RequestContext{
		ctx:       ctx,
		engine:    engine,
		logger:    logger,
		gate:      gate,
		requestID: reqID,
		sessionID: sessionID,
		meta:      meta,
	}
}

// attachTransportMetadata populates rc's AuthInfo/RequestInfo from conn, if
// conn implements rpc.MetadataSource (the streaming HTTP transport does;
// stdio, in-memory, and websocket carry no such per-message context and
// leave both nil). Notification contexts pass the invalid request ID and
// are left untouched, since metadata is recorded per request, not per
// connection.
func attachTransportMetadata(rc *RequestContext, conn rpc.Connection, reqID jsonrpc.ID) {
	if !reqID.IsValid() {
		return
	}
	ms, ok := conn.(rpc.MetadataSource)
	if !ok {
		return
	}
	authInfo, requestInfo := ms.RequestMetadata(reqID)
	rc.withAuthInfo(authInfo).withRequestInfo(requestInfo)
}

// attachStreamReleasers wires rc's CloseResponseStream/CloseNotificationStream
// to conn's real release hooks, if conn implements rpc.StreamReleaser (the
// streaming HTTP transport does). A notification context (invalid reqID)
// has no per-request response stream of its own, so only the notification
// releaser is wired for it. Transports without this notion leave both
// closures nil, and the Close* methods stay the documented no-op.
func attachStreamReleasers(rc *RequestContext, conn rpc.Connection, reqID jsonrpc.ID) {
	sr, ok := conn.(rpc.StreamReleaser)
	if !ok {
		return
	}
	if reqID.IsValid() {
		rc.releaseResponseStream = func() { sr.ReleaseResponseStream(reqID) }
	}
	rc.releaseNotificationStream = sr.ReleaseNotificationStream
}

// Context returns the handler's context, already cancellation-linked to
// this request's lifetime (see CheckCancellation).
func (c *RequestContext) Context() context.Context { return c.ctx }

// RequestID returns the JSON-RPC ID of the request this context was
// created for, or the invalid ID for a notification handler.
func (c *RequestContext) RequestID() jsonrpc.ID { return c.requestID }

// SessionID returns the transport-level session identifier, or "" if the
// transport has no notion of sessions.
func (c *RequestContext) SessionID() string { return c.sessionID }

// Meta returns the raw "_meta" object from the inbound request's params,
// or nil if none was present.
func (c *RequestContext) Meta() json.RawMessage { return c.meta }

// AuthInfo returns whatever opaque authentication context the transport
// attached to the inbound message, or nil.
func (c *RequestContext) AuthInfo() any { return c.authInfo }

// RequestInfo returns whatever opaque transport-level request metadata
// (e.g. HTTP headers) was attached to the inbound message, or nil.
func (c *RequestContext) RequestInfo() any { return c.requestInfo }

// withAuthInfo and withRequestInfo let the session layer attach
// transport-supplied metadata before handing the context to a handler.
func (c *RequestContext) withAuthInfo(v any) *RequestContext    { c.authInfo = v; return c }
func (c *RequestContext) withRequestInfo(v any) *RequestContext { c.requestInfo = v; return c }

// SendNotification emits method/params tagged with this request's
// relatedRequestId, so a multiplexing transport routes it to the correct
// per-request channel.
func (c *RequestContext) SendNotification(method string, params json.RawMessage) error {
	return c.engine.SendNotification(c.ctx, method, params)
}

// SendRequest issues a server-to-client (or client-to-server, for a
// client-side handler context) request over the captured channel. It
// fails with rpc.ErrStatelessConnection when that channel forbids
// peer-initiated requests.
func (c *RequestContext) SendRequest(method string, params json.RawMessage, opts *rpc.SendOptions) (json.RawMessage, error) {
	return c.engine.SendRequest(c.ctx, method, params, opts)
}

// SendProgress is a convenience wrapper over SendNotification for
// "notifications/progress". A no-token call is a no-op: there is nothing
// for the peer to correlate it to.
func (c *RequestContext) SendProgress(token rpc.ProgressToken, progress, total float64, message string) error {
	if !token.IsPresent() {
		return nil
	}
	payload := struct {
		ProgressToken rpc.ProgressToken `json:"progressToken"`
		Progress      float64           `json:"progress"`
		Total         float64           `json:"total,omitempty"`
		Message       string            `json:"message,omitempty"`
	}{token, progress, total, message}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.SendNotification(methodProgressNotification, data)
}

// SendLogMessage emits a "notifications/message" log notification, unless
// this endpoint never declared the logging capability or the peer
// configured a minimum level that excludes it — both cases are silently
// dropped at the source, logged at Debug, never returned as an error.
func (c *RequestContext) SendLogMessage(level LoggingLevel, logger string, data any) error {
	if !c.gate.ownCapabilities().HasLogging() {
		c.debugDropped("log message dropped: logging capability not declared", "level", level)
		return nil
	}
	if min, ok := c.gate.peerMinLogLevel(); ok && belowMinimum(level, min) {
		c.debugDropped("log message dropped: below peer's configured minimum level", "level", level, "min", min)
		return nil
	}
	payload := struct {
		Level  LoggingLevel `json:"level"`
		Logger string       `json:"logger,omitempty"`
		Data   any          `json:"data"`
	}{level, logger, data}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.SendNotification(methodLogMessage, raw)
}

// SendResourceUpdated emits "notifications/resources/updated" for uri,
// dropped silently if resources/subscribe was never declared.
func (c *RequestContext) SendResourceUpdated(uri string) error {
	if !c.gate.ownCapabilities().SupportsResourceSubscribe() {
		c.debugDropped("resource-updated notification dropped: subscribe not declared")
		return nil
	}
	raw, _ := json.Marshal(struct {
		URI string `json:"uri"`
	}{uri})
	return c.SendNotification(methodResourceUpdated, raw)
}

// SendResourceListChanged emits "notifications/resources/list_changed",
// dropped silently if resources.listChanged was never declared.
func (c *RequestContext) SendResourceListChanged() error {
	caps := c.gate.ownCapabilities()
	if caps == nil || caps.Resources == nil || !caps.Resources.ListChanged {
		c.debugDropped("resource-list-changed notification dropped: listChanged not declared")
		return nil
	}
	return c.SendNotification(methodResourceListChanged, nil)
}

// SendPromptListChanged emits "notifications/prompts/list_changed",
// dropped silently if prompts.listChanged was never declared.
func (c *RequestContext) SendPromptListChanged() error {
	caps := c.gate.ownCapabilities()
	if caps == nil || caps.Prompts == nil || !caps.Prompts.ListChanged {
		c.debugDropped("prompt-list-changed notification dropped: listChanged not declared")
		return nil
	}
	return c.SendNotification(methodPromptListChanged, nil)
}

// SendToolListChanged emits "notifications/tools/list_changed", dropped
// silently if tools.listChanged was never declared.
func (c *RequestContext) SendToolListChanged() error {
	caps := c.gate.ownCapabilities()
	if caps == nil || caps.Tools == nil || !caps.Tools.ListChanged {
		c.debugDropped("tool-list-changed notification dropped: listChanged not declared")
		return nil
	}
	return c.SendNotification(methodToolListChanged, nil)
}

func (c *RequestContext) debugDropped(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}

// CloseResponseStream releases the per-request response stream this
// handler was invoked on, if the transport maintains one (the streaming
// HTTP transport does; stdio and in-memory transports treat this as a
// no-op). Safe to call multiple times or not at all.
func (c *RequestContext) CloseResponseStream() {
	if c.releaseResponseStream != nil {
		c.releaseResponseStream()
	}
}

// CloseNotificationStream releases the standalone notification stream
// associated with this session, if any. Safe to call multiple times or
// not at all.
func (c *RequestContext) CloseNotificationStream() {
	if c.releaseNotificationStream != nil {
		c.releaseNotificationStream()
	}
}

// CheckCancellation returns a non-nil error if the request this context
// belongs to has been cancelled — by transport disconnect, a peer
// cancel-notification, or context deadline — and nil otherwise.
func (c *RequestContext) CheckCancellation() error {
	if err := c.ctx.Err(); err != nil {
		return fmt.Errorf("session: request cancelled: %w", err)
	}
	return nil
}

// IsCancelled reports the same condition as CheckCancellation as a bool.
func (c *RequestContext) IsCancelled() bool {
	return c.ctx.Err() != nil
}
