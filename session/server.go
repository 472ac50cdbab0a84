package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/duplexmcp/duplexmcp/internal/strictjson"
	"github.com/duplexmcp/duplexmcp/jsonrpc"
	"github.com/duplexmcp/duplexmcp/rpc"
)

// SessionRequestHandler answers a request with the handler-facing
// RequestContext instead of the bare engine-level one.
type SessionRequestHandler func(rc *RequestContext, params json.RawMessage) (result json.RawMessage, rpcErr *jsonrpc.Error)

// SessionNotificationHandler reacts to a notification with the
// handler-facing RequestContext.
type SessionNotificationHandler func(rc *RequestContext, params json.RawMessage)

// Server is a factory for ServerSession: one Server, constructed once with
// this endpoint's identity and options, can Connect any number of
// transports, each producing an independent ServerSession.
type Server struct {
	impl Implementation
	opts *ServerOptions
}

// NewServer constructs a Server advertising impl as its identity. A nil
// opts is equivalent to &ServerOptions{}.
func NewServer(impl Implementation, opts *ServerOptions) *Server {
	return &Server{impl: impl, opts: opts.orDefaults()}
}

// ServerSession is one connected MCP server endpoint: an Engine bound to a
// live Connection, plus the handshake and gating state layered on top of
// it.
type ServerSession struct {
	lifecycle

	engine *rpc.Engine
	conn   rpc.Connection
	impl   Implementation
	opts   *ServerOptions
	logger *slog.Logger
}

// Connect dials/accepts transport and performs no handshake itself — the
// handshake runs when the client's initialize request arrives. Connect
// returns as soon as the connection is established and the engine's
// receive loop has started.
func (s *Server) Connect(ctx context.Context, transport rpc.Transport, opts *SessionOptions) (*ServerSession, error) {
	opts = opts.orDefaults() // reserved for future per-connect overrides; session-wide config lives in ServerOptions

	conn, err := transport.Connect(ctx)
	if err != nil {
		return nil, err
	}

	logger := s.opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ss := &ServerSession{
		engine: rpc.NewEngine(logger),
		conn:   conn,
		impl:   s.impl,
		opts:   s.opts,
		logger: logger,
	}

	ss.engine.SetDebouncedMethods(s.opts.DebouncedNotificationMethods)
	if s.opts.OnDisconnect != nil {
		ss.engine.OnDisconnect(s.opts.OnDisconnect)
	}

	ss.engine.RegisterRequestHandler(methodInitialize, ss.handleInitialize)
	ss.engine.RegisterRequestHandler(methodPing, ss.handlePing)
	ss.engine.RegisterNotificationHandler(methodInitializedNotification, ss.handleInitializedNotification)
	ss.RegisterRequestHandler(methodLoggingSetLevel, ss.handleSetLoggingLevel)

	if err := ss.engine.Start(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ss, nil
}

// initializeParams and initializeResult mirror the wire shape of the
// initialize handshake. Only the fields this runtime actually inspects are
// modeled; unrecognized fields round-trip through json.RawMessage-based
// params elsewhere in the stack but initialize is common enough across
// every MCP endpoint to warrant typed handling here.
type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    *Capabilities   `json:"capabilities"`
	ClientInfo      *Implementation `json:"clientInfo"`
	Meta            json.RawMessage `json:"_meta,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    *Capabilities   `json:"capabilities"`
	ServerInfo      *Implementation `json:"serverInfo"`
	Meta            json.RawMessage `json:"_meta,omitempty"`
}

func (ss *ServerSession) handleInitialize(ctx context.Context, req *jsonrpc.Request) (json.RawMessage, *jsonrpc.Error) {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := strictjson.Unmarshal(req.Params, &params); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "initialize: "+err.Error())
		}
	}

	if ss.opts.InitializeHook != nil {
		if err := ss.opts.InitializeHook(ctx, params.ClientInfo, params.Capabilities); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, (&initializeHookError{err}).Error())
		}
	}

	negotiated := negotiateVersion(params.ProtocolVersion, ss.opts.SupportedProtocolVersions)
	ss.setInitialized(negotiated, params.ClientInfo, params.Capabilities)

	result := initializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    ss.opts.Capabilities,
		ServerInfo:      &ss.impl,
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
	}
	return data, nil
}

func (ss *ServerSession) handleInitializedNotification(ctx context.Context, n *jsonrpc.Notification) {
	ss.markInitializedComplete()
}

func (ss *ServerSession) handlePing(ctx context.Context, req *jsonrpc.Request) (json.RawMessage, *jsonrpc.Error) {
	return json.RawMessage(`{}`), nil
}

type setLoggingLevelParams struct {
	Level LoggingLevel    `json:"level"`
	Meta  json.RawMessage `json:"_meta,omitempty"`
}

func (ss *ServerSession) handleSetLoggingLevel(rc *RequestContext, params json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
	if !ss.ownCapabilities().HasLogging() {
		return nil, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "server does not support logging")
	}
	var p setLoggingLevelParams
	if err := strictjson.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "logging/setLevel: "+err.Error())
	}
	ss.setPeerMinLogLevel(p.Level)
	return json.RawMessage(`{}`), nil
}

// allowedPreInit reports whether method may run before
// notifications/initialized arrives, regardless of strict/lenient mode.
func allowedPreInit(method string) bool {
	return method == methodPing || method == methodInitialize
}

func (ss *ServerSession) wrapRequestHandler(method string, fn SessionRequestHandler) rpc.RequestHandler {
	return func(ctx context.Context, req *jsonrpc.Request) (json.RawMessage, *jsonrpc.Error) {
		if ss.opts.isStrict() && !ss.isInitialized() && !allowedPreInit(method) {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "Server is not initialized")
		}
		rc := newRequestContext(ctx, ss.engine, ss.logger, ss, req.ID, ss.conn.SessionID(), extractMeta(req.Params))
		attachTransportMetadata(rc, ss.conn, req.ID)
		attachStreamReleasers(rc, ss.conn, req.ID)
		return fn(rc, req.Params)
	}
}

func (ss *ServerSession) wrapNotificationHandler(fn SessionNotificationHandler) rpc.NotificationHandler {
	return func(ctx context.Context, n *jsonrpc.Notification) {
		rc := newRequestContext(ctx, ss.engine, ss.logger, ss, jsonrpc.ID{}, ss.conn.SessionID(), extractMeta(n.Params))
		attachStreamReleasers(rc, ss.conn, jsonrpc.ID{})
		fn(rc, n.Params)
	}
}

// RegisterRequestHandler installs fn for inbound requests named method,
// gated by this session's pre-init policy.
func (ss *ServerSession) RegisterRequestHandler(method string, fn SessionRequestHandler) {
	ss.engine.RegisterRequestHandler(method, ss.wrapRequestHandler(method, fn))
}

// RegisterNotificationHandler installs fn for inbound notifications named
// method.
func (ss *ServerSession) RegisterNotificationHandler(method string, fn SessionNotificationHandler) {
	ss.engine.RegisterNotificationHandler(method, ss.wrapNotificationHandler(fn))
}

// CreateMessage issues a sampling/createMessage request to the client,
// failing immediately (no wire traffic) if the client never declared
// sampling support or the transport is stateless.
func (ss *ServerSession) CreateMessage(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return ss.sendPeerRequest(ctx, methodSamplingCreateMessage, params, func(c *Capabilities) bool { return c.HasSampling() })
}

// Elicit issues an elicitation/create request to the client, subject to
// the same capability and statelessness checks as CreateMessage.
func (ss *ServerSession) Elicit(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return ss.sendPeerRequest(ctx, methodElicitationCreate, params, func(c *Capabilities) bool { return c.HasElicitation() })
}

// ListRoots issues a roots/list request to the client, subject to the same
// capability and statelessness checks as CreateMessage.
func (ss *ServerSession) ListRoots(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return ss.sendPeerRequest(ctx, methodRootsList, params, func(c *Capabilities) bool { return c.HasRoots() })
}

func (ss *ServerSession) sendPeerRequest(ctx context.Context, method string, params json.RawMessage, requires func(*Capabilities) bool) (json.RawMessage, error) {
	_, peerCaps := ss.peer()
	if !requires(peerCaps) {
		return nil, ErrCapabilityNotDeclared
	}
	result, err := ss.engine.SendRequest(ctx, method, params, nil)
	if errors.Is(err, rpc.ErrStatelessConnection) {
		return nil, fmt.Errorf("%w: %w", ErrStatelessMode, err)
	}
	return result, err
}

// Close stops the session's engine, closing the connection and failing
// all pending requests.
func (ss *ServerSession) Close() error { return ss.engine.Stop() }

// Engine returns the underlying protocol engine, for callers that need
// lower-level access (custom response routers, raw SendRequest options).
func (ss *ServerSession) Engine() *rpc.Engine { return ss.engine }

// PeerInfo returns the client's identity and capabilities, as observed
// during the handshake. Both are nil until initialize has been received.
func (ss *ServerSession) PeerInfo() (*Implementation, *Capabilities) { return ss.peer() }

// NegotiatedVersion returns the protocol version agreed during the
// handshake, or "" before it completes.
func (ss *ServerSession) NegotiatedVersion() string { return ss.version() }

func (ss *ServerSession) ownCapabilities() *Capabilities        { return ss.opts.Capabilities }
func (ss *ServerSession) peerMinLogLevel() (LoggingLevel, bool) { return ss.getPeerMinLogLevel() }

func extractMeta(params json.RawMessage) json.RawMessage {
	if len(params) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(params, &obj); err != nil {
		return nil
	}
	return obj["_meta"]
}
