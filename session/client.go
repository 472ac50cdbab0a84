package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/duplexmcp/duplexmcp/internal/strictjson"
	"github.com/duplexmcp/duplexmcp/jsonrpc"
	"github.com/duplexmcp/duplexmcp/rpc"
)

// Client is a factory for ClientSession, mirroring Server: construct once
// with this endpoint's identity and options, Connect any number of
// transports.
type Client struct {
	impl Implementation
	opts *ClientOptions
}

// NewClient constructs a Client advertising impl as its identity. A nil
// opts is equivalent to &ClientOptions{}.
func NewClient(impl Implementation, opts *ClientOptions) *Client {
	return &Client{impl: impl, opts: opts.orDefaults()}
}

// ClientSession is one connected MCP client endpoint. Unlike ServerSession,
// Connect drives the initialize handshake itself before returning, since
// the client is the party required to send the first request.
type ClientSession struct {
	lifecycle

	engine *rpc.Engine
	conn   rpc.Connection
	impl   Implementation
	opts   *ClientOptions
	logger *slog.Logger
}

// Connect establishes transport, performs the initialize handshake
// (requesting opts.ProtocolVersion, or LatestProtocolVersion if unset),
// and sends notifications/initialized on success before returning.
func (c *Client) Connect(ctx context.Context, transport rpc.Transport, opts *SessionOptions) (*ClientSession, error) {
	opts = opts.orDefaults()

	conn, err := transport.Connect(ctx)
	if err != nil {
		return nil, err
	}

	logger := c.opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cs := &ClientSession{
		engine: rpc.NewEngine(logger),
		conn:   conn,
		impl:   c.impl,
		opts:   c.opts,
		logger: logger,
	}
	cs.engine.SetDebouncedMethods(c.opts.DebouncedNotificationMethods)
	if c.opts.OnDisconnect != nil {
		cs.engine.OnDisconnect(c.opts.OnDisconnect)
	}

	if err := cs.engine.Start(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	requested := opts.ProtocolVersion
	if requested == "" {
		requested = LatestProtocolVersion
	}
	params := initializeParams{
		ProtocolVersion: requested,
		Capabilities:    c.opts.Capabilities,
		ClientInfo:      &c.impl,
	}
	raw, err := json.Marshal(params)
	if err != nil {
		_ = cs.engine.Stop()
		return nil, err
	}

	respData, err := cs.engine.SendRequest(ctx, methodInitialize, raw, nil)
	if err != nil {
		_ = cs.engine.Stop()
		return nil, fmt.Errorf("session: initialize request failed: %w", err)
	}

	var result initializeResult
	if err := strictjson.Unmarshal(respData, &result); err != nil {
		_ = cs.engine.Stop()
		return nil, fmt.Errorf("session: malformed initialize response: %w", err)
	}
	cs.setInitialized(result.ProtocolVersion, result.ServerInfo, result.Capabilities)

	if err := cs.engine.SendNotification(ctx, methodInitializedNotification, nil); err != nil {
		_ = cs.engine.Stop()
		return nil, fmt.Errorf("session: failed to send initialized notification: %w", err)
	}
	cs.markInitializedComplete()

	return cs, nil
}

func (cs *ClientSession) wrapRequestHandler(fn SessionRequestHandler) rpc.RequestHandler {
	return func(ctx context.Context, req *jsonrpc.Request) (json.RawMessage, *jsonrpc.Error) {
		rc := newRequestContext(ctx, cs.engine, cs.logger, cs, req.ID, cs.conn.SessionID(), extractMeta(req.Params))
		attachTransportMetadata(rc, cs.conn, req.ID)
		attachStreamReleasers(rc, cs.conn, req.ID)
		return fn(rc, req.Params)
	}
}

func (cs *ClientSession) wrapNotificationHandler(fn SessionNotificationHandler) rpc.NotificationHandler {
	return func(ctx context.Context, n *jsonrpc.Notification) {
		rc := newRequestContext(ctx, cs.engine, cs.logger, cs, jsonrpc.ID{}, cs.conn.SessionID(), extractMeta(n.Params))
		attachStreamReleasers(rc, cs.conn, jsonrpc.ID{})
		fn(rc, n.Params)
	}
}

// RegisterRequestHandler installs fn to answer server-initiated requests
// named method (sampling/createMessage, elicitation/create, roots/list,
// or any other method the peer may issue).
func (cs *ClientSession) RegisterRequestHandler(method string, fn SessionRequestHandler) {
	cs.engine.RegisterRequestHandler(method, cs.wrapRequestHandler(fn))
}

// RegisterNotificationHandler installs fn for inbound notifications named
// method.
func (cs *ClientSession) RegisterNotificationHandler(method string, fn SessionNotificationHandler) {
	cs.engine.RegisterNotificationHandler(method, cs.wrapNotificationHandler(fn))
}

// SetLoggingLevel issues logging/setLevel to the server, failing with
// ErrCapabilityNotDeclared before any wire traffic if the server never
// declared logging support.
func (cs *ClientSession) SetLoggingLevel(ctx context.Context, level LoggingLevel) error {
	_, peerCaps := cs.peer()
	if !peerCaps.HasLogging() {
		return ErrCapabilityNotDeclared
	}
	raw, err := json.Marshal(setLoggingLevelParams{Level: level})
	if err != nil {
		return err
	}
	_, err = cs.engine.SendRequest(ctx, methodLoggingSetLevel, raw, nil)
	return err
}

// Ping sends a ping request to the server, usable both before and after
// initialize completes.
func (cs *ClientSession) Ping(ctx context.Context) error {
	_, err := cs.engine.SendRequest(ctx, methodPing, nil, nil)
	return err
}

// Close stops the session's engine, closing the connection and failing
// all pending requests.
func (cs *ClientSession) Close() error { return cs.engine.Stop() }

// Engine returns the underlying protocol engine.
func (cs *ClientSession) Engine() *rpc.Engine { return cs.engine }

// PeerInfo returns the server's identity and capabilities, as negotiated
// during the handshake.
func (cs *ClientSession) PeerInfo() (*Implementation, *Capabilities) { return cs.peer() }

// NegotiatedVersion returns the protocol version agreed during the
// handshake.
func (cs *ClientSession) NegotiatedVersion() string { return cs.version() }

func (cs *ClientSession) ownCapabilities() *Capabilities { return cs.opts.Capabilities }

// peerMinLogLevel is always unset on the client side: the "peer sets a
// minimum level" gating in §4.5 applies to a server's outgoing logs, which
// the client itself configures via SetLoggingLevel — it is never told one
// for its own (rarely used) outgoing notifications.
func (cs *ClientSession) peerMinLogLevel() (LoggingLevel, bool) { return "", false }
