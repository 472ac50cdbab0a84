// Package rpc implements the shared JSON-RPC protocol engine used
// identically by both MCP endpoints (client and server): message framing via
// package jsonrpc, request/response correlation, dispatch to registered
// handlers, progress routing, notification debouncing, and timeout control.
// It knows nothing about MCP method names or parameter schemas — see
// package session for the layer that adds that semantics.
package rpc

import (
	"context"

	"github.com/duplexmcp/duplexmcp/jsonrpc"
)

// WriteOptions carries per-message metadata for an outgoing write, most
// importantly RelatedRequestID, which multiplexing transports (streaming
// HTTP) use to route the bytes to the correct per-request channel.
type WriteOptions struct {
	// RelatedRequestID is the ID of the inbound request that caused this
	// write, if any. Zero value (invalid ID) means "not related to any
	// specific inbound request" — route to the session's default channel.
	RelatedRequestID jsonrpc.ID
}

// Connection is one live, connected transport session: an inbound message
// stream paired with an outbound send operation.
//
// Implementations must be safe for concurrent Read and concurrent Write;
// Close must be idempotent.
type Connection interface {
	// Read blocks until the next inbound message is available, the
	// connection is closed, or ctx is done. The connections in this package
	// return io.EOF when the inbound stream ends and ErrConnectionClosed
	// after Close.
	Read(ctx context.Context) (jsonrpc.Message, error)

	// Write sends msg to the peer. opts may be nil.
	Write(ctx context.Context, msg jsonrpc.Message, opts *WriteOptions) error

	// Close disconnects. Calling Close more than once is a no-op after the
	// first call.
	Close() error

	// SessionID returns an implementation-defined identifier for this
	// connection's logical session, or "" if the transport has no notion
	// of sessions.
	SessionID() string
}

// StatelessAware is optionally implemented by a Connection to report
// whether it can carry server-initiated requests. Transports that don't
// implement this interface are assumed to support them (e.g. stdio,
// in-memory, websocket — all full-duplex). Streaming HTTP connections that
// are JSON-mode-only (no standalone SSE stream available) implement this
// and return false.
type StatelessAware interface {
	SupportsServerToClientRequests() bool
}

func supportsServerToClientRequests(c Connection) bool {
	if sa, ok := c.(StatelessAware); ok {
		return sa.SupportsServerToClientRequests()
	}
	return true
}

// MetadataSource is optionally implemented by a Connection whose underlying
// transport carries per-message context beyond the JSON-RPC envelope itself
// (the TransportMessage.context of §4.2 — HTTP headers, auth info, the
// originating client request). RequestMetadata is consulted once per
// inbound request, keyed by that request's ID; transports with no such
// notion (stdio, in-memory, websocket) simply don't implement it.
type MetadataSource interface {
	RequestMetadata(id jsonrpc.ID) (authInfo, requestInfo any)
}

// StreamReleaser is optionally implemented by a Connection whose transport
// holds a request or the session open on a dedicated stream that a handler
// may want to end early (§4.7's closeResponseStream/closeNotificationStream).
// ReleaseResponseStream ends the stream carrying id's eventual response;
// ReleaseNotificationStream ends the session's standalone notification
// stream. Both are no-ops once their stream is already closed. Transports
// with no per-request or standalone stream (stdio, in-memory, websocket)
// don't implement this; the session layer treats its absence the same as a
// stream that's already released.
type StreamReleaser interface {
	ReleaseResponseStream(id jsonrpc.ID)
	ReleaseNotificationStream()
}

// Transport is a factory for Connections: dialing out (clients) or
// accepting (servers), depending on the implementation.
type Transport interface {
	Connect(ctx context.Context) (Connection, error)
}

// TransportFunc adapts a plain function to the Transport interface.
type TransportFunc func(ctx context.Context) (Connection, error)

func (f TransportFunc) Connect(ctx context.Context) (Connection, error) { return f(ctx) }
