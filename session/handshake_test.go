package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duplexmcp/duplexmcp/jsonrpc"
	"github.com/duplexmcp/duplexmcp/rpc"
)

func connectPair(t *testing.T, serverOpts *ServerOptions, clientOpts *ClientOptions) (*ServerSession, *ClientSession) {
	t.Helper()
	clientTransport, serverTransport := rpc.NewInMemoryTransports()

	server := NewServer(Implementation{Name: "test-server", Version: "1.0.0"}, serverOpts)
	client := NewClient(Implementation{Name: "test-client", Version: "1.0.0"}, clientOpts)

	ctx := context.Background()
	ss, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = cs.Close()
		_ = ss.Close()
	})
	return ss, cs
}

func TestHandshakeNegotiatesLatestVersionByDefault(t *testing.T) {
	ss, cs := connectPair(t, nil, nil)
	require.Equal(t, LatestProtocolVersion, ss.NegotiatedVersion())
	require.Equal(t, LatestProtocolVersion, cs.NegotiatedVersion())

	serverInfo, _ := cs.PeerInfo()
	require.Equal(t, "test-server", serverInfo.Name)
	clientInfo, _ := ss.PeerInfo()
	require.Equal(t, "test-client", clientInfo.Name)
}

func TestPreInitStrictGatingRejectsEarlyRequests(t *testing.T) {
	clientTransport, serverTransport := rpc.NewInMemoryTransports()
	server := NewServer(Implementation{Name: "s", Version: "1"}, nil) // Strict defaults to true

	ctx := context.Background()
	ss, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer ss.Close()
	ss.RegisterRequestHandler("tools/list", func(rc *RequestContext, params json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
		return json.RawMessage(`{}`), nil
	})

	conn, err := clientTransport.Connect(ctx)
	require.NoError(t, err)
	engine := rpc.NewEngine(nil)
	require.NoError(t, engine.Start(ctx, conn))
	defer engine.Stop()

	// Calling a non-ping, non-initialize method before the handshake
	// completes must fail, per strict pre-init gating.
	_, err = engine.SendRequest(ctx, "tools/list", nil, nil)
	require.Error(t, err)
	rpcErr, ok := err.(*jsonrpc.Error)
	require.True(t, ok)
	require.Equal(t, jsonrpc.CodeInvalidRequest, rpcErr.Code)

	// ping must still work pre-init.
	_, err = engine.SendRequest(ctx, "ping", nil, nil)
	require.NoError(t, err)
}

func TestPreInitLenientGatingAllowsEarlyRequests(t *testing.T) {
	lenient := false
	clientTransport, serverTransport := rpc.NewInMemoryTransports()
	server := NewServer(Implementation{Name: "s", Version: "1"}, &ServerOptions{Strict: &lenient})

	ctx := context.Background()
	ss, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer ss.Close()
	ss.RegisterRequestHandler("tools/list", func(rc *RequestContext, params json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
		return json.RawMessage(`{"ok":true}`), nil
	})

	conn, err := clientTransport.Connect(ctx)
	require.NoError(t, err)
	engine := rpc.NewEngine(nil)
	require.NoError(t, engine.Start(ctx, conn))
	defer engine.Stop()

	result, err := engine.SendRequest(ctx, "tools/list", nil, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))
}

func TestCapabilityNotDeclaredRejectsPeerRequestBeforeWire(t *testing.T) {
	ss, _ := connectPair(t, nil, nil) // client declares no capabilities
	_, err := ss.CreateMessage(context.Background(), nil)
	require.ErrorIs(t, err, ErrCapabilityNotDeclared)
}

func TestCapabilityDeclaredAllowsPeerRequest(t *testing.T) {
	clientOpts := &ClientOptions{Capabilities: &Capabilities{Sampling: &SamplingCapability{}}}
	ss, cs := connectPair(t, nil, clientOpts)
	cs.RegisterRequestHandler("sampling/createMessage", func(rc *RequestContext, params json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
		return json.RawMessage(`{"role":"assistant"}`), nil
	})

	result, err := ss.CreateMessage(context.Background(), nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"role":"assistant"}`, string(result))
}

// statelessConn wraps an rpc.Connection, forcing
// SupportsServerToClientRequests to report false, simulating a streaming
// HTTP session with no standalone SSE stream open.
type statelessConn struct {
	rpc.Connection
}

func (statelessConn) SupportsServerToClientRequests() bool { return false }

type statelessTransportWrapper struct {
	inner rpc.Transport
}

func (w statelessTransportWrapper) Connect(ctx context.Context) (rpc.Connection, error) {
	conn, err := w.inner.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return statelessConn{conn}, nil
}

func TestStatelessModeRejectsServerToClientRequest(t *testing.T) {
	clientTransport, serverTransport := rpc.NewInMemoryTransports()
	clientOpts := &ClientOptions{Capabilities: &Capabilities{Sampling: &SamplingCapability{}}}

	server := NewServer(Implementation{Name: "s", Version: "1"}, nil)
	client := NewClient(Implementation{Name: "c", Version: "1"}, clientOpts)

	ctx := context.Background()
	ss, err := server.Connect(ctx, statelessTransportWrapper{serverTransport}, nil)
	require.NoError(t, err)
	defer ss.Close()

	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer cs.Close()
	cs.RegisterRequestHandler("sampling/createMessage", func(rc *RequestContext, params json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
		return json.RawMessage(`{}`), nil
	})

	_, err = ss.CreateMessage(context.Background(), nil)
	require.ErrorIs(t, err, rpc.ErrStatelessConnection)
}

func TestOnDisconnectFiresExactlyOnce(t *testing.T) {
	clientTransport, serverTransport := rpc.NewInMemoryTransports()

	var mu sync.Mutex
	calls := 0
	serverOpts := &ServerOptions{OnDisconnect: func() {
		mu.Lock()
		calls++
		mu.Unlock()
	}}
	server := NewServer(Implementation{Name: "s", Version: "1"}, serverOpts)
	client := NewClient(Implementation{Name: "c", Version: "1"}, nil)

	ctx := context.Background()
	ss, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer cs.Close()

	require.NoError(t, ss.Close())
	require.NoError(t, ss.Close()) // closing twice must not double-fire OnDisconnect

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 10*time.Millisecond)
}
