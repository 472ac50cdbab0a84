package rpc

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/duplexmcp/duplexmcp/jsonrpc"
)

// mcpSubprotocol is the WebSocket subprotocol MCP peers negotiate, so a
// generic WebSocket server can tell an MCP connection apart from any other
// traffic sharing the same port.
const mcpSubprotocol = "mcp"

// WebSocketTransport dials a WebSocket MCP endpoint. It is the client-side
// half; the server side is constructed per-connection from an already
// upgraded *websocket.Conn via NewWebSocketConnection, since accepting a
// WebSocket connection is driven by an http.Handler rather than a dial.
type WebSocketTransport struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// NewWebSocketTransport returns a Transport that dials url, offering the
// "mcp" subprotocol.
func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{URL: url}
}

func (t *WebSocketTransport) dialer() *websocket.Dialer {
	if t.Dialer != nil {
		return t.Dialer
	}
	d := *websocket.DefaultDialer
	return &d
}

func (t *WebSocketTransport) Connect(ctx context.Context) (Connection, error) {
	dialer := t.dialer()
	dialer.Subprotocols = append([]string{mcpSubprotocol}, dialer.Subprotocols...)

	conn, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	return newWSConn(conn), nil
}

// NewWebSocketConnection wraps an already-upgraded WebSocket connection
// (typically produced by an http.Handler calling websocket.Upgrader.Upgrade)
// as an rpc.Connection.
func NewWebSocketConnection(c *websocket.Conn) Connection {
	return newWSConn(c)
}

type wsFrame struct {
	data []byte
	err  error
}

type wsConn struct {
	conn      *websocket.Conn
	frames    chan wsFrame
	wmu       sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSConn(c *websocket.Conn) *wsConn {
	w := &wsConn{
		conn:   c,
		frames: make(chan wsFrame),
		closed: make(chan struct{}),
	}
	go w.readLoop()
	return w
}

func (w *wsConn) readLoop() {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case w.frames <- wsFrame{err: err}:
			case <-w.closed:
			}
			return
		}
		select {
		case w.frames <- wsFrame{data: data}:
		case <-w.closed:
			return
		}
	}
}

func (w *wsConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case f := <-w.frames:
		if f.err != nil {
			return nil, f.err
		}
		frame, err := jsonrpc.Decode(f.data)
		if err != nil {
			return &jsonrpc.Unknown{Raw: f.data}, nil
		}
		return frameToMessage(frame)
	case <-w.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *wsConn) Write(ctx context.Context, msg jsonrpc.Message, _ *WriteOptions) error {
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}

	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return w.conn.Close()
}

func (w *wsConn) SessionID() string { return "" }
