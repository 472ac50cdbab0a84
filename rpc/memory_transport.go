package rpc

import (
	"context"
	"io"
	"sync"

	"github.com/duplexmcp/duplexmcp/jsonrpc"
)

// inMemoryBufferSize bounds how many messages can be in flight on one
// direction of a paired in-memory transport before Write blocks.
const inMemoryBufferSize = 64

// NewInMemoryTransports returns a connected pair of Transports suitable for
// running a client Engine and a server Engine in the same process without a
// real network or subprocess boundary — used in tests and for embedding an
// MCP server directly in its client's process.
func NewInMemoryTransports() (client Transport, server Transport) {
	clientToServer := make(chan jsonrpc.Message, inMemoryBufferSize)
	serverToClient := make(chan jsonrpc.Message, inMemoryBufferSize)

	clientConn := &memoryConn{out: clientToServer, in: serverToClient, closed: make(chan struct{})}
	serverConn := &memoryConn{out: serverToClient, in: clientToServer, closed: make(chan struct{})}

	client = TransportFunc(func(ctx context.Context) (Connection, error) { return clientConn, nil })
	server = TransportFunc(func(ctx context.Context) (Connection, error) { return serverConn, nil })
	return client, server
}

type memoryConn struct {
	out       chan<- jsonrpc.Message
	in        <-chan jsonrpc.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *memoryConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-c.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memoryConn) Write(ctx context.Context, msg jsonrpc.Message, _ *WriteOptions) error {
	select {
	case c.out <- msg:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memoryConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *memoryConn) SessionID() string { return "" }
