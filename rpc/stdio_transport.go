package rpc

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/duplexmcp/duplexmcp/jsonrpc"
)

// maxStdioLine bounds a single line read from a stdio peer, guarding
// against an unbounded allocation if a misbehaving peer never sends a
// newline.
const maxStdioLine = 10 * 1024 * 1024

// StdioTransport frames JSON-RPC messages as newline-delimited JSON over a
// pair of byte streams — the conventional shape for an MCP server launched
// as a child process and spoken to over its stdin/stdout.
type StdioTransport struct {
	In  io.Reader
	Out io.Writer
}

// NewStdioTransport returns a Transport that frames messages as
// newline-delimited JSON over in/out.
func NewStdioTransport(in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{In: in, Out: out}
}

// Connect returns the single Connection backed by this transport's streams.
// Calling it more than once returns independent Connections sharing the
// same underlying streams, which is almost never useful — callers normally
// call Connect exactly once per process lifetime.
func (t *StdioTransport) Connect(ctx context.Context) (Connection, error) {
	return newStdioConn(t.In, t.Out), nil
}

type stdioLine struct {
	data []byte
	err  error
}

type stdioConn struct {
	lines     chan stdioLine
	w         io.Writer
	wmu       sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func newStdioConn(in io.Reader, out io.Writer) *stdioConn {
	c := &stdioConn{
		lines:  make(chan stdioLine),
		w:      out,
		closed: make(chan struct{}),
	}
	go c.readLoop(in)
	return c
}

func (c *stdioConn) readLoop(in io.Reader) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStdioLine)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case c.lines <- stdioLine{data: line}:
		case <-c.closed:
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case c.lines <- stdioLine{err: err}:
	case <-c.closed:
	}
}

func (c *stdioConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case line := <-c.lines:
		if line.err != nil {
			return nil, line.err
		}
		frame, err := jsonrpc.Decode(line.data)
		if err != nil {
			// Invalid JSON is a per-line concern, not a fatal transport
			// error: surface it as an Unknown message, which the engine
			// hands to its UnknownMessageHandler (or logs and drops), rather
			// than tearing down the whole connection over one bad line.
			return &jsonrpc.Unknown{Raw: line.data}, nil
		}
		return frameToMessage(frame)
	case <-c.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *stdioConn) Write(ctx context.Context, msg jsonrpc.Message, _ *WriteOptions) error {
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(data)
	return err
}

func (c *stdioConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *stdioConn) SessionID() string { return "" }
