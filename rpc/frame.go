package rpc

import (
	"github.com/duplexmcp/duplexmcp/jsonrpc"
)

// frameToMessage converts a decoded wire frame into the Message the engine
// dispatches on. FrameUnknown becomes a *jsonrpc.Unknown carrying the
// original bytes rather than an error: well-formed JSON that isn't a
// recognizable envelope is a dispatch-time concern (routed to
// Engine.UnknownMessageHandler), not a transport-fatal one.
func frameToMessage(f jsonrpc.Frame) (jsonrpc.Message, error) {
	switch f.Kind {
	case jsonrpc.FrameRequest:
		return f.Request, nil
	case jsonrpc.FrameResponse:
		return f.Response, nil
	case jsonrpc.FrameNotification:
		return f.Notification, nil
	case jsonrpc.FrameBatch:
		return f.Batch, nil
	default:
		return &jsonrpc.Unknown{Raw: f.Raw}, nil
	}
}
