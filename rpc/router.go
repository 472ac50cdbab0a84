package rpc

import "github.com/duplexmcp/duplexmcp/jsonrpc"

// ResponseRouter gets first refusal on an inbound response before the
// engine's own pending-request table does. It returns true if it consumed
// the response, stopping the chain. Session-layer code uses this to
// intercept responses to requests the engine itself issued behind the
// scenes (e.g. a client auto-replying to a server's ping) without those
// requests ever entering the public pending table.
type ResponseRouter func(resp *jsonrpc.Response) bool

// AddResponseRouter appends r to the chain tried on every inbound response,
// ahead of the built-in pending-call lookup. It returns a function that
// removes r from the chain.
func (e *Engine) AddResponseRouter(r ResponseRouter) (remove func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextRouterID
	e.nextRouterID++
	e.routers = append(e.routers, routerEntry{id: id, fn: r})
	return func() { e.removeResponseRouter(id) }
}

func (e *Engine) removeResponseRouter(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.routers[:0]
	for _, re := range e.routers {
		if re.id != id {
			out = append(out, re)
		}
	}
	e.routers = out
}

// ClearResponseRouters removes every registered ResponseRouter.
func (e *Engine) ClearResponseRouters() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routers = nil
}

type routerEntry struct {
	id int64
	fn ResponseRouter
}

// routeResponse tries every registered router in registration order,
// returning true if one of them claimed the response.
func (e *Engine) routeResponse(resp *jsonrpc.Response) bool {
	e.mu.Lock()
	routers := make([]routerEntry, len(e.routers))
	copy(routers, e.routers)
	e.mu.Unlock()

	for _, re := range routers {
		if re.fn(resp) {
			return true
		}
	}
	return false
}
