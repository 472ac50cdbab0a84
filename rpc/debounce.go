package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/duplexmcp/duplexmcp/jsonrpc"
)

// debounceWindow is how long the engine waits after the first debounced
// notification of a given method before actually flushing it. Further
// notifications for the same method arriving inside the window replace the
// queued payload rather than each triggering their own send — list-changed
// notifications fired from a tight loop of registrations collapse into one
// wire message.
const debounceWindow = 50 * time.Millisecond

type debounceEntry struct {
	conn   Connection
	params json.RawMessage
	timer  *time.Timer
}

// enqueueDebounced schedules method/params to be written after a short
// coalescing window, replacing any call already queued for the same method.
// Only SendNotification calls it, and only once it has confirmed method is
// debounced and carries no RelatedRequestID.
func (e *Engine) enqueueDebounced(conn Connection, method string, params json.RawMessage) {
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()

	if e.debounce == nil {
		e.debounce = make(map[string]*debounceEntry)
	}

	if existing, ok := e.debounce[method]; ok {
		existing.params = params
		existing.conn = conn
		return
	}

	e.debounceWG.Add(1)
	entry := &debounceEntry{conn: conn, params: params}
	entry.timer = time.AfterFunc(debounceWindow, func() {
		defer e.debounceWG.Done()
		e.debounceMu.Lock()
		delete(e.debounce, method)
		e.debounceMu.Unlock()
		n := &jsonrpc.Notification{Method: method, Params: entry.params}
		_ = entry.conn.Write(context.Background(), n, nil)
	})
	e.debounce[method] = entry
}

// dropDebounced cancels every still-pending debounced notification without
// sending it, per the engine's stop semantics: queued debounce tasks are
// dropped, not flushed, when the engine stops.
func (e *Engine) dropDebounced() {
	e.debounceMu.Lock()
	entries := e.debounce
	e.debounce = nil
	e.debounceMu.Unlock()

	for _, entry := range entries {
		if entry.timer.Stop() {
			// We won the race against the timer firing; its goroutine will
			// never run, so account for it ourselves.
			e.debounceWG.Done()
		}
	}
}

// WaitForPendingDebouncedNotifications blocks until every debounced
// notification scheduled so far has been written (or dropped by Stop). It
// is a test hook: production callers have no need to synchronize on
// debounce flush timing.
func (e *Engine) WaitForPendingDebouncedNotifications() {
	e.debounceWG.Wait()
}
