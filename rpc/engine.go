package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/duplexmcp/duplexmcp/internal/rtdebug"
	"github.com/duplexmcp/duplexmcp/jsonrpc"
)

// tracer emits spans for outbound requests and notifications. With no
// TracerProvider configured by the host process, otel.Tracer returns a
// no-op implementation, so this costs nothing when tracing isn't wired up.
var tracer = otel.Tracer("github.com/duplexmcp/duplexmcp/rpc")

// ErrNotConnected is returned by SendRequest/SendNotification when the
// engine has no live connection to write to.
var ErrNotConnected = errors.New("rpc: not connected")

// ErrStatelessConnection is returned by SendRequest when the active
// connection reports (via StatelessAware) that it cannot carry
// server-initiated requests.
var ErrStatelessConnection = errors.New("rpc: connection does not support peer-initiated requests")

// methodProgressNotification is the well-known notification method used to
// report progress on an in-flight request. Routing it is an engine-level
// concern: it correlates to a ProgressToken issued by SendRequest, not to
// any domain-specific method name.
const methodProgressNotification = "notifications/progress"

// methodCancelledNotification is the well-known notification a peer sends to
// ask that an in-flight request it issued be abandoned. Like progress, this
// is an engine-level correlation concern (by request ID), not a
// domain-specific one.
const methodCancelledNotification = "notifications/cancelled"

type cancelledNotificationParams struct {
	RequestID jsonrpc.ID `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}

// RequestHandler answers an inbound request. A non-nil *jsonrpc.Error
// becomes the response's error; otherwise result is marshaled as the
// response's result.
type RequestHandler func(ctx context.Context, req *jsonrpc.Request) (result json.RawMessage, rpcErr *jsonrpc.Error)

// NotificationHandler reacts to an inbound notification. It has no result
// to return: notifications never get a response.
type NotificationHandler func(ctx context.Context, n *jsonrpc.Notification)

// SendOptions configures an outbound request issued through SendRequest.
type SendOptions struct {
	// OnProgress, if set, is called for every progress notification that
	// arrives carrying this request's progress token before the final
	// response.
	OnProgress ProgressFunc

	// ProgressToken overrides the auto-generated token used when OnProgress
	// is set. Leave nil to let the engine mint one.
	ProgressToken *ProgressToken

	TimeoutOptions
}

type progressSink struct {
	fn ProgressFunc
	tc *timeoutController
}

type pendingCall struct {
	resultCh chan *jsonrpc.Response
}

// Engine is the transport-agnostic JSON-RPC protocol runtime shared by both
// MCP client and server sessions. It owns message framing round-trips,
// outstanding-request bookkeeping, progress-notification routing, and
// dispatch to registered handlers. A single Engine serves one logical
// connection at a time, but that connection may be replaced mid-flight via
// Reconnect without losing in-flight requests that were issued against the
// previous one.
type Engine struct {
	logger *slog.Logger

	mu             sync.Mutex
	conn           Connection
	pending        map[jsonrpc.ID]*pendingCall
	progress       map[ProgressToken]*progressSink
	routers        []routerEntry
	nextRouterID   int64
	inflightCancel map[jsonrpc.ID]context.CancelFunc

	handlersMu           sync.RWMutex
	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler

	debounceMu      sync.Mutex
	debounce        map[string]*debounceEntry
	debounceMethods map[string]bool
	debounceWG      sync.WaitGroup

	idCounter atomic.Int64

	eg        *errgroup.Group
	runCtx    context.Context
	runCancel context.CancelFunc
	started   bool

	onDisconnect     func()
	disconnectedOnce sync.Once

	// UnknownMessageHandler, if set, is invoked for every inbound frame that
	// parsed as valid JSON but did not match a recognizable JSON-RPC
	// envelope shape. The default logs a warning and drops it.
	UnknownMessageHandler func(ctx context.Context, raw json.RawMessage)
}

// NewEngine constructs an idle Engine. Call Start to begin serving a
// connection. logger may be nil, in which case slog.Default() is used.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:               logger,
		pending:              make(map[jsonrpc.ID]*pendingCall),
		progress:             make(map[ProgressToken]*progressSink),
		inflightCancel:       make(map[jsonrpc.ID]context.CancelFunc),
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
	}
}

// RegisterRequestHandler installs h for inbound requests with the given
// method name, replacing any handler previously registered for it.
func (e *Engine) RegisterRequestHandler(method string, h RequestHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.requestHandlers[method] = h
}

// RegisterNotificationHandler installs h for inbound notifications with the
// given method name, replacing any handler previously registered for it.
func (e *Engine) RegisterNotificationHandler(method string, h NotificationHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.notificationHandlers[method] = h
}

// SetDebouncedMethods configures the set of notification methods that
// SendNotification coalesces instead of sending immediately, per the
// "debouncedNotificationMethods" configuration surface. Replacing the set
// takes effect for subsequent SendNotification calls only.
func (e *Engine) SetDebouncedMethods(methods []string) {
	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		set[m] = true
	}
	e.debounceMu.Lock()
	e.debounceMethods = set
	e.debounceMu.Unlock()
}

func (e *Engine) isDebounced(method string) bool {
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()
	return e.debounceMethods[method]
}

// OnDisconnect registers fn to run exactly once, the first time the
// engine's connection is lost — whether by read error, Stop, or the peer
// closing the stream. Calling OnDisconnect more than once replaces the
// previous callback; it does not chain them.
func (e *Engine) OnDisconnect(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDisconnect = fn
}

func (e *Engine) fireDisconnect() {
	e.mu.Lock()
	fn := e.onDisconnect
	e.mu.Unlock()
	if fn == nil {
		return
	}
	e.disconnectedOnce.Do(fn)
}

// Start begins serving conn: requests and notifications arriving on it are
// dispatched to registered handlers, and outbound SendRequest/
// SendNotification calls made without a handler context write to it. Start
// returns immediately; use Wait to block for the run to end.
func (e *Engine) Start(ctx context.Context, conn Connection) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("rpc: engine already started")
	}
	e.started = true
	e.conn = conn
	e.mu.Unlock()

	baseCtx, runCancel := context.WithCancel(ctx)
	eg, runCtx := errgroup.WithContext(baseCtx)
	e.eg = eg
	e.runCtx = runCtx
	e.runCancel = runCancel
	eg.Go(func() error { return e.receiveLoop(runCtx, conn) })
	return nil
}

// Reconnect replaces the active connection with conn, closing the previous
// one and starting a new receive loop for the new one. In-flight requests
// issued against the previous connection remain pending: their eventual
// response is still routed to the caller awaiting it, provided the new
// connection (or the old one, if it's still draining buffered responses)
// delivers a matching response.
func (e *Engine) Reconnect(conn Connection) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return errors.New("rpc: engine not started")
	}
	old := e.conn
	e.conn = conn
	runCtx := e.runCtx
	e.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	e.eg.Go(func() error { return e.receiveLoop(runCtx, conn) })
	return nil
}

// Wait blocks until every receive loop the engine has started has exited,
// returning the first unexpected error encountered, if any.
func (e *Engine) Wait() error {
	if e.eg == nil {
		return nil
	}
	return e.eg.Wait()
}

// Stop closes the active connection, cancels the context every in-flight
// handler runs under, and waits for all receive loops and handlers to exit.
// It then fails every still-pending request with a CodeInternalError
// response whose message is ErrConnectionClosed's text.
func (e *Engine) Stop() error {
	e.mu.Lock()
	conn := e.conn
	runCancel := e.runCancel
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if runCancel != nil {
		runCancel()
	}
	e.dropDebounced()

	err := e.Wait()
	e.failAllPending(ErrConnectionClosed)
	e.fireDisconnect()
	return err
}

func (e *Engine) failAllPending(err error) {
	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[jsonrpc.ID]*pendingCall)
	e.mu.Unlock()

	resp := &jsonrpc.Response{Err: jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())}
	for _, call := range pending {
		select {
		case call.resultCh <- resp:
		default:
		}
	}
}

func (e *Engine) currentConn() Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

func (e *Engine) receiveLoop(ctx context.Context, conn Connection) error {
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil || isClosedConnError(err) {
				e.fireDisconnect()
				return nil
			}
			e.logger.Error("rpc: receive loop error", "error", err)
			e.fireDisconnect()
			return err
		}
		e.dispatch(ctx, conn, msg)
	}
}

// isClosedConnError recognizes the errors transports return after Close is
// called out from under an in-flight Read, so a deliberate shutdown doesn't
// propagate as an engine failure.
func isClosedConnError(err error) bool {
	return errors.Is(err, ErrConnectionClosed)
}

// ErrConnectionClosed is returned by Connection.Read implementations in
// this package after Close has been called.
var ErrConnectionClosed = errors.New("rpc: connection closed")

// wireTraceEnabled reports whether DUPLEXMCP_DEBUG=wire=1 (or another value
// rtdebug.Bool treats as true) was set, gating the verbose per-frame logging below without
// threading a flag through every constructor.
func wireTraceEnabled() bool { return rtdebug.Bool("wire") }

func (e *Engine) dispatch(ctx context.Context, conn Connection, msg jsonrpc.Message) {
	if wireTraceEnabled() {
		e.logger.Debug("rpc: inbound frame", "type", fmt.Sprintf("%T", msg))
	}
	switch m := msg.(type) {
	case *jsonrpc.Request:
		e.handleRequest(ctx, conn, m)
	case *jsonrpc.Notification:
		e.handleNotification(ctx, conn, m)
	case *jsonrpc.Response:
		e.handleResponse(m)
	case jsonrpc.Batch:
		for _, item := range m {
			e.dispatch(ctx, conn, item)
		}
	case *jsonrpc.Unknown:
		if e.UnknownMessageHandler != nil {
			e.UnknownMessageHandler(ctx, m.Raw)
			return
		}
		e.logger.Warn("rpc: dropping frame of unrecognized shape", "raw", string(m.Raw))
	default:
		e.logger.Warn("rpc: dropping frame of unrecognized shape")
	}
}

func (e *Engine) handleRequest(ctx context.Context, conn Connection, req *jsonrpc.Request) {
	e.handlersMu.RLock()
	handler, ok := e.requestHandlers[req.Method]
	e.handlersMu.RUnlock()

	if !ok {
		resp := &jsonrpc.Response{
			ID:  req.ID,
			Err: jsonrpc.NewError(jsonrpc.CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method)),
		}
		if err := conn.Write(ctx, resp, &WriteOptions{RelatedRequestID: req.ID}); err != nil {
			e.logger.Error("rpc: failed writing method-not-found response", "error", err)
		}
		return
	}

	hctx, cancel := context.WithCancel(ctx)
	if req.ID.IsValid() {
		e.mu.Lock()
		e.inflightCancel[req.ID] = cancel
		e.mu.Unlock()
	}

	// Spawned via the errgroup backing the current receive loop, so a
	// transport-fatal error (or Stop) cancels runCtx and every in-flight
	// handler observes it cooperatively through hctx.Done() — the
	// "parallel threads ... combined with cooperative concurrency" model.
	e.mu.Lock()
	eg := e.eg
	e.mu.Unlock()
	if eg != nil {
		eg.Go(func() error {
			e.runRequestHandler(hctx, cancel, ctx, conn, req, handler)
			return nil
		})
	} else {
		go e.runRequestHandler(hctx, cancel, ctx, conn, req, handler)
	}
}

func (e *Engine) runRequestHandler(hctx context.Context, cancel context.CancelFunc, writeCtx context.Context, conn Connection, req *jsonrpc.Request, handler RequestHandler) {
	defer func() {
		cancel()
		if req.ID.IsValid() {
			e.mu.Lock()
			delete(e.inflightCancel, req.ID)
			e.mu.Unlock()
		}
	}()

	hctx = withHandlerConn(hctx, conn, req.ID)

	hctx, span := tracer.Start(hctx, "mcp.handle", trace.WithAttributes(
		attribute.String("rpc.method", req.Method),
		attribute.String("rpc.id", req.ID.String()),
	))
	result, rpcErr := e.invokeRequestHandler(hctx, req, handler)
	if rpcErr != nil {
		span.SetAttributes(attribute.Int64("rpc.error_code", rpcErr.Code))
	}
	span.End()

	resp := &jsonrpc.Response{ID: req.ID}
	if rpcErr != nil {
		resp.Err = rpcErr
	} else {
		resp.Result = result
	}
	if err := conn.Write(writeCtx, resp, &WriteOptions{RelatedRequestID: req.ID}); err != nil {
		e.logger.Error("rpc: failed writing response", "method", req.Method, "error", err)
	}
}

func (e *Engine) invokeRequestHandler(ctx context.Context, req *jsonrpc.Request, handler RequestHandler) (result json.RawMessage, rpcErr *jsonrpc.Error) {
	defer func() {
		if r := recover(); r != nil {
			rpcErr = jsonrpc.NewError(jsonrpc.CodeInternalError, fmt.Sprintf("panic handling %s: %v", req.Method, r))
			result = nil
		}
	}()
	return handler(ctx, req)
}

func (e *Engine) handleNotification(ctx context.Context, conn Connection, n *jsonrpc.Notification) {
	if n.Method == methodProgressNotification {
		e.routeProgress(n)
		return
	}
	if n.Method == methodCancelledNotification {
		e.handleCancelled(n)
		return
	}

	e.handlersMu.RLock()
	handler, ok := e.notificationHandlers[n.Method]
	e.handlersMu.RUnlock()
	if !ok {
		return
	}

	hctx := withHandlerConn(ctx, conn, jsonrpc.ID{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("rpc: notification handler panic", "method", n.Method, "recover", r)
			}
		}()
		handler(hctx, n)
	}()
}

// handleCancelled reacts to an inbound "notifications/cancelled" by flipping
// the cooperative cancellation flag on the named request's handler context,
// if that request is still in flight. Unknown or already-finished request
// IDs are silently ignored — cancellation racing completion is normal.
func (e *Engine) handleCancelled(n *jsonrpc.Notification) {
	var params cancelledNotificationParams
	if err := json.Unmarshal(n.Params, &params); err != nil {
		e.logger.Warn("rpc: malformed cancelled notification", "error", err)
		return
	}
	e.mu.Lock()
	cancel, ok := e.inflightCancel[params.RequestID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) routeProgress(n *jsonrpc.Notification) {
	var params progressNotificationParams
	if err := json.Unmarshal(n.Params, &params); err != nil {
		e.logger.Warn("rpc: malformed progress notification", "error", err)
		return
	}
	if !params.ProgressToken.IsPresent() {
		return
	}

	e.mu.Lock()
	sink, ok := e.progress[params.ProgressToken]
	e.mu.Unlock()
	if !ok {
		return
	}
	if sink.tc != nil {
		sink.tc.signalProgress()
	}
	if sink.fn != nil {
		sink.fn(Progress{Progress: params.Progress, Total: params.Total, Message: params.Message})
	}
}

func (e *Engine) handleResponse(resp *jsonrpc.Response) {
	if e.routeResponse(resp) {
		return
	}

	e.mu.Lock()
	call, ok := e.pending[resp.ID]
	if ok {
		delete(e.pending, resp.ID)
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Warn("rpc: response for unknown or already-completed request", "id", resp.ID.String())
		return
	}
	call.resultCh <- resp
}

func (e *Engine) nextID() jsonrpc.ID {
	return jsonrpc.IntID(e.idCounter.Add(1))
}

// SendRequest issues method/params as a new JSON-RPC request and blocks
// until a matching response arrives, ctx is done, or a configured timeout
// elapses.
//
// If ctx was derived from a RequestHandler or NotificationHandler callback
// (i.e. this call is made from inside a handler), the request is written to
// the same connection that delivered the inbound message, tagged with that
// message's ID as RelatedRequestID — this is what lets a multiplexing
// transport route the eventual response to the right place even if the
// engine's active connection has since been replaced. Otherwise it is
// written to the engine's current connection untagged.
func (e *Engine) SendRequest(ctx context.Context, method string, params json.RawMessage, opts *SendOptions) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "mcp.request", trace.WithAttributes(attribute.String("rpc.method", method)))
	defer span.End()

	if opts == nil {
		opts = &SendOptions{}
	}

	conn, relatedID, fromHandler := connFromContext(ctx)
	if !fromHandler {
		conn = e.currentConn()
		relatedID = jsonrpc.ID{}
	}
	if conn == nil {
		return nil, ErrNotConnected
	}
	if !supportsServerToClientRequests(conn) {
		return nil, ErrStatelessConnection
	}

	id := e.nextID()

	var token ProgressToken
	if opts.OnProgress != nil {
		if opts.ProgressToken != nil {
			token = *opts.ProgressToken
		} else {
			token = IntProgressToken(e.idCounter.Add(1))
		}
		var err error
		params, err = injectProgressToken(params, token)
		if err != nil {
			return nil, err
		}
	}

	call := &pendingCall{resultCh: make(chan *jsonrpc.Response, 1)}

	var tc *timeoutController
	if opts.Timeout > 0 || opts.MaxTotalTimeout > 0 {
		tc = newTimeoutController(opts.TimeoutOptions)
	}

	e.mu.Lock()
	e.pending[id] = call
	if token.IsPresent() {
		e.progress[token] = &progressSink{fn: opts.OnProgress, tc: tc}
	}
	e.mu.Unlock()

	cleanup := func() {
		e.mu.Lock()
		delete(e.pending, id)
		if token.IsPresent() {
			delete(e.progress, token)
		}
		e.mu.Unlock()
	}

	span.SetAttributes(attribute.String("rpc.id", id.String()))

	req := &jsonrpc.Request{ID: id, Method: method, Params: params}
	if wireTraceEnabled() {
		e.logger.Debug("rpc: outbound request", "method", method, "id", id.String())
	}
	if err := conn.Write(ctx, req, &WriteOptions{RelatedRequestID: relatedID}); err != nil {
		cleanup()
		return nil, err
	}

	if tc == nil {
		select {
		case resp := <-call.resultCh:
			cleanup()
			return finishResponse(resp)
		case <-ctx.Done():
			cleanup()
			return nil, ctx.Err()
		}
	}

	timeoutErrCh := make(chan error, 1)
	go func() { timeoutErrCh <- tc.wait(ctx) }()

	select {
	case resp := <-call.resultCh:
		tc.cancel()
		cleanup()
		return finishResponse(resp)
	case werr := <-timeoutErrCh:
		cleanup()
		if werr == nil {
			werr = ctx.Err()
		}
		return nil, werr
	}
}

func finishResponse(resp *jsonrpc.Response) (json.RawMessage, error) {
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Result, nil
}

// SendNotification sends method/params as a JSON-RPC notification: no
// response is expected or awaited. See SendRequest for how ctx determines
// which connection the message is written to.
//
// If method is in the configured debounce set (SetDebouncedMethods) and this
// call carries no RelatedRequestID — i.e. it isn't tagged to a specific
// inbound request's per-request stream — the send is coalesced with any
// other pending debounced call for the same method: only the latest params
// are eventually written. A RelatedRequestID always bypasses debouncing,
// since a per-request stream has its own delivery semantics.
func (e *Engine) SendNotification(ctx context.Context, method string, params json.RawMessage) error {
	ctx, span := tracer.Start(ctx, "mcp.notification", trace.WithAttributes(attribute.String("rpc.method", method)))
	defer span.End()

	conn, relatedID, fromHandler := connFromContext(ctx)
	if !fromHandler {
		conn = e.currentConn()
		relatedID = jsonrpc.ID{}
	}
	if conn == nil {
		return ErrNotConnected
	}

	if !relatedID.IsValid() && e.isDebounced(method) {
		e.enqueueDebounced(conn, method, params)
		return nil
	}

	if wireTraceEnabled() {
		e.logger.Debug("rpc: outbound notification", "method", method)
	}
	n := &jsonrpc.Notification{Method: method, Params: params}
	return conn.Write(ctx, n, &WriteOptions{RelatedRequestID: relatedID})
}

// contextKey is an unexported type so Engine's context values never
// collide with keys set by other packages.
type contextKey int

const (
	ctxKeyConn contextKey = iota
	ctxKeyRelatedID
)

func withHandlerConn(ctx context.Context, conn Connection, relatedID jsonrpc.ID) context.Context {
	ctx = context.WithValue(ctx, ctxKeyConn, conn)
	ctx = context.WithValue(ctx, ctxKeyRelatedID, relatedID)
	return ctx
}

func connFromContext(ctx context.Context) (Connection, jsonrpc.ID, bool) {
	conn, ok := ctx.Value(ctxKeyConn).(Connection)
	if !ok || conn == nil {
		return nil, jsonrpc.ID{}, false
	}
	relatedID, _ := ctx.Value(ctxKeyRelatedID).(jsonrpc.ID)
	return conn, relatedID, true
}
