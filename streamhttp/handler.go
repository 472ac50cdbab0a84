package streamhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/duplexmcp/duplexmcp/eventstore"
	"github.com/duplexmcp/duplexmcp/jsonrpc"
	"github.com/duplexmcp/duplexmcp/rpc"
	"github.com/duplexmcp/duplexmcp/session"
)

// HTTP header names the streaming HTTP transport reads and writes, per
// the MCP streamable-HTTP transport spec.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "Mcp-Protocol-Version"
	HeaderLastEventID     = "Last-Event-ID"
)

// DefaultPath is the conventional single endpoint a streaming HTTP MCP
// server exposes its POST/GET/DELETE surface on.
const DefaultPath = "/mcp"

// standaloneStreamSuffix names the event-store stream key used for a
// session's standalone GET stream, stable across reconnects so
// Last-Event-ID resumption finds the same log.
const standaloneStreamSuffix = "_GET_stream"

const maxPOSTBodyBytes = 16 * 1024 * 1024

// httpRequestInfo is the requestInfo surfaced through
// session.RequestContext.RequestInfo() for a request delivered over this
// transport: whatever the POST that carried it looked like at the HTTP
// layer.
type httpRequestInfo struct {
	Method     string
	URL        string
	RemoteAddr string
	Headers    http.Header
}

// HandlerOptions configures a Handler. A nil *HandlerOptions is equivalent
// to &HandlerOptions{}; every field has a safe default.
type HandlerOptions struct {
	// Path is the single route the handler serves POST/GET/DELETE on.
	// Empty selects DefaultPath.
	Path string

	// EventStore backs resumable GET streams. Nil disables resumption:
	// SSE frames are emitted without "id:" lines and Last-Event-ID on a
	// reconnect always fails with 400.
	EventStore eventstore.Store

	// SessionIDGenerator mints a fresh session ID at initialize. Nil
	// selects a uuid.NewString-based default.
	SessionIDGenerator func() string

	Logger *slog.Logger

	// DNSRebindingProtection selects how Origin/Host are validated.
	// Empty defaults to DNSRebindingProtectionHostAllowlist (on).
	DNSRebindingProtection session.DNSRebindingProtection
	AllowedHosts           []string
	AllowedOrigins         []string

	// SupportedProtocolVersions is filled with the module's full default
	// set when empty; the handler does not otherwise read it. Batch-POST
	// gating (disabled at and after 2025-06-18) follows the request's
	// Mcp-Protocol-Version header, or the session's negotiated version when
	// the header is absent; priming-after-replay (enabled at and after
	// 2025-11-25) follows the negotiated version. Negotiation uses the
	// session.Server's own ServerOptions.
	SupportedProtocolVersions []string

	// OnSessionInitialized and OnSessionClosed fire once per session, after
	// a successful handshake and on session teardown (DELETE or transport
	// shutdown) respectively. Both run in their own goroutine and must not
	// block or panic the caller.
	OnSessionInitialized func(sessionID string)
	OnSessionClosed       func(sessionID string)

	// RequestsPerSecond rate-limits POSTs per session via
	// golang.org/x/time/rate. Zero (the default) disables rate limiting —
	// this is an ambient hardening knob, not a spec feature, so it starts
	// out of the way.
	RequestsPerSecond float64
	RateBurst         int

	// JSONResponseMode, when true, makes the handler buffer every response
	// for a POST into a single application/json body (dropping any
	// notifications the handler emitted meanwhile, since a JSON body has
	// nowhere to carry them) instead of opening an SSE stream. initialize
	// always answers in JSON mode regardless of this flag, since the
	// handshake never has concurrent notification traffic to lose.
	JSONResponseMode bool
}

func (o *HandlerOptions) orDefaults() *HandlerOptions {
	var out HandlerOptions
	if o != nil {
		out = *o
	}
	if out.Path == "" {
		out.Path = DefaultPath
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.SessionIDGenerator == nil {
		out.SessionIDGenerator = func() string { return uuid.NewString() }
	}
	if out.DNSRebindingProtection == "" {
		out.DNSRebindingProtection = session.DNSRebindingProtectionHostAllowlist
	}
	if len(out.AllowedHosts) == 0 {
		out.AllowedHosts = []string{"127.0.0.1", "localhost", "[::1]"}
	}
	if len(out.SupportedProtocolVersions) == 0 {
		out.SupportedProtocolVersions = []string{
			session.ProtocolVersion20241105,
			session.ProtocolVersion20250326,
			session.ProtocolVersion20250618,
			session.ProtocolVersion20251125,
		}
	}
	return &out
}

// httpSession is the HTTPSession record: the live transport backing one
// MCP session plus the bookkeeping the Handler needs across requests.
type httpSession struct {
	id        string
	transport *serverTransport
	ss        *session.ServerSession
	limiter   *rate.Limiter

	createdAt time.Time

	mu            sync.Mutex
	lastUpdatedAt time.Time
}

func (hs *httpSession) touch() {
	hs.mu.Lock()
	hs.lastUpdatedAt = time.Now()
	hs.mu.Unlock()
}

func (hs *httpSession) rateAllow() bool {
	if hs.limiter == nil {
		return true
	}
	return hs.limiter.Allow()
}

func (hs *httpSession) protocolVersion() string {
	v := hs.ss.NegotiatedVersion()
	if v == "" {
		return session.LatestProtocolVersion
	}
	return v
}

// Handler is an http.Handler serving the streaming HTTP MCP transport
// described in spec §4.6: session multiplexing, standalone and per-request
// SSE streams, replay-from-Last-Event-ID resumability, DNS-rebind
// protection, and protocol-version-gated batch support — all layered over
// one *session.Server shared across every session the handler creates.
type Handler struct {
	server *session.Server
	opts   *HandlerOptions
	router *mux.Router

	mu       sync.Mutex
	sessions map[string]*httpSession
}

// NewHandler constructs a Handler serving sessions created from server. A
// nil opts is equivalent to &HandlerOptions{}.
func NewHandler(server *session.Server, opts *HandlerOptions) *Handler {
	h := &Handler{
		server:   server,
		opts:     opts.orDefaults(),
		sessions: make(map[string]*httpSession),
	}
	r := mux.NewRouter()
	r.Use(h.dnsRebindMiddleware)
	r.HandleFunc(h.opts.Path, h.handlePost).Methods(http.MethodPost)
	r.HandleFunc(h.opts.Path, h.handleGet).Methods(http.MethodGet)
	r.HandleFunc(h.opts.Path, h.handleDelete).Methods(http.MethodDelete)
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Close terminates every session the handler currently tracks, firing
// OnSessionClosed for each.
func (h *Handler) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*httpSession)
	h.mu.Unlock()
	for _, hs := range sessions {
		_ = hs.ss.Close()
		if h.opts.OnSessionClosed != nil {
			go h.opts.OnSessionClosed(hs.id)
		}
	}
}

// dnsRebindMiddleware rejects requests whose Host or Origin isn't on the
// configured allowlist, guarding a locally-bound server against a
// DNS-rebinding attacker's page making same-origin-looking requests to it.
func (h *Handler) dnsRebindMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch h.opts.DNSRebindingProtection {
		case session.DNSRebindingProtectionNone:
		case session.DNSRebindingProtectionOriginAllowlist:
			if origin := r.Header.Get("Origin"); origin != "" && !originAllowed(origin, h.opts.AllowedOrigins) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
		default: // DNSRebindingProtectionHostAllowlist
			if !hostAllowed(r.Host, h.opts.AllowedHosts) {
				http.Error(w, "host not allowed", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func hostAllowed(host string, allowed []string) bool {
	h := stripHostPort(host)
	for _, a := range allowed {
		if stripHostPort(a) == h {
			return true
		}
	}
	return false
}

// stripHostPort lowercases host and removes a trailing ":port" and any
// IPv6 brackets, so "[::1]:8080", "[::1]", and "::1" all normalize to the
// same comparison key. net.SplitHostPort rejects a bare address with no
// port (bracketed or not), so that case falls through to manual trimming.
func stripHostPort(host string) string {
	h := strings.ToLower(host)
	if hostOnly, _, err := net.SplitHostPort(h); err == nil {
		return hostOnly
	}
	return strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
}

func originAllowed(origin string, allowed []string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, a := range allowed {
		pu, err := url.Parse(a)
		if err == nil && pu.Hostname() != "" {
			if strings.ToLower(pu.Hostname()) == host {
				return true
			}
			continue
		}
		if strings.ToLower(a) == host || strings.ToLower(a) == strings.ToLower(origin) {
			return true
		}
	}
	return false
}

func (h *Handler) lookupSession(id string) *httpSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[id]
}

func (h *Handler) addSession(hs *httpSession) {
	h.mu.Lock()
	h.sessions[hs.id] = hs
	h.mu.Unlock()
}

func (h *Handler) removeSession(id string) *httpSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	hs := h.sessions[id]
	delete(h.sessions, id)
	return hs
}

func (h *Handler) createSession(ctx context.Context) (*httpSession, error) {
	id := h.opts.SessionIDGenerator()
	transport := newServerTransport(id, h.opts.EventStore, h.opts.Logger)

	var limiter *rate.Limiter
	if h.opts.RequestsPerSecond > 0 {
		burst := h.opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(h.opts.RequestsPerSecond), burst)
	}

	now := time.Now()
	hs := &httpSession{id: id, transport: transport, limiter: limiter, createdAt: now, lastUpdatedAt: now}

	tr := rpc.TransportFunc(func(context.Context) (rpc.Connection, error) { return transport, nil })
	ss, err := h.server.Connect(ctx, tr, nil)
	if err != nil {
		return nil, err
	}
	hs.ss = ss
	return hs, nil
}

func frameElements(f jsonrpc.Frame) []jsonrpc.Message {
	switch f.Kind {
	case jsonrpc.FrameRequest:
		return []jsonrpc.Message{f.Request}
	case jsonrpc.FrameNotification:
		return []jsonrpc.Message{f.Notification}
	case jsonrpc.FrameBatch:
		out := make([]jsonrpc.Message, len(f.Batch))
		copy(out, f.Batch)
		return out
	default:
		return nil
	}
}

func writeJSONRPCError(w http.ResponseWriter, status int, code int64, msg string) {
	resp := &jsonrpc.Response{Err: jsonrpc.NewError(code, msg)}
	data, _ := jsonrpc.Encode(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// handlePost implements spec §4.6's POST contract: initialize creates a
// fresh session, other POSTs require an existing one; notification-only
// bodies get a 202; bodies carrying at least one request get a JSON or SSE
// response depending on JSONResponseMode.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctype := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ctype, "application/json") {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeInvalidRequest, "Content-Type must be application/json")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPOSTBodyBytes))
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeParseError, "failed to read body")
		return
	}

	frame, decErr := jsonrpc.Decode(body)
	if decErr != nil {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeParseError, decErr.Error())
		return
	}
	if frame.Kind == jsonrpc.FrameUnknown {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeInvalidRequest, "unrecognized JSON-RPC envelope")
		return
	}

	isInitialize := frame.Kind == jsonrpc.FrameRequest && frame.Request.Method == "initialize"
	sessionIDHeader := r.Header.Get(HeaderSessionID)

	var hs *httpSession
	if isInitialize {
		if sessionIDHeader != "" {
			writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeInvalidRequest, "initialize must not carry Mcp-Session-Id")
			return
		}
		hs, err = h.createSession(r.Context())
		if err != nil {
			http.Error(w, "failed to create session", http.StatusInternalServerError)
			return
		}
	} else {
		if sessionIDHeader == "" {
			writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeInvalidRequest, "missing "+HeaderSessionID)
			return
		}
		hs = h.lookupSession(sessionIDHeader)
		if hs == nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		if !hs.rateAllow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		hs.touch()

		pv := r.Header.Get(HeaderProtocolVersion)
		if pv == "" {
			pv = hs.protocolVersion()
		}
		if frame.Kind == jsonrpc.FrameBatch && session.BatchDisabled(pv) {
			writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeInvalidRequest, "batch requests are not supported at this protocol version")
			return
		}
	}

	elems := frameElements(frame)
	var requestIDs []jsonrpc.ID
	reqInfo := httpRequestInfo{Method: r.Method, URL: r.URL.String(), RemoteAddr: r.RemoteAddr, Headers: r.Header.Clone()}
	var authInfo any
	if auth := r.Header.Get("Authorization"); auth != "" {
		authInfo = auth
	}
	for _, m := range elems {
		if req, ok := m.(*jsonrpc.Request); ok {
			requestIDs = append(requestIDs, req.ID)
			hs.transport.attachMeta(req.ID, authInfo, reqInfo)
		}
	}

	if len(requestIDs) == 0 {
		for _, m := range elems {
			if err := hs.transport.deliver(r.Context(), m); err != nil {
				http.Error(w, "session closed", http.StatusGone)
				return
			}
		}
		if isInitialize {
			// An initialize POST is always a request, never notification-only,
			// so this branch is unreachable for it — defensive only.
			h.addSession(hs)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	stream := hs.transport.openRequestStream(requestIDs)
	defer hs.transport.closeRequestStream(stream)

	for _, m := range elems {
		if err := hs.transport.deliver(r.Context(), m); err != nil {
			http.Error(w, "session closed", http.StatusGone)
			return
		}
	}

	if isInitialize {
		h.writeInitializeResponse(w, r, hs, stream)
		return
	}

	if h.opts.JSONResponseMode {
		h.writeJSONResponses(w, r, hs, stream, len(requestIDs))
		return
	}
	h.writeSSEStream(w, r, hs, stream, true)
}

// writeInitializeResponse waits for the single response the initialize
// request produces, registers the session, fires OnSessionInitialized on
// success, and answers with the Mcp-Session-Id header set.
func (h *Handler) writeInitializeResponse(w http.ResponseWriter, r *http.Request, hs *httpSession, stream *outStream) {
	select {
	case ev := <-stream.ch:
		h.addSession(hs)

		respFrame, err := jsonrpc.Decode(ev.payload)
		success := err == nil && respFrame.Kind == jsonrpc.FrameResponse && !respFrame.Response.IsError()
		if success && h.opts.OnSessionInitialized != nil {
			go h.opts.OnSessionInitialized(hs.id)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(HeaderSessionID, hs.id)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(ev.payload)
	case <-r.Context().Done():
		_ = hs.ss.Close()
	}
}

// writeJSONResponses collects exactly want responses off stream and
// answers with a single JSON body (a bare object for one request, a batch
// array otherwise). Notifications emitted by the handler meanwhile have no
// home in a JSON body and are dropped — the documented tradeoff of
// JSONResponseMode.
func (h *Handler) writeJSONResponses(w http.ResponseWriter, r *http.Request, hs *httpSession, stream *outStream, want int) {
	var responses []jsonrpc.Message
	for len(responses) < want {
		select {
		case ev := <-stream.ch:
			f, err := jsonrpc.Decode(ev.payload)
			if err != nil || f.Kind != jsonrpc.FrameResponse {
				continue
			}
			responses = append(responses, f.Response)
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderSessionID, hs.id)
	w.WriteHeader(http.StatusOK)

	var data []byte
	var err error
	if want == 1 {
		data, err = jsonrpc.Encode(responses[0])
	} else {
		data, err = jsonrpc.EncodeBatch(jsonrpc.Batch(responses))
	}
	if err != nil {
		h.opts.Logger.Error("streamhttp: failed encoding json-mode response", "error", err)
		return
	}
	_, _ = w.Write(data)
}

// writeSSEStream drains stream as an SSE response until it's marked done
// (setSessionHeader also sets Mcp-Session-Id, which only the POST path
// that created the stream needs — GET's standalone stream omits it).
func (h *Handler) writeSSEStream(w http.ResponseWriter, r *http.Request, hs *httpSession, stream *outStream, setSessionHeader bool) {
	flusher, _ := w.(http.Flusher)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	if setSessionHeader {
		w.Header().Set(HeaderSessionID, hs.id)
	}
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case ev := <-stream.ch:
			writeSSEEvent(w, ev)
			if flusher != nil {
				flusher.Flush()
			}
		case <-stream.done:
			h.drainRemaining(w, flusher, stream)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) drainRemaining(w http.ResponseWriter, flusher http.Flusher, stream *outStream) {
	for {
		select {
		case ev := <-stream.ch:
			writeSSEEvent(w, ev)
			if flusher != nil {
				flusher.Flush()
			}
		default:
			return
		}
	}
}

func writeSSEEvent(w io.Writer, ev sseEvent) {
	var b strings.Builder
	if ev.eventID != "" {
		fmt.Fprintf(&b, "id: %s\n", ev.eventID)
	}
	b.WriteString("data: ")
	b.Write(ev.payload)
	b.WriteString("\n\n")
	_, _ = io.WriteString(w, b.String())
}

// handleGet implements spec §4.6's GET contract: opens (or resumes) the
// session's standalone SSE stream for server-initiated notifications.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		http.Error(w, "Accept must include text/event-stream", http.StatusBadRequest)
		return
	}

	sessionIDHeader := r.Header.Get(HeaderSessionID)
	if sessionIDHeader == "" {
		http.Error(w, "missing "+HeaderSessionID, http.StatusBadRequest)
		return
	}
	hs := h.lookupSession(sessionIDHeader)
	if hs == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	hs.touch()

	key := hs.id + standaloneStreamSuffix
	lastEventID := r.Header.Get(HeaderLastEventID)

	var replayed []sseEvent
	if lastEventID != "" {
		if h.opts.EventStore == nil {
			http.Error(w, "server does not support stream resumption", http.StatusBadRequest)
			return
		}
		err := h.opts.EventStore.ReplayAfter(r.Context(), key, lastEventID, func(eventID string, payload []byte) error {
			replayed = append(replayed, sseEvent{eventID: eventID, payload: payload})
			return nil
		})
		if err != nil {
			if errors.Is(err, eventstore.ErrUnknownEventID) {
				http.Error(w, "unknown Last-Event-ID", http.StatusBadRequest)
			} else {
				http.Error(w, "replay failed", http.StatusInternalServerError)
			}
			return
		}
	}

	stream := hs.transport.openStandaloneStream(key)
	defer hs.transport.closeStandaloneStream(stream)

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, ev := range replayed {
		writeSSEEvent(w, ev)
	}
	if flusher != nil {
		flusher.Flush()
	}

	if lastEventID != "" && session.PrimingAfterReplayEnabled(hs.protocolVersion()) {
		if err := hs.transport.emitPriming(stream); err != nil {
			h.opts.Logger.Warn("streamhttp: failed emitting post-replay priming event", "error", err)
		}
	}

	for {
		select {
		case ev := <-stream.ch:
			writeSSEEvent(w, ev)
			if flusher != nil {
				flusher.Flush()
			}
		case <-stream.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handleDelete implements spec §4.6's DELETE contract: terminate the
// session, close its streams, fire OnSessionClosed.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionIDHeader := r.Header.Get(HeaderSessionID)
	if sessionIDHeader == "" {
		http.Error(w, "missing "+HeaderSessionID, http.StatusBadRequest)
		return
	}
	hs := h.removeSession(sessionIDHeader)
	if hs == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	_ = hs.ss.Close()
	if h.opts.OnSessionClosed != nil {
		go h.opts.OnSessionClosed(hs.id)
	}
	w.WriteHeader(http.StatusOK)
}
