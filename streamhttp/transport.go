package streamhttp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/duplexmcp/duplexmcp/eventstore"
	"github.com/duplexmcp/duplexmcp/jsonrpc"
	"github.com/duplexmcp/duplexmcp/rpc"
)

// sseEvent is one rendered SSE frame awaiting delivery to a stream's
// consumer goroutine (the HTTP handler looping on an open response).
type sseEvent struct {
	eventID string // empty when no event store is configured
	payload []byte
}

// outStream is one open SSE channel: either the per-session standalone
// stream (opened by GET) or a per-request stream (opened by a POST
// carrying at least one request element).
type outStream struct {
	id   int64
	key  string // event store stream key
	ch   chan sseEvent
	done chan struct{}
	ids  []jsonrpc.ID // request IDs routed to this stream, for requestStream cleanup

	doneOnce sync.Once
}

func newOutStream(id int64, key string) *outStream {
	return &outStream{id: id, key: key, ch: make(chan sseEvent, 32), done: make(chan struct{})}
}

// markDone signals the stream's consumer loop that no further responses
// are expected — all requests opened against this stream have answered.
// Idempotent.
func (s *outStream) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// serverTransport is the rpc.Connection backing one HTTP session. Its
// lifetime spans many independent HTTP requests: POST handlers feed
// inbound frames into it and drain outbound frames destined for their own
// stream; GET handlers attach as the standalone stream's consumer.
type serverTransport struct {
	sessionID string
	store     eventstore.Store
	logger    *slog.Logger

	incoming chan jsonrpc.Message
	closed   chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	nextStreamID  int64
	streams       map[int64]*outStream
	pending       map[int64]int // outstanding response count, per stream id
	requestStream map[jsonrpc.ID]int64
	standalone    *outStream
	requestMeta   map[jsonrpc.ID]requestMeta
}

// requestMeta is the per-inbound-request slice of a TransportMessage's
// context (§4.2): whatever the HTTP layer observed about the POST that
// carried this request, handed to the session layer's RequestContext.
type requestMeta struct {
	authInfo    any
	requestInfo any
}

func newServerTransport(sessionID string, store eventstore.Store, logger *slog.Logger) *serverTransport {
	return &serverTransport{
		sessionID:     sessionID,
		store:         store,
		logger:        logger,
		incoming:      make(chan jsonrpc.Message, 64),
		closed:        make(chan struct{}),
		streams:       make(map[int64]*outStream),
		pending:       make(map[int64]int),
		requestStream: make(map[jsonrpc.ID]int64),
		requestMeta:   make(map[jsonrpc.ID]requestMeta),
	}
}

func (t *serverTransport) SessionID() string { return t.sessionID }

// attachMeta records authInfo/requestInfo for the inbound request id,
// consumed once by RequestMetadata when the session layer builds that
// request's RequestContext. Call before delivering the request.
func (t *serverTransport) attachMeta(id jsonrpc.ID, authInfo, requestInfo any) {
	t.mu.Lock()
	t.requestMeta[id] = requestMeta{authInfo: authInfo, requestInfo: requestInfo}
	t.mu.Unlock()
}

// RequestMetadata implements rpc.MetadataSource.
func (t *serverTransport) RequestMetadata(id jsonrpc.ID) (authInfo, requestInfo any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.requestMeta[id]
	if !ok {
		return nil, nil
	}
	delete(t.requestMeta, id)
	return m.authInfo, m.requestInfo
}

// SupportsServerToClientRequests reports true only while a standalone SSE
// stream is open: that is the only channel a server-initiated request can
// be delivered over.
func (t *serverTransport) SupportsServerToClientRequests() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.standalone != nil
}

// Read implements rpc.Connection, fed by deliver.
func (t *serverTransport) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg, ok := <-t.incoming:
		if !ok {
			return nil, rpc.ErrConnectionClosed
		}
		return msg, nil
	case <-t.closed:
		return nil, rpc.ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliver pushes an inbound frame parsed from a POST body into the
// session's receive loop.
func (t *serverTransport) deliver(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case t.incoming <- msg:
		return nil
	case <-t.closed:
		return rpc.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write implements rpc.Connection. Responses and notifications go to the
// per-request stream of their RelatedRequestID, or to the standalone SSE
// stream when no such stream is open; the handler drains a per-request
// stream in JSON mode as well as in SSE mode.
func (t *serverTransport) Write(ctx context.Context, msg jsonrpc.Message, opts *rpc.WriteOptions) error {
	var relatedID jsonrpc.ID
	if opts != nil {
		relatedID = opts.RelatedRequestID
	}

	switch m := msg.(type) {
	case *jsonrpc.Response:
		return t.routeToStream(relatedID, m, true)
	case *jsonrpc.Notification:
		return t.routeToStream(relatedID, m, false)
	case *jsonrpc.Request:
		return t.writeStandalone(m)
	case jsonrpc.Batch:
		for _, item := range m {
			if err := t.Write(ctx, item, opts); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("streamhttp: cannot write message of type %T", msg)
	}
}

func (t *serverTransport) writeStandalone(msg jsonrpc.Message) error {
	t.mu.Lock()
	stream := t.standalone
	t.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("streamhttp: no standalone stream open to carry a server-initiated request")
	}
	return t.emit(stream, msg, false)
}

func (t *serverTransport) routeToStream(relatedID jsonrpc.ID, msg jsonrpc.Message, isResponse bool) error {
	t.mu.Lock()
	var sid int64
	var ok bool
	if relatedID.IsValid() {
		sid, ok = t.requestStream[relatedID]
	}
	var stream *outStream
	if ok {
		stream = t.streams[sid]
	}
	if stream == nil {
		stream = t.standalone
	}
	t.mu.Unlock()

	if stream == nil {
		t.logger.Warn("streamhttp: dropping message with no open stream to carry it", "related_request_id", relatedID.String())
		return nil
	}
	if err := t.emit(stream, msg, false); err != nil {
		return err
	}
	if isResponse {
		t.markResponseDelivered(sid)
	}
	return nil
}

func (t *serverTransport) emit(stream *outStream, msg jsonrpc.Message, priming bool) error {
	var payload []byte
	if !priming {
		data, err := jsonrpc.Encode(msg)
		if err != nil {
			return err
		}
		payload = data
	}

	ev := sseEvent{payload: payload}
	if t.store != nil {
		var eid string
		var err error
		if priming {
			eid, err = t.store.AppendPriming(context.Background(), stream.key)
		} else {
			eid, err = t.store.Append(context.Background(), stream.key, payload)
		}
		if err != nil {
			return err
		}
		ev.eventID = eid
	}

	select {
	case stream.ch <- ev:
	case <-stream.done:
	case <-t.closed:
	}
	return nil
}

// emitPriming appends and delivers a zero-payload priming event to stream,
// used after a replay on a protocol version that requires one.
func (t *serverTransport) emitPriming(stream *outStream) error {
	return t.emit(stream, nil, true)
}

func (t *serverTransport) markResponseDelivered(sid int64) {
	t.mu.Lock()
	n, ok := t.pending[sid]
	if ok {
		n--
		t.pending[sid] = n
	}
	stream := t.streams[sid]
	t.mu.Unlock()
	if ok && n <= 0 && stream != nil {
		stream.markDone()
	}
}

// openRequestStream registers a fresh per-request stream that will carry
// the responses (and any interleaved notifications) for the given request
// IDs, all of which arrived in the same POST body.
func (t *serverTransport) openRequestStream(ids []jsonrpc.ID) *outStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextStreamID++
	sid := t.nextStreamID
	stream := newOutStream(sid, fmt.Sprintf("%s-req-%d", t.sessionID, sid))
	stream.ids = ids
	t.streams[sid] = stream
	t.pending[sid] = len(ids)
	for _, id := range ids {
		t.requestStream[id] = sid
	}
	if len(ids) == 0 {
		stream.markDone()
	}
	return stream
}

// ReleaseResponseStream implements rpc.StreamReleaser. It marks the
// per-request stream carrying id's eventual response done immediately,
// so the HTTP handler blocked in writeSSEStream drains whatever already
// arrived and returns without waiting on id's response at all. A response
// written afterward is simply dropped by emit's closed-stream case: this
// is the guaranteed-release-on-every-exit-path behavior CloseResponseStream
// promises, not an error condition.
func (t *serverTransport) ReleaseResponseStream(id jsonrpc.ID) {
	t.mu.Lock()
	sid, ok := t.requestStream[id]
	var stream *outStream
	if ok {
		stream = t.streams[sid]
	}
	t.mu.Unlock()
	if stream != nil {
		stream.markDone()
	}
}

// ReleaseNotificationStream implements rpc.StreamReleaser, ending the
// session's standalone GET stream the same way ReleaseResponseStream ends
// a per-request one.
func (t *serverTransport) ReleaseNotificationStream() {
	t.mu.Lock()
	stream := t.standalone
	t.mu.Unlock()
	if stream != nil {
		stream.markDone()
	}
}

func (t *serverTransport) closeRequestStream(stream *outStream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, stream.id)
	delete(t.pending, stream.id)
	for _, id := range stream.ids {
		if t.requestStream[id] == stream.id {
			delete(t.requestStream, id)
		}
	}
}

// openStandaloneStream installs stream as the session's standalone SSE
// stream, replacing (and signaling done to) any stream already installed —
// a later GET supersedes an earlier one rather than stacking readers.
func (t *serverTransport) openStandaloneStream(key string) *outStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.standalone != nil {
		t.standalone.markDone()
	}
	stream := newOutStream(0, key)
	t.standalone = stream
	return stream
}

func (t *serverTransport) closeStandaloneStream(stream *outStream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.standalone == stream {
		t.standalone = nil
	}
}

// Close implements rpc.Connection. Idempotent: releases every open stream
// and stops accepting or delivering further frames.
func (t *serverTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		for _, s := range t.streams {
			s.markDone()
		}
		if t.standalone != nil {
			t.standalone.markDone()
			t.standalone = nil
		}
		t.mu.Unlock()
	})
	return nil
}
