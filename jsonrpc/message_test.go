package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIDRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		id   ID
		wire string
	}{
		{"string", StringID("abc"), `"abc"`},
		{"int", IntID(42), `42`},
		{"zero int is valid, not absent", IntID(0), `0`},
		{"absent", ID{}, `null`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			data, err := json.Marshal(c.id)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(data) != c.wire {
				t.Fatalf("Marshal(%v) = %s, want %s", c.id, data, c.wire)
			}
			var got ID
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !got.Equal(c.id) {
				t.Fatalf("round trip: got %v, want %v", got, c.id)
			}
		})
	}
}

func TestIDZeroValueIsInvalid(t *testing.T) {
	var zero ID
	if zero.IsValid() {
		t.Fatal("zero value ID must not be valid")
	}
	if !IntID(0).IsValid() {
		t.Fatal("IntID(0) must be valid, distinct from the zero value")
	}
	if zero.Equal(IntID(0)) {
		t.Fatal("the absent ID must not equal IntID(0)")
	}
}

func TestIDUnmarshalRejectsBadShape(t *testing.T) {
	var id ID
	if err := json.Unmarshal([]byte(`{"a":1}`), &id); err == nil {
		t.Fatal("expected an error unmarshaling an object into ID")
	}
}

func TestDecodeRequest(t *testing.T) {
	f, err := Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping","params":{"x":1}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Kind != FrameRequest {
		t.Fatalf("Kind = %v, want FrameRequest", f.Kind)
	}
	if f.Request.Method != "ping" || !f.Request.ID.Equal(IntID(1)) {
		t.Fatalf("unexpected request: %+v", f.Request)
	}
}

func TestDecodeNotification(t *testing.T) {
	f, err := Decode([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Kind != FrameNotification {
		t.Fatalf("Kind = %v, want FrameNotification", f.Kind)
	}
	if f.Notification.Method != "notifications/initialized" {
		t.Fatalf("unexpected notification: %+v", f.Notification)
	}
}

func TestDecodeResponseSuccessAndError(t *testing.T) {
	f, err := Decode([]byte(`{"jsonrpc":"2.0","id":"x","result":{"ok":true}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Kind != FrameResponse || f.Response.IsError() {
		t.Fatalf("unexpected frame: %+v", f)
	}

	f, err = Decode([]byte(`{"jsonrpc":"2.0","id":"x","error":{"code":-32601,"message":"nope"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Kind != FrameResponse || !f.Response.IsError() {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if f.Response.Err.Code != CodeMethodNotFound {
		t.Fatalf("Err.Code = %d, want %d", f.Response.Err.Code, CodeMethodNotFound)
	}
}

func TestDecodeUnknownShapes(t *testing.T) {
	cases := []string{
		`{"jsonrpc":"1.0","method":"ping"}`, // wrong protocol version
		`{"jsonrpc":"2.0"}`,                 // no method, no result, no error
	}
	for _, raw := range cases {
		f, err := Decode([]byte(raw))
		if err != nil {
			t.Fatalf("Decode(%s): unexpected error %v", raw, err)
		}
		if f.Kind != FrameUnknown {
			t.Fatalf("Decode(%s).Kind = %v, want FrameUnknown", raw, f.Kind)
		}
	}
}

func TestDecodeResponseMissingIDIsUnknown(t *testing.T) {
	f, err := Decode([]byte(`{"jsonrpc":"2.0","result":{}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Kind != FrameUnknown {
		t.Fatalf("Kind = %v, want FrameUnknown for an id-less result", f.Kind)
	}
}

func TestDecodeInvalidJSONIsParseError(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	if err == nil {
		t.Fatal("expected a parse error")
	}
	rpcErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if rpcErr.Code != CodeParseError {
		t.Fatalf("Code = %d, want %d", rpcErr.Code, CodeParseError)
	}
}

func TestDecodeBatch(t *testing.T) {
	raw := `[
		{"jsonrpc":"2.0","id":1,"method":"a"},
		{"jsonrpc":"2.0","method":"b"},
		{"jsonrpc":"2.0","id":2,"result":{}}
	]`
	f, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Kind != FrameBatch {
		t.Fatalf("Kind = %v, want FrameBatch", f.Kind)
	}
	if len(f.Batch) != 3 {
		t.Fatalf("len(Batch) = %d, want 3", len(f.Batch))
	}
	if _, ok := f.Batch[0].(*Request); !ok {
		t.Fatalf("Batch[0] type = %T, want *Request", f.Batch[0])
	}
	if _, ok := f.Batch[1].(*Notification); !ok {
		t.Fatalf("Batch[1] type = %T, want *Notification", f.Batch[1])
	}
	if _, ok := f.Batch[2].(*Response); !ok {
		t.Fatalf("Batch[2] type = %T, want *Response", f.Batch[2])
	}
}

func TestEncodeRequestRoundTrip(t *testing.T) {
	req := &Request{ID: StringID("r1"), Method: "tools/call", Params: json.RawMessage(`{"name":"x"}`)}
	data, err := Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(req.Method, f.Request.Method); diff != "" {
		t.Fatalf("Method mismatch (-want +got):\n%s", diff)
	}
	if !f.Request.ID.Equal(req.ID) {
		t.Fatalf("ID mismatch: got %v, want %v", f.Request.ID, req.ID)
	}
}

func TestEncodeBatchEmptyEncodesAsEmptyArray(t *testing.T) {
	data, err := EncodeBatch(Batch{})
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	if string(data) != "[]" {
		t.Fatalf("EncodeBatch(empty) = %s, want []", data)
	}
}

func TestUnknownMarshalsRawVerbatim(t *testing.T) {
	u := &Unknown{Raw: json.RawMessage(`{"jsonrpc":"1.0"}`)}
	data, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"jsonrpc":"1.0"}` {
		t.Fatalf("Marshal(Unknown) = %s, want verbatim Raw", data)
	}
}
