package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FrameKind classifies a decoded frame. See [Decode].
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameRequest
	FrameResponse
	FrameNotification
	FrameBatch
)

// Frame is the result of decoding one top-level JSON value off the wire.
// Exactly one of Request, Response, Notification, Batch is set, matching
// Kind — except for FrameUnknown, where Raw holds the original bytes so
// callers can log or echo them.
type Frame struct {
	Kind         FrameKind
	Request      *Request
	Response     *Response
	Notification *Notification
	Batch        Batch
	Raw          json.RawMessage
}

// wireEnvelope is the superset of fields across request/response/notification
// shapes, used to classify a single JSON object before committing to a type.
type wireEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *wireError      `json:"error"`
}

type wireError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// hasKey reports whether key is present (to any value, including null) in
// the top-level JSON object data.
func hasKey(data []byte, key string) (bool, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return false, err
	}
	_, ok := raw[key]
	return ok, nil
}

// Decode parses one top-level JSON value as a JSON-RPC 2.0 frame.
//
// Invalid JSON returns a *Error with Code == CodeParseError. Valid JSON that
// is not a recognizable envelope (missing "jsonrpc", malformed id, etc.)
// returns a Frame with Kind == FrameUnknown rather than failing, per the
// wire codec contract.
func Decode(data []byte) (Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Frame{}, NewError(CodeParseError, "empty message")
	}
	if data[0] == '[' {
		return decodeBatch(data)
	}
	return decodeSingle(data)
}

func decodeBatch(data []byte) (Frame, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return Frame{}, NewError(CodeParseError, fmt.Sprintf("invalid JSON: %v", err))
	}
	batch := make(Batch, 0, len(raws))
	for _, raw := range raws {
		f, err := decodeSingle(raw)
		if err != nil {
			return Frame{}, err
		}
		switch f.Kind {
		case FrameRequest:
			batch = append(batch, f.Request)
		case FrameResponse:
			batch = append(batch, f.Response)
		case FrameNotification:
			batch = append(batch, f.Notification)
		default:
			batch = append(batch, &Unknown{Raw: json.RawMessage(raw)})
		}
	}
	return Frame{Kind: FrameBatch, Batch: batch}, nil
}

func decodeSingle(data []byte) (Frame, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		if json.Valid(data) {
			// Well-formed JSON of the wrong shape (a scalar, or a field of
			// the wrong type) is not a parse error.
			return Frame{Kind: FrameUnknown, Raw: json.RawMessage(data)}, nil
		}
		return Frame{}, NewError(CodeParseError, fmt.Sprintf("invalid JSON: %v", err))
	}

	if env.JSONRPC != protocolVersion {
		return Frame{Kind: FrameUnknown, Raw: json.RawMessage(data)}, nil
	}

	hasID, err := hasKey(data, "id")
	if err != nil {
		return Frame{}, NewError(CodeParseError, fmt.Sprintf("invalid JSON: %v", err))
	}

	switch {
	case env.Error != nil || env.Result != nil:
		if !hasID {
			return Frame{Kind: FrameUnknown, Raw: json.RawMessage(data)}, nil
		}
		var id ID
		if err := json.Unmarshal(env.ID, &id); err != nil {
			return Frame{Kind: FrameUnknown, Raw: json.RawMessage(data)}, nil
		}
		resp := &Response{ID: id, Result: env.Result}
		if env.Error != nil {
			resp.Err = &Error{Code: env.Error.Code, Message: env.Error.Message, Data: env.Error.Data}
		}
		return Frame{Kind: FrameResponse, Response: resp}, nil

	case env.Method != "":
		if !hasID {
			return Frame{Kind: FrameNotification, Notification: &Notification{Method: env.Method, Params: env.Params}}, nil
		}
		var id ID
		if err := json.Unmarshal(env.ID, &id); err != nil {
			return Frame{Kind: FrameUnknown, Raw: json.RawMessage(data)}, nil
		}
		return Frame{Kind: FrameRequest, Request: &Request{ID: id, Method: env.Method, Params: env.Params}}, nil

	default:
		return Frame{Kind: FrameUnknown, Raw: json.RawMessage(data)}, nil
	}
}

// Encode serializes a single message or a Batch to its wire form.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Batch:
		return json.Marshal([]Message(m))
	case *Request, *Response, *Notification, *Unknown:
		return json.Marshal(m)
	default:
		return nil, fmt.Errorf("jsonrpc: cannot encode message of type %T", msg)
	}
}

// EncodeBatch serializes a Batch, preserving element order. An empty (but
// non-nil) batch encodes as "[]", distinct from the single-message shape.
func EncodeBatch(b Batch) ([]byte, error) {
	if b == nil {
		b = Batch{}
	}
	return json.Marshal([]Message(b))
}
