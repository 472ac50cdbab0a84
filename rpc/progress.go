package rpc

import (
	"encoding/json"
	"fmt"
)

// ProgressToken identifies an in-flight request for the purpose of routing
// progress notifications back to the caller that issued it. Like
// jsonrpc.ID, it is a string-or-integer tagged union, and the zero value
// (absent) is distinct from a present token with integer value 0 — a
// handler that forgets this and treats 0 as "no token" will silently drop
// progress for every request numbered zero.
type ProgressToken struct {
	s        string
	n        int64
	has      bool
	isString bool
}

// NoProgressToken is the zero value: no token present.
var NoProgressToken = ProgressToken{}

// StringProgressToken returns a token with a string value.
func StringProgressToken(s string) ProgressToken {
	return ProgressToken{s: s, has: true, isString: true}
}

// IntProgressToken returns a token with an integer value. IntProgressToken(0)
// is present and valid, not the absent token.
func IntProgressToken(n int64) ProgressToken {
	return ProgressToken{n: n, has: true}
}

// IsPresent reports whether a token was actually supplied.
func (t ProgressToken) IsPresent() bool { return t.has }

func (t ProgressToken) String() string {
	if !t.has {
		return "<no-token>"
	}
	if t.isString {
		return t.s
	}
	return fmt.Sprintf("%d", t.n)
}

// Equal reports whether two tokens carry the same tag and value.
func (t ProgressToken) Equal(other ProgressToken) bool {
	if t.has != other.has {
		return false
	}
	if !t.has {
		return true
	}
	if t.isString != other.isString {
		return false
	}
	if t.isString {
		return t.s == other.s
	}
	return t.n == other.n
}

// MarshalJSON renders the token as a bare string or number, or null when
// absent.
func (t ProgressToken) MarshalJSON() ([]byte, error) {
	if !t.has {
		return []byte("null"), nil
	}
	if t.isString {
		return json.Marshal(t.s)
	}
	return json.Marshal(t.n)
}

// UnmarshalJSON accepts a JSON string, number, or null.
func (t *ProgressToken) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = ProgressToken{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = StringProgressToken(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*t = IntProgressToken(n)
		return nil
	}
	return fmt.Errorf("rpc: progress token must be a string, integer, or null, got %s", data)
}

// Progress is one progress update for an in-flight request.
type Progress struct {
	Progress float64
	Total    float64 // zero if the total is unknown
	Message  string  // empty if the peer didn't supply one
}

// ProgressFunc receives progress updates for a request that registered one
// via SendOptions.OnProgress.
type ProgressFunc func(Progress)

// progressNotificationParams mirrors the wire shape of a
// "notifications/progress" params object. The method name itself is a
// session-layer concern; the engine only needs to recognize and route the
// shape of the params when a notification arrives on this method name.
type progressNotificationParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      float64       `json:"progress"`
	Total         float64       `json:"total,omitempty"`
	Message       string        `json:"message,omitempty"`
}

// injectProgressToken merges {"_meta":{"progressToken": token}} into params,
// preserving any other fields already present in params or in an existing
// "_meta" object. params may be nil or empty.
func injectProgressToken(params json.RawMessage, token ProgressToken) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if len(params) == 0 {
		obj = map[string]json.RawMessage{}
	} else if err := json.Unmarshal(params, &obj); err != nil {
		return nil, fmt.Errorf("rpc: params must be a JSON object to attach a progress token: %w", err)
	}

	var meta map[string]json.RawMessage
	if raw, ok := obj["_meta"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("rpc: _meta must be a JSON object: %w", err)
		}
	} else {
		meta = map[string]json.RawMessage{}
	}

	tokenJSON, err := token.MarshalJSON()
	if err != nil {
		return nil, err
	}
	meta["progressToken"] = tokenJSON

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	obj["_meta"] = metaJSON

	return json.Marshal(obj)
}
