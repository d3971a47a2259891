// Package protocol defines the three message shapes exchanged over a worker
// channel: Call Request, Call Response, and the control tokens READY and TICK.
//
// Requests and responses are msgpack arrays of length 4 and 3; control tokens
// are plain msgpack strings. Parse is deliberately tolerant: bytes that do not
// match one of the three shapes yield nil so the channel survives out-of-band
// framing from the transport. The protocol is symmetric; a worker may send a
// Request back to its parent and the parent answers it the same way.
package protocol

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Raw is an already-encoded payload blob carried inside a message.
type Raw = msgpack.RawMessage

// Control tokens. READY is one-shot, emitted by a worker once its message
// handler is installed. TICK is emitted repeatedly at the liveness interval.
const (
	TokenReady = "READY"
	TokenTick  = "TICK"
)

// Request is a call shipped to the peer: [uid, target, sig, args].
//
// Target is a registry index (int64) when the caller used a registered
// function, otherwise the function source text (string). Sig is the 32-bit
// signature of the caller-side function identity; the receiver compares it
// against its own registry to detect drift. Args carries one codec blob per
// argument.
type Request struct {
	_msgpack struct{} `msgpack:",as_array"`

	UID    uint64
	Target any
	Sig    uint32
	Args   []msgpack.RawMessage
}

// Index returns the registry index target, if the request carries one.
func (r *Request) Index() (int, bool) {
	switch t := r.Target.(type) {
	case int64:
		return int(t), true
	case uint64:
		return int(t), true
	case int:
		return t, true
	}
	return 0, false
}

// Source returns the source-text target, if the request carries one.
func (r *Request) Source() (string, bool) {
	s, ok := r.Target.(string)
	return s, ok
}

// Response settles a call: [uid, error, result].
//
// Exactly one of (Err, Result) is meaningful: a non-empty Err blob that
// decodes to a non-nil value means the call failed; otherwise Result holds
// the encoded return value. Both sides ship codec blobs.
type Response struct {
	_msgpack struct{} `msgpack:",as_array"`

	UID    uint64
	Err    msgpack.RawMessage
	Result msgpack.RawMessage
}

// EncodeRequest marshals a Request for the channel.
func EncodeRequest(r *Request) ([]byte, error) {
	return msgpack.Marshal(r)
}

// EncodeResponse marshals a Response for the channel.
func EncodeResponse(r *Response) ([]byte, error) {
	return msgpack.Marshal(r)
}

// EncodeToken marshals a control token for the channel.
func EncodeToken(tok string) ([]byte, error) {
	return msgpack.Marshal(tok)
}

// Parse classifies one channel message. It returns *Request, *Response, or a
// control-token string. Anything else (junk bytes, wrong arities, unknown
// strings) returns nil and must be ignored by the caller.
func Parse(b []byte) any {
	var raw any
	if err := msgpack.Unmarshal(b, &raw); err != nil {
		return nil
	}

	switch v := raw.(type) {
	case string:
		if v == TokenReady || v == TokenTick {
			return v
		}
		return nil

	case []any:
		switch len(v) {
		case 4:
			if !isInt(v[0]) || !isInt(v[2]) {
				return nil
			}
			if _, ok := v[3].([]any); !ok && v[3] != nil {
				return nil
			}
			switch v[1].(type) {
			case int64, uint64, int, string:
			default:
				return nil
			}
			var req Request
			if err := msgpack.Unmarshal(b, &req); err != nil {
				return nil
			}
			return &req

		case 3:
			if !isInt(v[0]) {
				return nil
			}
			if _, ok := v[1].(map[string]any); !ok && v[1] != nil {
				return nil
			}
			var res Response
			if err := msgpack.Unmarshal(b, &res); err != nil {
				return nil
			}
			return &res
		}
	}
	return nil
}

func isInt(v any) bool {
	switch v.(type) {
	case int64, uint64, int, int8, int16, int32, uint, uint8, uint16, uint32:
		return true
	}
	return false
}
