package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/mcpwire/mcpwire/pkg/errors"
)

// Encode serializes a message for the wire, enforcing the same structural
// rules Decode enforces: version tag, identifier shape, method presence, and
// result/error exclusivity.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.MalformedMessage("cannot encode a nil message", nil)
	}

	switch m := msg.(type) {
	case *Request:
		if m.JSONRPC != "" && m.JSONRPC != JSONRPCVersion {
			return nil, errors.MalformedMessagef(nil, "unsupported protocol version %q", m.JSONRPC)
		}
		if m.Method == "" {
			return nil, errors.MalformedMessage("request method is empty", nil)
		}
		id, err := CanonicalID(m.ID)
		if err != nil {
			return nil, err
		}
		out := *m
		out.JSONRPC = JSONRPCVersion
		out.ID = id
		return json.Marshal(&out)

	case *Response:
		if m.JSONRPC != "" && m.JSONRPC != JSONRPCVersion {
			return nil, errors.MalformedMessagef(nil, "unsupported protocol version %q", m.JSONRPC)
		}
		id, err := CanonicalID(m.ID)
		if err != nil {
			return nil, err
		}
		if m.Result != nil && m.Error != nil {
			return nil, errors.MalformedMessage("response carries both result and error", nil)
		}
		if m.Result == nil && m.Error == nil {
			return nil, errors.MalformedMessage("response carries neither result nor error", nil)
		}
		out := *m
		out.JSONRPC = JSONRPCVersion
		out.ID = id
		return json.Marshal(&out)

	case *Notification:
		if m.JSONRPC != "" && m.JSONRPC != JSONRPCVersion {
			return nil, errors.MalformedMessagef(nil, "unsupported protocol version %q", m.JSONRPC)
		}
		if m.Method == "" {
			return nil, errors.MalformedMessage("notification method is empty", nil)
		}
		out := *m
		out.JSONRPC = JSONRPCVersion
		return json.Marshal(&out)

	default:
		return nil, errors.MalformedMessagef(nil, "unknown message type %T", msg)
	}
}

// probe captures just enough of a frame to classify it. RawMessage members
// distinguish absent (nil) from present-but-null ("null").
type probe struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// Decode parses a single frame into exactly one arm of the message union.
// Anything that does not classify cleanly is a malformed-message error,
// never a panic: bad JSON, wrong version, missing method and identifier,
// a response with both result and error or with neither, or an identifier
// that is not a string or integer.
func Decode(frame []byte) (Message, error) {
	trimmed := bytes.TrimLeft(frame, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, errors.MalformedMessage("empty frame", frame)
	}
	if trimmed[0] == '[' {
		return nil, errors.MalformedMessage("batch frames are not supported", frame)
	}

	var p probe
	if err := json.Unmarshal(frame, &p); err != nil {
		return nil, errors.MalformedMessagef(frame, "invalid JSON: %v", err)
	}
	if p.JSONRPC != JSONRPCVersion {
		return nil, errors.MalformedMessagef(frame, "unsupported protocol version %q", p.JSONRPC)
	}

	if p.Method != nil {
		if p.Result != nil || p.Error != nil {
			return nil, errors.MalformedMessage("frame mixes method with result or error", frame)
		}
		if *p.Method == "" {
			return nil, errors.MalformedMessage("method is empty", frame)
		}
		if p.ID == nil {
			return &Notification{
				JSONRPCMessage: JSONRPCMessage{JSONRPC: p.JSONRPC},
				Method:         *p.Method,
				Params:         compactRaw(p.Params),
			}, nil
		}
		id, err := decodeID(p.ID, frame)
		if err != nil {
			return nil, err
		}
		return &Request{
			JSONRPCMessage: JSONRPCMessage{JSONRPC: p.JSONRPC},
			ID:             id,
			Method:         *p.Method,
			Params:         compactRaw(p.Params),
		}, nil
	}

	// No method: the frame must be a response.
	if p.ID == nil {
		return nil, errors.MalformedMessage("frame has neither method nor identifier", frame)
	}
	if p.Result != nil && p.Error != nil {
		return nil, errors.MalformedMessage("response carries both result and error", frame)
	}
	if p.Result == nil && p.Error == nil {
		return nil, errors.MalformedMessage("response carries neither result nor error", frame)
	}
	id, err := decodeID(p.ID, frame)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: p.JSONRPC},
		ID:             id,
	}
	if p.Error != nil {
		var wireErr Error
		if err := json.Unmarshal(p.Error, &wireErr); err != nil {
			return nil, errors.MalformedMessagef(frame, "invalid error object: %v", err)
		}
		if wireErr.Message == "" && wireErr.Code == 0 {
			return nil, errors.MalformedMessage("error object is missing code and message", frame)
		}
		wireErr.Data = compactRaw(wireErr.Data)
		resp.Error = &wireErr
	} else {
		resp.Result = compactRaw(p.Result)
	}
	return resp, nil
}

// decodeID unmarshals a raw identifier with number fidelity preserved and
// normalizes it to the canonical string or int64 shape.
func decodeID(raw json.RawMessage, frame []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, errors.MalformedMessagef(frame, "invalid identifier: %v", err)
	}
	id, err := CanonicalID(v)
	if err != nil {
		return nil, err
	}
	return id, nil
}

// compactRaw normalizes raw JSON so encode/decode round trips compare equal
// regardless of the whitespace the sender used.
func compactRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	out := make(json.RawMessage, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// IsRequest reports whether a frame looks like a request without fully
// decoding it.
func IsRequest(frame []byte) bool {
	var p probe
	if err := json.Unmarshal(frame, &p); err != nil {
		return false
	}
	return p.Method != nil && p.ID != nil
}

// IsNotification reports whether a frame looks like a notification without
// fully decoding it.
func IsNotification(frame []byte) bool {
	var p probe
	if err := json.Unmarshal(frame, &p); err != nil {
		return false
	}
	return p.Method != nil && p.ID == nil
}

// IsResponse reports whether a frame looks like a response without fully
// decoding it.
func IsResponse(frame []byte) bool {
	var p probe
	if err := json.Unmarshal(frame, &p); err != nil {
		return false
	}
	return p.Method == nil && p.ID != nil && (p.Result != nil || p.Error != nil)
}
