package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/mcpwire/mcpwire/pkg/errors"
)

const (
	// JSONRPCVersion is the supported JSON-RPC version.
	JSONRPCVersion = "2.0"
)

// MessageKind identifies which arm of the message union a value belongs to.
type MessageKind string

const (
	KindRequest      MessageKind = "request"
	KindResponse     MessageKind = "response"
	KindNotification MessageKind = "notification"
)

// Message is the tagged union of everything that can travel on the wire:
// a Request, a Response, or a Notification.
type Message interface {
	// Kind reports which union arm the message is.
	Kind() MessageKind

	message()
}

// JSONRPCMessage carries the protocol version tag shared by all messages.
type JSONRPCMessage struct {
	JSONRPC string `json:"jsonrpc"`
}

// Request is a call that expects exactly one Response with the same
// identifier. Identifiers must be unique among the requests currently
// outstanding in one session.
type Request struct {
	JSONRPCMessage
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Kind implements Message.
func (r *Request) Kind() MessageKind { return KindRequest }

func (r *Request) message() {}

// NewRequest creates a new request. The identifier must be a string or an
// integer; params may be any JSON-serializable value or nil.
func NewRequest(id interface{}, method string, params interface{}) (*Request, error) {
	normalized, err := CanonicalID(id)
	if err != nil {
		return nil, err
	}
	if method == "" {
		return nil, errors.MalformedMessage("request method is empty", nil)
	}

	paramsJSON, err := marshalPayload(params, "params")
	if err != nil {
		return nil, err
	}

	return &Request{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             normalized,
		Method:         method,
		Params:         paramsJSON,
	}, nil
}

// Response answers exactly one Request. Result and Error are mutually
// exclusive: exactly one of them is present, never both, never neither.
type Response struct {
	JSONRPCMessage
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Kind implements Message.
func (r *Response) Kind() MessageKind { return KindResponse }

func (r *Response) message() {}

// NewResponse creates a success response. A nil result is encoded as JSON
// null so the result member stays present.
func NewResponse(id interface{}, result interface{}) (*Response, error) {
	normalized, err := CanonicalID(id)
	if err != nil {
		return nil, err
	}

	resultJSON, err := marshalPayload(result, "result")
	if err != nil {
		return nil, err
	}
	if resultJSON == nil {
		resultJSON = json.RawMessage("null")
	}

	return &Response{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             normalized,
		Result:         resultJSON,
	}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id interface{}, code int, message string, data interface{}) (*Response, error) {
	normalized, err := CanonicalID(id)
	if err != nil {
		return nil, err
	}

	dataJSON, err := marshalPayload(data, "error data")
	if err != nil {
		return nil, err
	}

	return &Response{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             normalized,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    dataJSON,
		},
	}, nil
}

// ErrorResponseFrom converts any error into an error response for the given
// identifier, classifying engine errors through their wire codes.
func ErrorResponseFrom(id interface{}, err error) (*Response, error) {
	if err == nil {
		return nil, fmt.Errorf("cannot build an error response from a nil error")
	}
	wireErr := errors.ToWireError(err)
	return NewErrorResponse(id, wireErr.Code, wireErr.Message, wireErr.Data)
}

// Notification is a one-way message: no identifier, never answered.
type Notification struct {
	JSONRPCMessage
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Kind implements Message.
func (n *Notification) Kind() MessageKind { return KindNotification }

func (n *Notification) message() {}

// NewNotification creates a new notification.
func NewNotification(method string, params interface{}) (*Notification, error) {
	if method == "" {
		return nil, errors.MalformedMessage("notification method is empty", nil)
	}

	paramsJSON, err := marshalPayload(params, "params")
	if err != nil {
		return nil, err
	}

	return &Notification{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		Method:         method,
		Params:         paramsJSON,
	}, nil
}

// Error is the JSON-RPC error object carried inside a Response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so wire errors propagate naturally.
func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// ToEngineError converts a wire error object into a classified engine error.
func (e *Error) ToEngineError() errors.EngineError {
	if e == nil {
		return nil
	}
	return errors.FromWireError(&errors.WireError{
		Code:    e.Code,
		Message: e.Message,
		Data:    e.Data,
	})
}

// CanonicalID validates an identifier and normalizes it to one of the two
// canonical Go shapes: string or int64. Booleans, nulls, fractional numbers,
// and composite values are rejected as malformed.
func CanonicalID(id interface{}) (interface{}, error) {
	switch v := id.(type) {
	case string:
		if v == "" {
			return nil, errors.MalformedMessage("identifier is an empty string", nil)
		}
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, errors.MalformedMessage("identifier out of range", nil)
		}
		return int64(v), nil
	case float64:
		// JSON numbers decode to float64; only integral values are valid
		// identifiers.
		if v != math.Trunc(v) || math.Abs(v) > math.MaxInt64 {
			return nil, errors.MalformedMessagef(nil, "identifier %v is not an integer", v)
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, errors.MalformedMessagef(nil, "identifier %q is not an integer", v.String())
		}
		return n, nil
	case nil:
		return nil, errors.MalformedMessage("identifier is absent", nil)
	default:
		return nil, errors.MalformedMessagef(nil, "identifier has unexpected type %T", id)
	}
}

// IDKey returns the canonical correlation-table key for an identifier.
// String and numeric identifiers never collide: strings are quoted, numbers
// are bare decimal.
func IDKey(id interface{}) (string, error) {
	normalized, err := CanonicalID(id)
	if err != nil {
		return "", err
	}

	switch v := normalized.(type) {
	case string:
		return strconv.Quote(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return "", errors.MalformedMessagef(nil, "identifier has unexpected type %T", id)
	}
}

func marshalPayload(payload interface{}, member string) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", member, err)
	}
	return blob, nil
}
