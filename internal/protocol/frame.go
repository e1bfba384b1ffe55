// Package protocol defines the frame envelope exchanged over relay
// WebSocket connections and emulator IPC channels.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the variant of a frame.
type Kind string

const (
	KindCall         Kind = "call"
	KindCallback     Kind = "callback"
	KindResult       Kind = "result"
	KindError        Kind = "error"
	KindHTTPRequest  Kind = "http-request"
	KindHTTPResponse Kind = "http-response"
)

// FuncMarker is the object key used to replace function-valued leaves in
// call inputs. A marshaled function leaf looks like {"$fn": 3}.
const FuncMarker = "$fn"

// Frame is one discrete message on the wire. Every frame serializes to a
// single JSON text message tagged with a "type" field.
type Frame interface {
	Kind() Kind
}

// CallFrame invokes a named remote procedure. Input carries the marshaled
// arguments; function leaves have been replaced by FuncMarker tokens.
// ID is zero until the coordinator stamps the transaction id on it.
type CallFrame struct {
	ID    uint64          `json:"id,omitempty"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (CallFrame) Kind() Kind { return KindCall }

// CallbackFrame invokes a function the caller passed by reference.
// Func is the ordinal assigned during input marshaling.
type CallbackFrame struct {
	ID     uint64          `json:"id,omitempty"`
	Func   int             `json:"func"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (CallbackFrame) Kind() Kind { return KindCallback }

// ResultFrame settles a call or callback with a value.
type ResultFrame struct {
	ID    uint64          `json:"id,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (ResultFrame) Kind() Kind { return KindResult }

// ErrorFrame settles a call or callback with a failure.
type ErrorFrame struct {
	ID      uint64 `json:"id,omitempty"`
	Message string `json:"message"`
}

func (ErrorFrame) Kind() Kind { return KindError }

// HeaderPairs holds HTTP headers as ordered name/value pairs. A map would
// lose ordering and collapse duplicate names.
type HeaderPairs [][2]string

// HTTPRequestFrame tunnels an inbound HTTP request to the local worker.
// Body is base64-encoded on the wire since the transport is text-only.
type HTTPRequestFrame struct {
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Body    []byte      `json:"body,omitempty"`
	Headers HeaderPairs `json:"headers"`
}

func (HTTPRequestFrame) Kind() Kind { return KindHTTPRequest }

// HTTPResponseFrame carries the local worker's response back to the
// coordinator for an earlier HTTPRequestFrame with the same ID.
type HTTPResponseFrame struct {
	ID         uint64      `json:"id"`
	Status     int         `json:"status"`
	StatusText string      `json:"statusText,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	Headers    HeaderPairs `json:"headers"`
}

func (HTTPResponseFrame) Kind() Kind { return KindHTTPResponse }

// UnknownKindError reports a frame whose "type" tag names no known variant.
type UnknownKindError struct {
	Got string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown frame type %q", e.Got)
}

// Marshal serializes a frame to its wire form with the "type" tag injected.
func Marshal(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", f.Kind(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", f.Kind(), err)
	}
	fields["type"] = json.RawMessage(`"` + string(f.Kind()) + `"`)
	return json.Marshal(fields)
}

// Unmarshal parses a wire message into the frame variant named by its
// "type" tag. An unrecognized tag yields *UnknownKindError.
func Unmarshal(data []byte) (Frame, error) {
	var tag struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("parse frame envelope: %w", err)
	}

	var frame Frame
	switch tag.Type {
	case KindCall:
		frame = &CallFrame{}
	case KindCallback:
		frame = &CallbackFrame{}
	case KindResult:
		frame = &ResultFrame{}
	case KindError:
		frame = &ErrorFrame{}
	case KindHTTPRequest:
		frame = &HTTPRequestFrame{}
	case KindHTTPResponse:
		frame = &HTTPResponseFrame{}
	default:
		return nil, &UnknownKindError{Got: string(tag.Type)}
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("parse %s frame: %w", tag.Type, err)
	}
	return frame, nil
}

// CorrelationID extracts the id of a raw wire message without fully
// decoding it. Returns false when the message carries no id.
func CorrelationID(data []byte) (uint64, bool) {
	var tag struct {
		ID *uint64 `json:"id"`
	}
	if err := json.Unmarshal(data, &tag); err != nil || tag.ID == nil {
		return 0, false
	}
	return *tag.ID, true
}

// KindOf extracts the "type" tag of a raw wire message.
func KindOf(data []byte) (Kind, error) {
	var tag struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return "", fmt.Errorf("parse frame envelope: %w", err)
	}
	return tag.Type, nil
}

// StampID rewrites the id field of a raw wire message. The coordinator uses
// it to tag frames arriving from a transaction socket with the transaction
// id before forwarding them to the local connection.
func StampID(data []byte, id uint64) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("parse frame envelope: %w", err)
	}
	idJSON, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields["id"] = idJSON
	return json.Marshal(fields)
}

// PairsFromHeader flattens an http.Header-shaped map into ordered pairs.
func PairsFromHeader(h map[string][]string) HeaderPairs {
	pairs := make(HeaderPairs, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			pairs = append(pairs, [2]string{name, v})
		}
	}
	return pairs
}
