package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the only JSON-RPC version spoken on the wire.
const Version = "2.0"

// Standard and host-specific JSON-RPC error codes.
const (
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
	CodeUnauthorized    = -32001
	CodeDuplicatePlugin = -32002
)

// Envelope is a single JSON-RPC message. A request carries Method and ID, a
// notification carries Method only, a response carries ID and exactly one of
// Result or Error.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IntID encodes a numeric request id.
func IntID(n int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(n, 10))
}

// HasID reports whether the envelope carries a non-null id.
func (e *Envelope) HasID() bool {
	return len(e.ID) > 0 && !bytes.Equal(bytes.TrimSpace(e.ID), []byte("null"))
}

// IntID returns the id as an integer. Plugins written in dynamic languages
// occasionally echo numeric ids back as strings, so quoted digits are accepted.
func (e *Envelope) IntID() (int64, bool) {
	if !e.HasID() {
		return 0, false
	}
	raw := bytes.TrimSpace(e.ID)
	if len(raw) > 1 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		raw = []byte(s)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsRequest reports whether the envelope expects a reply.
func (e *Envelope) IsRequest() bool { return e.Method != "" && e.HasID() }

// IsNotification reports whether the envelope is a fire-and-forget message.
func (e *Envelope) IsNotification() bool { return e.Method != "" && !e.HasID() }

// IsResponse reports whether the envelope answers an earlier request.
func (e *Envelope) IsResponse() bool {
	return e.Method == "" && e.HasID() && (e.Result != nil || e.Error != nil)
}

// NewRequest builds a request with a numeric id.
func NewRequest(id int64, method string, params any) (*Envelope, error) {
	env := &Envelope{JSONRPC: Version, ID: IntID(id), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s params: %w", method, err)
		}
		env.Params = raw
	}
	return env, nil
}

// NewResult builds a successful response to the request with the given id.
func NewResult(id json.RawMessage, result any) (*Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode result: %w", err)
	}
	return &Envelope{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewError builds an error response. A nil id is encoded as JSON null, which
// is what JSON-RPC mandates when the request id could not be determined.
func NewError(id json.RawMessage, code int, message string) *Envelope {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Envelope{JSONRPC: Version, ID: id, Error: &RPCError{Code: code, Message: message}}
}
