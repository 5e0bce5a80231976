package mcp

import (
	"encoding/json"
	"fmt"
)

// Request is a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"` // nil for notifications
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is the correlated reply to a request.
type Response struct {
	ID     int64
	Result json.RawMessage
	Error  *RPCError
}

// RPCError is the error object in a JSON-RPC 2.0 response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// messageKind discriminates incoming traffic. It is derived exactly once,
// when the line is decoded.
type messageKind int

const (
	kindResponse messageKind = iota
	kindNotification
)

// message is one decoded incoming JSON-RPC message. A non-null id makes it a
// response; anything else is a notification.
type message struct {
	kind   messageKind
	id     int64           // set when kind == kindResponse
	method string          // set when kind == kindNotification
	params json.RawMessage // notification params
	result json.RawMessage // response result
	err    *RPCError       // response error object
}

// decodeMessage parses one line of server output into a tagged message.
func decodeMessage(line []byte) (*message, error) {
	var env struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      *int64          `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, err
	}
	if env.ID == nil {
		if env.Method == "" {
			return nil, fmt.Errorf("message has neither id nor method")
		}
		return &message{kind: kindNotification, method: env.Method, params: env.Params}, nil
	}
	return &message{kind: kindResponse, id: *env.ID, result: env.Result, err: env.Error}, nil
}

// newRequest creates a JSON-RPC 2.0 request with the given ID, method, and params.
func newRequest(id int64, method string, params any) Request {
	return Request{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
		Params:  params,
	}
}

// newNotification creates a JSON-RPC 2.0 notification (no ID, no response expected).
func newNotification(method string, params any) Request {
	return Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}
}
