package models

import (
	"encoding/json"
)

// RPCRequest is the JSON-RPC 2.0 envelope sent to the venue, both over the
// one-shot HTTP transport and as websocket control frames.
type RPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// RPCError is the error object returned by the venue.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RPCResponse is the venue response shape. Exactly one of Result or Error is
// populated on a well-formed response; an empty response marks a transport or
// parse failure.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsEmpty reports whether the response carries neither a result nor an error,
// i.e. the transport failed or the payload was unparsable.
func (r RPCResponse) IsEmpty() bool {
	return len(r.Result) == 0 && r.Error == nil
}

// ErrorMessage returns the venue error message, or a placeholder when the
// error object carries none.
func (r RPCResponse) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	if r.Error.Message == "" {
		return "unknown error"
	}
	return r.Error.Message
}
