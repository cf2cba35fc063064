package models

// Actions accepted on the downstream client protocol.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// ClientRequest is a downstream client's subscribe/unsubscribe request.
type ClientRequest struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// ClientAck acknowledges a processed request, echoing the symbol list.
type ClientAck struct {
	Result []string `json:"result"`
	Action string   `json:"action"`
}

// ClientError is the structured error reply sent to a single client. The
// connection stays open after an error reply.
type ClientError struct {
	Error string `json:"error"`
}
