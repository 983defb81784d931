// internal/websocket/types.go
package websocket

// RPCRequest is a method call from a connected caller
type RPCRequest struct {
	ID     string        `json:"id"`     // request ID, matched in the response
	Method string        `json:"method"` // App method name, e.g. "CreateCheckpoint"
	Params []interface{} `json:"params"` // positional arguments
}

// RPCResponse is the reply to an RPCRequest
type RPCResponse struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// WSEvent is a server-initiated push event
type WSEvent struct {
	Type    string      `json:"type"` // e.g. "checkpoint:created"
	Payload interface{} `json:"payload"`
}

// WSMessage is the envelope for all websocket traffic
type WSMessage struct {
	// "rpc_request", "rpc_response" or "event"
	Kind string `json:"kind"`

	Request  *RPCRequest  `json:"request,omitempty"`
	Response *RPCResponse `json:"response,omitempty"`
	Event    *WSEvent     `json:"event,omitempty"`
}
