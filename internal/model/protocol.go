package model

// Request represents a WebSocket command from the client.
type Request struct {
	RequestID string            `json:"request_id"`
	Command   string            `json:"command"`
	Params    map[string]string `json:"params"`
}

// Response represents a WebSocket response to the client.
type Response struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Code      int    `json:"code"`    // 0 for success, non-zero for error
	Message   string `json:"message"` // Error code or status
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Event is pushed to the client without a request.
type Event struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}
