package ws

// Client protocol: JSON frames over a persistent WebSocket.

type ClientFrame struct {
	Type    string `json:"type"` // ping|audio|text|control
	Audio   string `json:"audio,omitempty"`
	Text    string `json:"text,omitempty"`
	Command string `json:"command,omitempty"` // start_stream|stop_stream
}

type ConnectionFrame struct {
	Type      string `json:"type"` // "connection"
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	Message   string `json:"message,omitempty"`
}

type PongFrame struct {
	Type string `json:"type"` // "pong"
}

type AudioFrame struct {
	Type      string `json:"type"` // "audio"
	Audio     string `json:"audio"`
	Format    string `json:"format"`
	Text      string `json:"text,omitempty"`
	Response  string `json:"response,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Timestamp string `json:"timestamp"`
}

type ErrorFrame struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

type ControlResponseFrame struct {
	Type    string `json:"type"` // "control_response"
	Command string `json:"command"`
	Status  string `json:"status"`
}
