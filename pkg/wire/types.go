package wire

// Lifecycle events raised by the channel client itself. They travel through
// the same subscriber registry as server events.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventError      = "error"
)

// Event types pushed by the backend.
const (
	EventWelcome     = "welcome"
	EventSystemStats = "system_stats"
	EventBotStatus   = "bot_status"
	EventPong        = "pong"
)

// Requests the console may send.
const (
	RequestPing         = "ping"
	RequestGetBotStatus = "get_bot_status"
)

// ConnectionPayload is the payload of the connect and disconnect events.
type ConnectionPayload struct {
	Connected bool `json:"connected"`
}

// ErrorPayload is the payload of an error event. The client fills Error with
// the transport failure; the backend fills Message.
type ErrorPayload struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Welcome is sent by the backend right after the socket is accepted.
type Welcome struct {
	Message   string `json:"message"`
	User      string `json:"user"`
	Timestamp string `json:"timestamp"`
}

// CPUStats is part of SystemStats.
type CPUStats struct {
	Percent float64 `json:"percent"`
}

// MemoryStats is part of SystemStats.
type MemoryStats struct {
	Total     uint64  `json:"total"`
	Available uint64  `json:"available"`
	Percent   float64 `json:"percent"`
}

// DiskStats is part of SystemStats.
type DiskStats struct {
	Total   uint64  `json:"total"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

// SystemStats is pushed periodically while the socket is open.
type SystemStats struct {
	CPU       CPUStats    `json:"cpu"`
	Memory    MemoryStats `json:"memory"`
	Disk      DiskStats   `json:"disk"`
	Timestamp string      `json:"timestamp"`
}

// BotStatus answers a get_bot_status request.
type BotStatus struct {
	Version      string  `json:"version"`
	Uptime       float64 `json:"uptime"`
	PluginsCount int     `json:"plugins_count"`
	IsRunning    bool    `json:"is_running"`
	Timestamp    string  `json:"timestamp"`
}

// Pong answers a ping request.
type Pong struct {
	Timestamp string `json:"timestamp"`
}
