package model

import "time"

// Transport names the gateway transport a connection arrived on.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportSSE       Transport = "sse"
)

// Connection describes one open client session as tracked by the registry.
type Connection struct {
	ConnectionID  string    `json:"connection_id"`
	Transport     Transport `json:"transport,omitempty"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
	EstablishedAt time.Time `json:"established_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	IdleSecs      float64   `json:"idle_secs"`
}
