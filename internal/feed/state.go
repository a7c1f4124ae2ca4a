package feed

import (
	"time"

	"trading-radar/internal/model"
)

// State is the feed session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MarshalText lets State render as its name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a point-in-time view of a connector for health endpoints.
type Status struct {
	Segment        model.Segment `json:"segment"`
	State          State         `json:"state"`
	Symbols        []string      `json:"symbols"`
	Rejected       []string      `json:"rejected,omitempty"`
	Failures       int           `json:"consecutiveFailures"`
	LastError      string        `json:"lastError,omitempty"`
	ConnectedSince *time.Time    `json:"connectedSince,omitempty"`
	ProtocolErrors uint64        `json:"protocolErrors"`
	Tickers        uint64        `json:"tickers"`
}
