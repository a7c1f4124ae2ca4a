package model

import "time"

// Token is a short-lived WebSocket credential. It is held only for one
// connection attempt and never persisted.
type Token struct {
	Value        string
	Endpoint     string
	Protocol     string
	Encrypt      bool
	PingInterval time.Duration
	PingTimeout  time.Duration
	IssuedAt     time.Time
}
