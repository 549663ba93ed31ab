// Package server provides HTTP and WebSocket handlers
package server

import "time"

// Server configuration constants
const (
	// Per-connection WebSocket rate limit.
	RateLimitMessages = 20
	RateLimitWindow   = time.Second
)
