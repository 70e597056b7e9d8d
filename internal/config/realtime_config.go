package config

import "time"

type RealtimeConfig interface {
	GetRealtimeURL() string
	GetReconnectMinBackoff() time.Duration
	GetReconnectMaxBackoff() time.Duration
	GetKeepaliveInterval() time.Duration
}

type Realtime struct{}

var _ RealtimeConfig = Realtime{}

func (Realtime) GetRealtimeURL() string {
	return GetEnv("REALTIME_URL", "ws://localhost:8080/realtime")
}

func (Realtime) GetReconnectMinBackoff() time.Duration {
	return 1 * time.Second
}

func (Realtime) GetReconnectMaxBackoff() time.Duration {
	return 30 * time.Second
}

func (Realtime) GetKeepaliveInterval() time.Duration {
	return 30 * time.Second
}
