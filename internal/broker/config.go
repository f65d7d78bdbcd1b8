package broker

import "time"

// Config holds the broker's tunables. Every field is overridable so tests
// can run with millisecond timers.
type Config struct {
	JoinTimeout   time.Duration
	ProbeInterval time.Duration
	PongTimeout   time.Duration
	RateWindow    time.Duration
	RateLimit     int
	MaxDevices    int
	MaxEditors    int
	MaxFrameBytes int64

	// AllowedOrigins are exact origins accepted on top of the local and
	// private-network patterns.
	AllowedOrigins []string

	// SendBuffer is the outbound queue depth per websocket connection.
	SendBuffer int
	// WriteWait bounds each websocket write.
	WriteWait time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		JoinTimeout:   30 * time.Second,
		ProbeInterval: 30 * time.Second,
		PongTimeout:   10 * time.Second,
		RateWindow:    time.Second,
		RateLimit:     100,
		MaxDevices:    10,
		MaxEditors:    5,
		MaxFrameBytes: 10 << 20,
		SendBuffer:    256,
		WriteWait:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.MaxDevices <= 0 {
		c.MaxDevices = d.MaxDevices
	}
	if c.MaxEditors <= 0 {
		c.MaxEditors = d.MaxEditors
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	return c
}
