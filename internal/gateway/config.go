package gateway

import "time"

// Config holds the configuration for the sandbox gateway
type Config struct {
	// ResponseHeaderTimeout bounds how long a sandbox may take to start answering
	ResponseHeaderTimeout time.Duration
	// IdleConnTimeout closes pooled connections to sandboxes after this long
	IdleConnTimeout time.Duration
}

func (c *Config) withDefaults() *Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.ResponseHeaderTimeout <= 0 {
		out.ResponseHeaderTimeout = 5 * time.Minute
	}
	if out.IdleConnTimeout <= 0 {
		out.IdleConnTimeout = 90 * time.Second
	}
	return &out
}
