package api

import (
	"crypto/tls"
	"log/slog"
	"time"
)

// HTTPServerConfig configures the server hosting a replica.
type HTTPServerConfig struct {
	// ListenAddr is where the replica API listens. Port 0 picks a free port.
	ListenAddr string

	// MetricsAddr is where Prometheus metrics are served. Empty disables them.
	MetricsAddr string

	// TLSCert, when set, is served on the API listener. Replicas generate it
	// at startup and bind its key into their quotes.
	TLSCert *tls.Certificate

	EnablePprof bool

	Log *slog.Logger

	// DrainDuration is how long Shutdown reports not-ready before it stops
	// accepting connections.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds the wait for in-flight requests.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// WithDefaults returns a copy with unset timeouts and logger filled in.
func (c HTTPServerConfig) WithDefaults() *HTTPServerConfig {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.GracefulShutdownDuration == 0 {
		c.GracefulShutdownDuration = 30 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	return &c
}
