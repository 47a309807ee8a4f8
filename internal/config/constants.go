package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Realtime connection limits
const (
	SessionOutboundQueue = 256
	MaxFrameSize         = 64 << 10
)

// Default rate limiting for the federation surface
const DefaultFederationRateLimitPerMin = 600

// RSA modulus size for server key pairs
const ServerKeyBits = 2048
