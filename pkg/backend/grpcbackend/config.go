package grpcbackend

import (
	"errors"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
)

// Default configuration values.
const (
	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive responses.
	DefaultKeepaliveTimeout = 5 * time.Second

	// DefaultMaxMessageSize is the default maximum gRPC message size.
	DefaultMaxMessageSize = 64 << 20

	// DefaultRequestTimeout bounds a single unary call.
	DefaultRequestTimeout = 30 * time.Second
)

// Configuration errors.
var (
	ErrInvalidConfig = errors.New("invalid grpc backend configuration")
)

// Config holds the configuration for gRPC backends.
type Config struct {
	// Token is sent as the x-token header. Supports ${VAR} expansion.
	Token string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// MaxMessageSize limits request and response sizes in bytes.
	MaxMessageSize int

	// RequestTimeout bounds a single call when the caller's context has no
	// deadline.
	RequestTimeout time.Duration

	// Headers are attached to every call as metadata.
	Headers map[string]string

	// DialOptions are appended to the generated dial options (tests use this
	// to install a bufconn dialer).
	DialOptions []grpc.DialOption
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
		MaxMessageSize:   DefaultMaxMessageSize,
		RequestTimeout:   DefaultRequestTimeout,
		Headers:          make(map[string]string),
	}
}

// WithDefaults returns a new config with default values applied for any
// zero values in the original config.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.KeepaliveTime == 0 {
		c.KeepaliveTime = defaults.KeepaliveTime
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = defaults.KeepaliveTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.Headers == nil {
		c.Headers = defaults.Headers
	}

	return c
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.KeepaliveTime <= 0 {
		return fmt.Errorf("%w: keepalive time must be positive", ErrInvalidConfig)
	}
	if c.KeepaliveTimeout <= 0 {
		return fmt.Errorf("%w: keepalive timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ExpandedToken returns the token with environment variable expansion.
func (c *Config) ExpandedToken() string {
	return os.ExpandEnv(c.Token)
}
