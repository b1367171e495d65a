package lanconn

import (
	"errors"
	"time"

	"github.com/cryolab/go-mercury/logger"
)

// Defaults for the LAN interface of the Mercury ITC.
const (
	// DefaultPort is the fixed TCP port the instrument listens on.
	DefaultPort = 7020

	// DefaultMaxAttempts is the total number of attempts per command,
	// including the first one.
	DefaultMaxAttempts = 5

	// DefaultRetryBackoff is the fixed wait between consecutive attempts.
	DefaultRetryBackoff = 1 * time.Second

	// DefaultReadThrottle is imposed before every read attempt to respect
	// the instrument's response latency.
	DefaultReadThrottle = 100 * time.Millisecond

	// DefaultRecvBufferSize is the receive buffer for a single reply.
	DefaultRecvBufferSize = 4096

	DefaultConnectTimeout = 3 * time.Second
	DefaultReadTimeout    = 5 * time.Second
)

// Valid option ranges.
const (
	maxMaxAttempts = 10

	minRetryBackoff = 10 * time.Millisecond
	maxRetryBackoff = 30 * time.Second

	maxReadThrottle = 5 * time.Second

	minRecvBufferSize = 64
	maxRecvBufferSize = 1 << 20

	minConnectTimeout = 100 * time.Millisecond
	maxConnectTimeout = 30 * time.Second

	minReadTimeout = 100 * time.Millisecond
	maxReadTimeout = 60 * time.Second
)

// ConnectionConfig holds all configuration for the per-call LAN connection
// variant.
type ConnectionConfig struct {
	host string
	port int

	// maxAttempts is the total attempt budget per command; after the last
	// consecutive failure the command fails with *FatalCommError.
	maxAttempts int

	retryBackoff time.Duration
	readThrottle time.Duration

	recvBufferSize int

	connectTimeout time.Duration
	readTimeout    time.Duration

	logger logger.Logger
}

// NewConnectionConfig creates a LAN connection configuration for the
// instrument at the given host and port. opts are functional options applied
// in order; see the With* functions.
func NewConnectionConfig(host string, port int, opts ...ConnOption) (*ConnectionConfig, error) {
	if host == "" {
		return nil, errors.New("lanconn: host is empty")
	}
	if port < 1 || port > 65535 {
		return nil, errors.New("lanconn: port is out of range [1, 65535]")
	}

	cfg := &ConnectionConfig{
		host:           host,
		port:           port,
		maxAttempts:    DefaultMaxAttempts,
		retryBackoff:   DefaultRetryBackoff,
		readThrottle:   DefaultReadThrottle,
		recvBufferSize: DefaultRecvBufferSize,
		connectTimeout: DefaultConnectTimeout,
		readTimeout:    DefaultReadTimeout,
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// ConnOption represents a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	applyFunc func(*ConnectionConfig) error
}

func (c *connOptFunc) apply(cfg *ConnectionConfig) error { return c.applyFunc(cfg) }

func newConnOptFunc(name string, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{name: name, applyFunc: f}
}

// WithMaxAttempts sets the total attempt budget per command, including the
// first attempt. An error is returned if the budget is outside [1, 10].
//
// The default value is 5.
func WithMaxAttempts(n int) ConnOption {
	return newConnOptFunc("WithMaxAttempts", func(cfg *ConnectionConfig) error {
		if n < 1 || n > maxMaxAttempts {
			return errors.New("max attempts out of range [1, 10]")
		}
		cfg.maxAttempts = n

		return nil
	})
}

// WithRetryBackoff sets the fixed wait between consecutive attempts.
// An error is returned if the backoff is outside [10ms, 30s].
//
// The default value is 1 second.
func WithRetryBackoff(val time.Duration) ConnOption {
	return newConnOptFunc("WithRetryBackoff", func(cfg *ConnectionConfig) error {
		if val < minRetryBackoff || val > maxRetryBackoff {
			return errors.New("retry backoff out of range [0.01, 30]")
		}
		cfg.retryBackoff = val

		return nil
	})
}

// WithReadThrottle sets the delay imposed before every read attempt,
// regardless of retries. An error is returned if the throttle is negative or
// above 5 seconds.
//
// The default value is 100 milliseconds.
func WithReadThrottle(val time.Duration) ConnOption {
	return newConnOptFunc("WithReadThrottle", func(cfg *ConnectionConfig) error {
		if val < 0 || val > maxReadThrottle {
			return errors.New("read throttle out of range [0, 5]")
		}
		cfg.readThrottle = val

		return nil
	})
}

// WithRecvBufferSize sets the receive buffer size for a single reply.
// An error is returned if the size is outside [64, 1Mi].
//
// The default value is 4096 bytes.
func WithRecvBufferSize(size int) ConnOption {
	return newConnOptFunc("WithRecvBufferSize", func(cfg *ConnectionConfig) error {
		if size < minRecvBufferSize || size > maxRecvBufferSize {
			return errors.New("receive buffer size out of range [64, 1048576]")
		}
		cfg.recvBufferSize = size

		return nil
	})
}

// WithConnectTimeout sets the TCP dial timeout per attempt.
// An error is returned if the timeout is outside [0.1s, 30s].
//
// The default value is 3 seconds.
func WithConnectTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithConnectTimeout", func(cfg *ConnectionConfig) error {
		if val < minConnectTimeout || val > maxConnectTimeout {
			return errors.New("connect timeout out of range [0.1, 30]")
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithReadTimeout sets the deadline for receiving the reply on one attempt.
// An error is returned if the timeout is outside [0.1s, 60s].
//
// The default value is 5 seconds.
func WithReadTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithReadTimeout", func(cfg *ConnectionConfig) error {
		if val < minReadTimeout || val > maxReadTimeout {
			return errors.New("read timeout out of range [0.1, 60]")
		}
		cfg.readTimeout = val

		return nil
	})
}

// WithLogger sets the logger for the connection.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", func(cfg *ConnectionConfig) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
