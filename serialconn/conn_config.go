package serialconn

import (
	"errors"
	"time"

	"github.com/cryolab/go-mercury/logger"
)

// Defaults for the serial link of the Mercury ITC rear panel.
const (
	DefaultBaudRate = 115200

	// DefaultReadTimeout bounds a single read on the port.
	DefaultReadTimeout = 1 * time.Second

	// DefaultSettleDelay is imposed after opening the port; the instrument
	// firmware needs warm-up time after line establishment before it accepts
	// commands.
	DefaultSettleDelay = 2 * time.Second

	// DefaultWriteDelay is imposed after every write; the instrument is slow
	// to process a command and writes must not be pipelined.
	DefaultWriteDelay = 3 * time.Second
)

// Valid option ranges.
const (
	minBaudRate = 1200
	maxBaudRate = 921600

	minReadTimeout = 100 * time.Millisecond
	maxReadTimeout = 30 * time.Second

	maxSettleDelay = 30 * time.Second
	maxWriteDelay  = 30 * time.Second
)

// ConnectionConfig holds all configuration for a persistent serial connection
// to the instrument.
type ConnectionConfig struct {
	// device is the serial device path, e.g. "/dev/ttyUSB0".
	device string

	// baudRate of the link; the instrument side is fixed via its touchscreen.
	baudRate int

	readTimeout time.Duration
	settleDelay time.Duration
	writeDelay  time.Duration

	logger logger.Logger
}

// NewConnectionConfig creates a serial connection configuration for the given
// device path. opts are functional options applied in order; see the With*
// functions.
func NewConnectionConfig(device string, opts ...ConnOption) (*ConnectionConfig, error) {
	if device == "" {
		return nil, errors.New("serialconn: device path is empty")
	}

	cfg := &ConnectionConfig{
		device:      device,
		baudRate:    DefaultBaudRate,
		readTimeout: DefaultReadTimeout,
		settleDelay: DefaultSettleDelay,
		writeDelay:  DefaultWriteDelay,
		logger:      logger.GetLogger(),
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

// WithBaudRate sets the baud rate of the link.
// An error is returned if the rate is outside [1200, 921600].
//
// The default value is 115200.
func WithBaudRate(rate int) ConnOption {
	return newConnOptFunc("WithBaudRate", func(cfg *ConnectionConfig) error {
		if rate < minBaudRate || rate > maxBaudRate {
			return errors.New("baud rate out of range [1200, 921600]")
		}
		cfg.baudRate = rate

		return nil
	})
}

// WithReadTimeout sets the timeout for a single read on the port.
// An error is returned if the timeout is outside [0.1s, 30s].
//
// The default value is 1 second.
func WithReadTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithReadTimeout", func(cfg *ConnectionConfig) error {
		if val < minReadTimeout || val > maxReadTimeout {
			return errors.New("read timeout out of range [0.1, 30]")
		}
		cfg.readTimeout = val

		return nil
	})
}

// WithSettleDelay sets the delay imposed after opening the port before the
// first command may be sent. An error is returned if the delay is negative or
// above 30 seconds.
//
// The default value is 2 seconds.
func WithSettleDelay(val time.Duration) ConnOption {
	return newConnOptFunc("WithSettleDelay", func(cfg *ConnectionConfig) error {
		if val < 0 || val > maxSettleDelay {
			return errors.New("settle delay out of range [0, 30]")
		}
		cfg.settleDelay = val

		return nil
	})
}

// WithWriteDelay sets the delay imposed after every write before the reply is
// read. An error is returned if the delay is negative or above 30 seconds.
//
// The default value is 3 seconds.
func WithWriteDelay(val time.Duration) ConnOption {
	return newConnOptFunc("WithWriteDelay", func(cfg *ConnectionConfig) error {
		if val < 0 || val > maxWriteDelay {
			return errors.New("write delay out of range [0, 30]")
		}
		cfg.writeDelay = val

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
