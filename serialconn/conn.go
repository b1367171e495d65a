// Package serialconn implements the persistent-connection transport variant
// of the Mercury ITC link: one long-lived serial connection owned by the
// Connection for its whole lifetime.
//
// The instrument is slow: the port needs a settle delay after opening and a
// fixed delay after every write, and replies arrive as single ASCII lines.
// Commands are terminated with "\n\r" as the instrument firmware expects on
// the serial interface; replies are accepted with either CR-first or LF-first
// terminators.
package serialconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	goserial "go.bug.st/serial"
	"go.uber.org/multierr"

	"github.com/cryolab/go-mercury/internal/pool"
	"github.com/cryolab/go-mercury/logger"
	"github.com/cryolab/go-mercury/mercury"
)

// commandTerminator is appended to every outgoing command. The serial
// firmware wants LF-CR, unlike the LAN interface.
const commandTerminator = "\n\r"

// ErrReadTimeout indicates that the instrument produced no reply byte within
// the configured read timeout.
var ErrReadTimeout = errors.New("serialconn: read timeout")

// Port is the narrow surface of a serial port used by Connection.
// go.bug.st/serial.Port satisfies it.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Connection is a [mercury.Conn] over a serial line. It owns the underlying
// port exclusively from Open to Close and carries one command in flight at a
// time.
type Connection struct {
	cfg    *ConnectionConfig
	logger logger.Logger

	// dial opens the configured port. Replaced in tests.
	dial func() (Port, error)

	mu     sync.Mutex
	port   Port
	closed bool

	// dirty marks that a command was written but its reply abandoned, so
	// the reply may still arrive in the input buffer. The buffer is flushed
	// again before the next command goes out.
	dirty bool
}

var _ mercury.Conn = (*Connection)(nil)

// NewConnection creates a serial Connection with the given configuration.
// The port is not opened until [Connection.Open] is called.
func NewConnection(cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, errors.New("serialconn: connection config is nil")
	}

	c := &Connection{
		cfg:    cfg,
		logger: cfg.logger.With("device", cfg.device),
	}
	c.dial = c.openPort

	return c, nil
}

func (c *Connection) openPort() (Port, error) {
	mode := &goserial.Mode{
		BaudRate: c.cfg.baudRate,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	}

	port, err := goserial.Open(c.cfg.device, mode)
	if err != nil {
		return nil, fmt.Errorf("serialconn: open %s: %w", c.cfg.device, err)
	}

	return port, nil
}

// Open establishes the serial link and waits the configured settle delay
// before returning; the instrument firmware needs warm-up time after line
// establishment. Opening an already-open connection is a no-op.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return mercury.ErrConnClosed
	}
	if c.port != nil {
		return nil
	}

	port, err := c.dial()
	if err != nil {
		return err
	}

	if err := port.SetReadTimeout(c.cfg.readTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("serialconn: set read timeout: %w", err)
	}

	c.logger.Info("serial port open, settling", "settleDelay", c.cfg.settleDelay)
	if err := pool.Wait(ctx, c.cfg.settleDelay); err != nil {
		_ = port.Close()
		return err
	}

	c.port = port

	return nil
}

// Exchange sends one command and returns the single reply line with trailing
// whitespace trimmed. Residual buffered bytes beyond the line are discarded
// afterwards so a late or chatty reply cannot desynchronize the next
// exchange.
func (c *Connection) Exchange(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeCommand(ctx, cmd); err != nil {
		return "", err
	}

	line, err := c.readLine()
	if err != nil {
		return "", err
	}

	if err := c.port.ResetInputBuffer(); err != nil {
		c.logger.Warn("failed to flush residual input", "error", err)
	}

	c.logger.Debug("exchange", "cmd", cmd, "reply", line)

	return line, nil
}

// Send sends one command and consumes one acknowledgement line, discarding
// it, to keep the command/response pairing of the channel intact. A missing
// acknowledgement is logged but not treated as a failure.
func (c *Connection) Send(ctx context.Context, cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeCommand(ctx, cmd); err != nil {
		return err
	}

	ack, err := c.readLine()
	switch {
	case errors.Is(err, ErrReadTimeout):
		c.logger.Warn("no acknowledgement for command", "cmd", cmd)
	case err != nil:
		return err
	default:
		c.logger.Debug("acknowledgement discarded", "cmd", cmd, "ack", ack)
	}

	if err := c.port.ResetInputBuffer(); err != nil {
		c.logger.Warn("failed to flush residual input", "error", err)
	}

	return nil
}

// Close releases the serial port. It is idempotent; the connection cannot be
// reopened afterwards.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.port == nil {
		return nil
	}

	var err error
	if rerr := c.port.ResetInputBuffer(); rerr != nil {
		err = multierr.Append(err, rerr)
	}
	if cerr := c.port.Close(); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	c.port = nil

	return err
}

// writeCommand writes cmd plus the line terminator and imposes the
// post-write delay. The caller must hold c.mu.
//
// When the wait is cut short after a successful write, the command is
// already on the wire and its reply would be read as the reply of the next
// command. The input buffer is flushed immediately and the connection marked
// dirty, so a late-arriving reply is flushed again before the next write.
func (c *Connection) writeCommand(ctx context.Context, cmd string) error {
	if c.closed {
		return mercury.ErrConnClosed
	}
	if c.port == nil {
		return mercury.ErrConnNotOpen
	}

	if c.dirty {
		if err := c.port.ResetInputBuffer(); err != nil {
			return fmt.Errorf("serialconn: flush abandoned reply: %w", err)
		}
		c.dirty = false
	}

	if _, err := c.port.Write([]byte(cmd + commandTerminator)); err != nil {
		return fmt.Errorf("serialconn: write: %w", err)
	}

	if err := pool.Wait(ctx, c.cfg.writeDelay); err != nil {
		c.dirty = true
		if rerr := c.port.ResetInputBuffer(); rerr != nil {
			c.logger.Warn("failed to flush abandoned reply", "error", rerr)
		}
		return err
	}

	return nil
}

// readLine reads bytes until a line terminator, accepting both "\n\r" and
// "\r\n" framings. Leading terminator bytes left over from a previous line
// are skipped. A timeout with a partial line returns the partial line; a
// timeout with nothing read returns ErrReadTimeout.
func (c *Connection) readLine() (string, error) {
	var line []byte
	buf := make([]byte, 1)

	for {
		n, err := c.port.Read(buf)
		if err != nil {
			return "", fmt.Errorf("serialconn: read: %w", err)
		}
		if n == 0 {
			// go.bug.st/serial signals a read timeout with n == 0, err == nil.
			if len(line) == 0 {
				return "", ErrReadTimeout
			}
			break
		}

		b := buf[0]
		if b == '\n' || b == '\r' {
			if len(line) == 0 {
				continue
			}
			break
		}
		line = append(line, b)
	}

	return strings.TrimRight(string(line), " \t\r\n"), nil
}
