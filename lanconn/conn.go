// Package lanconn implements the per-call transport variant of the Mercury
// ITC link: every command opens a fresh TCP connection to the instrument's
// LAN interface, exchanges one command, and closes the socket again.
//
// The variant trades per-command connection latency for statelessness: a
// single broken connection can never poison later commands, and transient
// link failures are absorbed by a bounded retry loop. After the attempt
// budget is exhausted a command fails with *FatalCommError; no partial or
// fabricated value is ever returned.
package lanconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/cryolab/go-mercury/internal/pool"
	"github.com/cryolab/go-mercury/logger"
	"github.com/cryolab/go-mercury/mercury"
)

// commandTerminator is appended to every outgoing command. The LAN firmware
// wants CR-LF, unlike the serial interface.
const commandTerminator = "\r\n"

// FatalCommError indicates that a command failed on every attempt of the
// retry budget. It is unrecoverable for the command; callers decide whether
// to abort or to keep their loop running. Err carries the accumulated causes
// of all attempts.
type FatalCommError struct {
	Attempts int
	Err      error
}

func (e *FatalCommError) Error() string {
	return fmt.Sprintf("lanconn: communication failed %d times: %v", e.Attempts, e.Err)
}

func (e *FatalCommError) Unwrap() error { return e.Err }

// Connection is a [mercury.Conn] that opens a fresh TCP connection per
// command. It keeps no per-call state; attempts never share sockets or
// buffered bytes.
type Connection struct {
	cfg    *ConnectionConfig
	logger logger.Logger

	// dial opens one TCP connection to the instrument. Replaced in tests.
	dial func(ctx context.Context) (net.Conn, error)

	shutdown atomic.Bool

	metrics ConnectionMetrics
}

var _ mercury.Conn = (*Connection)(nil)

// NewConnection creates a LAN Connection with the given configuration.
func NewConnection(cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, errors.New("lanconn: connection config is nil")
	}

	addr := net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port))
	c := &Connection{
		cfg:    cfg,
		logger: cfg.logger.With("addr", addr),
	}
	c.dial = func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: cfg.connectTimeout}
		return d.DialContext(ctx, "tcp", addr)
	}

	return c, nil
}

// Open is a no-op; the per-call variant holds no persistent link.
func (c *Connection) Open(_ context.Context) error {
	if c.shutdown.Load() {
		return mercury.ErrConnClosed
	}
	return nil
}

// Close marks the connection as shut down. There is no persistent socket to
// release; subsequent commands fail with mercury.ErrConnClosed.
func (c *Connection) Close() error {
	c.shutdown.Store(true)
	return nil
}

// Metrics returns the connection metrics.
func (c *Connection) Metrics() *ConnectionMetrics {
	return &c.metrics
}

// Exchange sends one command on a fresh connection and returns the reply
// with trailing whitespace trimmed, retrying failed attempts up to the
// configured budget.
func (c *Connection) Exchange(ctx context.Context, cmd string) (string, error) {
	line, err := c.attempt(ctx, cmd, true)
	if err != nil {
		return "", err
	}
	c.metrics.incExchangeCount()

	return line, nil
}

// Send sends one command on a fresh connection and closes it without reading
// a reply, retrying failed attempts up to the configured budget.
func (c *Connection) Send(ctx context.Context, cmd string) error {
	_, err := c.attempt(ctx, cmd, false)
	if err != nil {
		return err
	}
	c.metrics.incSendCount()

	return nil
}

// attempt runs the bounded retry loop for one command. Connect, send and
// receive failures are treated identically: the attempt's socket is
// discarded, the cause is accumulated, and after the backoff the next
// attempt starts from scratch.
func (c *Connection) attempt(ctx context.Context, cmd string, read bool) (string, error) {
	if c.shutdown.Load() {
		return "", mercury.ErrConnClosed
	}

	var causes error
	for att := 1; att <= c.cfg.maxAttempts; att++ {
		if att > 1 {
			c.metrics.incRetryCount()
			if err := pool.Wait(ctx, c.cfg.retryBackoff); err != nil {
				return "", multierr.Append(causes, err)
			}
		}
		c.metrics.incAttemptCount()

		line, err := c.exchangeOnce(ctx, cmd, read)
		if err == nil {
			return line, nil
		}
		if ctx.Err() != nil {
			return "", multierr.Append(causes, ctx.Err())
		}

		c.logger.Warn("communication attempt failed", "attempt", att, "cmd", cmd, "error", err)
		causes = multierr.Append(causes, err)
	}

	c.metrics.incFatalErrCount()
	fatal := &FatalCommError{Attempts: c.cfg.maxAttempts, Err: causes}
	c.logger.Error("communication failed, attempt budget exhausted", "attempts", c.cfg.maxAttempts, "cmd", cmd)

	return "", fatal
}

// exchangeOnce performs a single attempt on a fresh socket.
//
// The reply is taken from a single receive into the configured buffer, not a
// loop until a terminator. The instrument answers a command with one short
// segment in practice; the framing assumption is kept from the field-proven
// behavior rather than silently changed, since a read loop would hang on the
// reply-less SET path of some firmware revisions.
func (c *Connection) exchangeOnce(ctx context.Context, cmd string, read bool) (string, error) {
	if read {
		// Respect the instrument's response latency even on the first attempt.
		if err := pool.Wait(ctx, c.cfg.readThrottle); err != nil {
			return "", err
		}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return "", fmt.Errorf("lanconn: connect: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(cmd + commandTerminator)); err != nil {
		return "", fmt.Errorf("lanconn: send: %w", err)
	}

	if !read {
		return "", nil
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.readTimeout)); err != nil {
		return "", fmt.Errorf("lanconn: set read deadline: %w", err)
	}

	buf := make([]byte, c.cfg.recvBufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("lanconn: receive: %w", err)
	}

	return strings.TrimRight(string(buf[:n]), " \t\r\n"), nil
}
