package mercury

import (
	"context"
	"errors"

	"github.com/gotmc/query"

	"github.com/cryolab/go-mercury/logger"
	"github.com/cryolab/go-mercury/units"
)

// Client exposes device-level operations of the Mercury ITC over a Conn.
//
// A Client issues commands strictly one at a time in the order called; it is
// not safe for concurrent use, matching the single-command-in-flight
// invariant of the underlying Conn.
type Client struct {
	conn     Conn
	registry *Registry
	logger   logger.Logger
}

// Client satisfies query.Querier, so the typed helpers of
// github.com/gotmc/query can be used on top of it.
var _ query.Querier = (*Client)(nil)

// ClientOption represents a functional option for configuring a Client.
type ClientOption interface {
	apply(*Client) error
}

type clientOptFunc struct {
	applyFunc func(*Client) error
}

func (o *clientOptFunc) apply(c *Client) error { return o.applyFunc(c) }

// WithRegistry sets the device registry used to resolve device keys.
// The default is DefaultRegistry.
func WithRegistry(r *Registry) ClientOption {
	return &clientOptFunc{func(c *Client) error {
		if r == nil {
			return errors.New("mercury: registry is nil")
		}
		c.registry = r

		return nil
	}}
}

// WithLogger sets the logger for the client. The default is the global
// logger instance.
func WithLogger(l logger.Logger) ClientOption {
	return &clientOptFunc{func(c *Client) error {
		if l == nil {
			return errors.New("mercury: logger is nil")
		}
		c.logger = l

		return nil
	}}
}

// NewClient creates a Client on top of the given transport connection.
// The connection must already be, or later be, opened by the caller.
func NewClient(conn Conn, opts ...ClientOption) (*Client, error) {
	if conn == nil {
		return nil, errors.New("mercury: conn is nil")
	}

	c := &Client{
		conn:     conn,
		registry: DefaultRegistry(),
		logger:   logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Registry returns the client's device registry.
func (c *Client) Registry() *Registry { return c.registry }

// Identity issues the firmware identity query and returns the raw response
// line unmodified. The query bypasses both the READ verb convention and the
// device registry.
func (c *Client) Identity(ctx context.Context) (string, error) {
	return c.conn.Exchange(ctx, BuildQuery(IdentityQuery))
}

// Devices issues the system catalogue query and returns the raw response
// line, an instrument-formatted enumeration of the installed boards. No
// registry lookup is performed.
func (c *Client) Devices(ctx context.Context) (string, error) {
	return c.conn.Exchange(ctx, BuildReadPath(CatalogPath))
}

// Signal reads the named signal of the device with the given registry key
// and returns its value decoded into base units.
//
// Unknown keys yield an error wrapping ErrUnknownDevice; malformed value
// tokens yield a *units.DecodeError; transport failures propagate from the
// Conn. No value is ever fabricated on failure.
func (c *Client) Signal(ctx context.Context, deviceKey, signal string) (float64, error) {
	addr, err := c.registry.Lookup(deviceKey)
	if err != nil {
		return 0, err
	}

	raw, err := c.conn.Exchange(ctx, BuildRead(addr, signal))
	if err != nil {
		return 0, err
	}

	v, err := units.Decode(ParseResponse(raw))
	if err != nil {
		c.logger.Error("failed to decode signal value", "device", deviceKey, "signal", signal, "response", raw, "error", err)
		return 0, err
	}

	c.logger.Debug("signal read", "device", deviceKey, "signal", signal, "value", v)

	return v, nil
}

// SetRaw issues a SET command with the caller-supplied path/value payload.
// The instrument's acknowledgement is discarded without validation; whether
// instrument-reported SET failures should surface is deliberately left to
// the instrument's status surface.
func (c *Client) SetRaw(ctx context.Context, payload string) error {
	return c.conn.Send(ctx, BuildSet(payload))
}

// Query sends a raw command and returns the raw response line. It makes
// Client a query.Querier for use with gotmc/query helpers. The command is
// sent verbatim, without a verb prefix.
func (c *Client) Query(cmd string) (string, error) {
	return c.conn.Exchange(context.Background(), BuildQuery(cmd))
}

// Readout is one sweep over the electrical signals of a sensor board.
// Temperature is only meaningful when HasTemperature is true.
type Readout struct {
	Voltage     float64
	Current     float64
	Resistance  float64
	Temperature float64

	HasTemperature bool
}

// SensorReadout reads voltage, current, resistance and optionally
// temperature of the device with the given registry key, in that order.
//
// The reads are sequential commands with no atomicity across them: the
// values are taken at slightly different wall-clock instants. Callers that
// correlate the columns (e.g. the calibration recorder) accept this skew.
func (c *Client) SensorReadout(ctx context.Context, deviceKey string, includeTemperature bool) (Readout, error) {
	var r Readout
	var err error

	if r.Voltage, err = c.Signal(ctx, deviceKey, SigVoltage); err != nil {
		return Readout{}, err
	}
	if r.Current, err = c.Signal(ctx, deviceKey, SigCurrent); err != nil {
		return Readout{}, err
	}
	if r.Resistance, err = c.Signal(ctx, deviceKey, SigResistance); err != nil {
		return Readout{}, err
	}

	if includeTemperature {
		if r.Temperature, err = c.Signal(ctx, deviceKey, SigTemperature); err != nil {
			return Readout{}, err
		}
		r.HasTemperature = true
	}

	return r, nil
}
