// Package poll contains the loop-shaped consumers of the mercury client: a
// temperature poller and a sensor calibration recorder. Both are plain
// context-cancelled loops that log each sweep and append rows of numeric
// data to text files with "#"-prefixed header comments.
package poll

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/cryolab/go-mercury/internal/pool"
	"github.com/cryolab/go-mercury/logger"
	"github.com/cryolab/go-mercury/mercury"
)

// DefaultInterval is the wait between sweeps of both loops.
const DefaultInterval = 1 * time.Second

// SignalReader reads one named signal of a device. *mercury.Client
// satisfies it.
type SignalReader interface {
	Signal(ctx context.Context, deviceKey, signal string) (float64, error)
}

// Reading is the latest polled value of one device.
type Reading struct {
	Key   string
	Value float64
	At    time.Time
}

// Poller periodically reads the temperature of a set of devices, appends one
// row per sweep to a timestamped log file, and keeps the latest reading per
// device available for concurrent readers.
type Poller struct {
	client   SignalReader
	keys     []string
	interval time.Duration
	dir      string
	logger   logger.Logger

	latest *xsync.MapOf[string, Reading]
}

// PollerOption represents a functional option for configuring a Poller.
type PollerOption interface {
	apply(*Poller) error
}

type pollerOptFunc struct {
	applyFunc func(*Poller) error
}

func (o *pollerOptFunc) apply(p *Poller) error { return o.applyFunc(p) }

// WithInterval sets the wait between sweeps. The default is 1 second.
func WithInterval(d time.Duration) PollerOption {
	return &pollerOptFunc{func(p *Poller) error {
		if d <= 0 {
			return errors.New("poll: interval must be positive")
		}
		p.interval = d

		return nil
	}}
}

// WithOutputDir sets the directory the log file is created in. The default
// is the current working directory.
func WithOutputDir(dir string) PollerOption {
	return &pollerOptFunc{func(p *Poller) error {
		p.dir = dir
		return nil
	}}
}

// WithLogger sets the logger for the poller. The default is the global
// logger instance.
func WithLogger(l logger.Logger) PollerOption {
	return &pollerOptFunc{func(p *Poller) error {
		if l == nil {
			return errors.New("poll: logger is nil")
		}
		p.logger = l

		return nil
	}}
}

// NewPoller creates a Poller reading the temperature of the given device
// keys, in the given order, once per interval.
func NewPoller(client SignalReader, keys []string, opts ...PollerOption) (*Poller, error) {
	if client == nil {
		return nil, errors.New("poll: client is nil")
	}
	if len(keys) == 0 {
		return nil, errors.New("poll: no device keys")
	}

	p := &Poller{
		client:   client,
		keys:     append([]string(nil), keys...),
		interval: DefaultInterval,
		dir:      ".",
		logger:   logger.GetLogger(),
		latest:   xsync.NewMapOf[string, Reading](),
	}

	for _, opt := range opts {
		if err := opt.apply(p); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// Latest returns the most recent reading of the given device key and whether
// one has been taken yet. It is safe to call while Run is in progress.
func (p *Poller) Latest(key string) (Reading, bool) {
	return p.latest.Load(key)
}

// Run polls until ctx is cancelled, then returns nil. A sweep whose read
// fails is logged and dropped; the loop keeps running, since the decision to
// abort belongs to the caller, not the polling loop.
//
// Each sweep appends one row to tempLog_<start-unix>.txt: elapsed seconds
// followed by one temperature column per device key, tab-separated in %.6e
// notation.
func (p *Poller) Run(ctx context.Context) error {
	start := time.Now()

	path := filepath.Join(p.dir, fmt.Sprintf("tempLog_%d.txt", start.Unix()))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("poll: create log file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	fmt.Fprintf(w, "# Time\t%s\n", strings.Join(upperKeys(p.keys), "\t"))

	p.logger.Info("temperature polling started", "devices", p.keys, "file", path)

	for {
		if err := p.sweep(ctx, w, start); err != nil {
			p.logger.Warn("sweep dropped", "error", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("poll: write log file: %w", err)
		}

		if err := pool.Wait(ctx, p.interval); err != nil {
			p.logger.Info("temperature polling stopped")
			return nil
		}
	}
}

func (p *Poller) sweep(ctx context.Context, w *bufio.Writer, start time.Time) error {
	now := time.Now()
	values := make([]float64, 0, len(p.keys))

	for _, key := range p.keys {
		v, err := p.client.Signal(ctx, key, mercury.SigTemperature)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		values = append(values, v)
		p.latest.Store(key, Reading{Key: key, Value: v, At: now})
	}

	cols := make([]string, 0, len(p.keys))
	msg := make([]any, 0, 2*len(p.keys))
	for i, key := range p.keys {
		cols = append(cols, fmt.Sprintf("%.6e", values[i]))
		msg = append(msg, strings.ToUpper(key), fmt.Sprintf("%.3f K", values[i]))
	}

	fmt.Fprintf(w, "%.6e\t%s\n", now.Sub(start).Seconds(), strings.Join(cols, "\t"))
	p.logger.Info("temperatures", msg...)

	return nil
}

func upperKeys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.ToUpper(k)
	}
	return out
}
