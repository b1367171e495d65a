package poll

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/cryolab/go-mercury/internal/pool"
	"github.com/cryolab/go-mercury/logger"
	"github.com/cryolab/go-mercury/mercury"
)

// SensorReader reads a full electrical readout of a device.
// *mercury.Client satisfies it.
type SensorReader interface {
	SensorReadout(ctx context.Context, deviceKey string, includeTemperature bool) (mercury.Readout, error)
}

// Target is a sensor under calibration: the registry key of the board it is
// connected to and the name its output file is written under.
type Target struct {
	Key  string
	Name string
}

// CalibrationResult summarizes a finished calibration run.
type CalibrationResult struct {
	Sweeps  int
	MinTemp float64
	MaxTemp float64
}

// Calibrator records a calibrated reference sensor against one or more
// sensors under calibration. Per sweep it reads voltage, current, resistance
// and temperature of the reference, then voltage, current and resistance of
// each target, and appends the columns to the calibration data files.
//
// The temperature sweep itself is driven externally (a second temperature
// controller in the reference setup); the calibrator only records.
// DefaultExcitation is the excitation note recorded in the .dat file
// headers, matching the sensor excitation of the reference setup.
const DefaultExcitation = "Constant Voltage, 7mV"

type Calibrator struct {
	client     SensorReader
	refKey     string
	targets    []Target
	interval   time.Duration
	dir        string
	excitation string
	logger     logger.Logger
}

// CalibratorOption represents a functional option for configuring a
// Calibrator.
type CalibratorOption interface {
	apply(*Calibrator) error
}

type calibratorOptFunc struct {
	applyFunc func(*Calibrator) error
}

func (o *calibratorOptFunc) apply(c *Calibrator) error { return o.applyFunc(c) }

// WithCalibrationInterval sets the wait between sweeps. The default is
// 1 second.
func WithCalibrationInterval(d time.Duration) CalibratorOption {
	return &calibratorOptFunc{func(c *Calibrator) error {
		if d <= 0 {
			return errors.New("poll: interval must be positive")
		}
		c.interval = d

		return nil
	}}
}

// WithCalibrationDir sets the directory the data files are created in. The
// default is the current working directory.
func WithCalibrationDir(dir string) CalibratorOption {
	return &calibratorOptFunc{func(c *Calibrator) error {
		c.dir = dir
		return nil
	}}
}

// WithExcitation sets the excitation note recorded in the .dat file headers,
// describing how the sensors under calibration are driven.
//
// The default is DefaultExcitation.
func WithExcitation(note string) CalibratorOption {
	return &calibratorOptFunc{func(c *Calibrator) error {
		if note == "" {
			return errors.New("poll: excitation note is empty")
		}
		c.excitation = note

		return nil
	}}
}

// WithCalibrationLogger sets the logger for the calibrator. The default is
// the global logger instance.
func WithCalibrationLogger(l logger.Logger) CalibratorOption {
	return &calibratorOptFunc{func(c *Calibrator) error {
		if l == nil {
			return errors.New("poll: logger is nil")
		}
		c.logger = l

		return nil
	}}
}

// NewCalibrator creates a Calibrator with the given reference device key and
// calibration targets.
func NewCalibrator(client SensorReader, refKey string, targets []Target, opts ...CalibratorOption) (*Calibrator, error) {
	if client == nil {
		return nil, errors.New("poll: client is nil")
	}
	if refKey == "" {
		return nil, errors.New("poll: reference device key is empty")
	}
	if len(targets) == 0 {
		return nil, errors.New("poll: no calibration targets")
	}
	for _, tgt := range targets {
		if tgt.Key == "" || tgt.Name == "" {
			return nil, errors.New("poll: calibration target needs both key and name")
		}
	}

	c := &Calibrator{
		client:     client,
		refKey:     refKey,
		targets:    append([]Target(nil), targets...),
		interval:   DefaultInterval,
		dir:        ".",
		excitation: DefaultExcitation,
		logger:     logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Run records sweeps until ctx is cancelled, then returns the result. A
// sweep whose read fails is logged and dropped; the loop keeps running.
//
// calibration.txt collects all columns of every sweep; each target
// additionally gets a <name>.dat file of reference temperature against its
// own resistance, ready for use as an instrument calibration curve.
func (c *Calibrator) Run(ctx context.Context) (CalibrationResult, error) {
	res := CalibrationResult{MinTemp: math.Inf(1), MaxTemp: math.Inf(-1)}

	calFile, err := c.createCalibrationFile()
	if err != nil {
		return res, err
	}
	defer calFile.close()

	tgtFiles := make([]*dataFile, 0, len(c.targets))
	defer func() {
		for _, f := range tgtFiles {
			f.close()
		}
	}()
	for _, tgt := range c.targets {
		f, err := newDataFile(
			filepath.Join(c.dir, tgt.Name+".dat"),
			"# Temperature (K)\t Resistance (Ohm)\n# Excitation: "+c.excitation+"\n",
		)
		if err != nil {
			return res, err
		}
		tgtFiles = append(tgtFiles, f)
	}

	c.logger.Info("calibration recording started", "reference", c.refKey, "targets", c.targets)

	for {
		if err := c.sweep(ctx, &res, calFile, tgtFiles); err != nil {
			c.logger.Warn("sweep dropped", "error", err)
		}

		if err := pool.Wait(ctx, c.interval); err != nil {
			break
		}
	}

	if res.Sweeps == 0 {
		res.MinTemp, res.MaxTemp = 0, 0
	}
	c.logger.Info("calibration recording finished",
		"sweeps", res.Sweeps, "minTemp", res.MinTemp, "maxTemp", res.MaxTemp)

	return res, nil
}

func (c *Calibrator) sweep(ctx context.Context, res *CalibrationResult, calFile *dataFile, tgtFiles []*dataFile) error {
	ref, err := c.client.SensorReadout(ctx, c.refKey, true)
	if err != nil {
		return fmt.Errorf("read reference %s: %w", c.refKey, err)
	}

	readouts := make([]mercury.Readout, 0, len(c.targets))
	for _, tgt := range c.targets {
		r, err := c.client.SensorReadout(ctx, tgt.Key, false)
		if err != nil {
			return fmt.Errorf("read target %s: %w", tgt.Key, err)
		}
		readouts = append(readouts, r)
	}

	cols := []float64{ref.Voltage, ref.Current, ref.Resistance, ref.Temperature}
	for _, r := range readouts {
		cols = append(cols, r.Voltage, r.Current, r.Resistance)
	}
	if err := calFile.writeRow(cols...); err != nil {
		return err
	}

	for i, r := range readouts {
		if err := tgtFiles[i].writeRow(ref.Temperature, r.Resistance); err != nil {
			return err
		}
	}

	res.Sweeps++
	res.MinTemp = math.Min(res.MinTemp, ref.Temperature)
	res.MaxTemp = math.Max(res.MaxTemp, ref.Temperature)

	c.logger.Info("calibration sweep recorded",
		"refResistance", ref.Resistance, "refTemp", ref.Temperature, "sweeps", res.Sweeps)

	return nil
}

func (c *Calibrator) createCalibrationFile() (*dataFile, error) {
	header := "######################################\n" +
		"#\n" +
		"#  Calibration Log\n" +
		"#\n" +
		"#  Reference sensor: " + c.refKey + "\n" +
		"#  (Columns 1 to 4: Voltage, Current, Resistance, Temperature)\n"
	col := 5
	for _, tgt := range c.targets {
		header += fmt.Sprintf("#\n#  Sensor to calibrate: %s (board %s)\n#  (Columns %d to %d: Voltage, Current, Resistance)\n",
			tgt.Name, tgt.Key, col, col+2)
		col += 3
	}
	header += "#\n######################################\n"

	return newDataFile(filepath.Join(c.dir, "calibration.txt"), header)
}

// dataFile is an append-only numeric data file with a comment header,
// flushed after every row so an interrupted run loses at most the sweep in
// progress.
type dataFile struct {
	f *os.File
	w *bufio.Writer
}

func newDataFile(path, header string) (*dataFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("poll: create data file: %w", err)
	}

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("poll: write data file header: %w", err)
	}

	return &dataFile{f: f, w: w}, nil
}

func (d *dataFile) writeRow(values ...float64) error {
	for i, v := range values {
		if i > 0 {
			if err := d.w.WriteByte('\t'); err != nil {
				return fmt.Errorf("poll: write data row: %w", err)
			}
		}
		if _, err := fmt.Fprintf(d.w, "%.6e", v); err != nil {
			return fmt.Errorf("poll: write data row: %w", err)
		}
	}
	if err := d.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("poll: write data row: %w", err)
	}

	return d.w.Flush()
}

func (d *dataFile) close() {
	_ = d.w.Flush()
	_ = d.f.Close()
}
