package poll

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cryolab/go-mercury/mercury"
)

// stubReadouts hands out readouts with a reference temperature that steps
// down on every reference read, mimicking an external cooldown sweep.
type stubReadouts struct {
	refKey string
	temp   atomic.Int64 // milli-Kelvin, stepped per reference read
	step   int64
}

func (s *stubReadouts) SensorReadout(_ context.Context, deviceKey string, includeTemperature bool) (mercury.Readout, error) {
	r := mercury.Readout{
		Voltage:    7e-3,
		Current:    56e-9,
		Resistance: 124.7e3,
	}

	if deviceKey == s.refKey {
		if !includeTemperature {
			return mercury.Readout{}, errors.New("reference read must include temperature")
		}
		r.Temperature = float64(s.temp.Add(-s.step)) / 1000
		r.HasTemperature = true
	}

	return r, nil
}

func TestCalibratorRun(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	stub := &stubReadouts{refKey: "db7", step: 500}
	stub.temp.Store(295361 + 500) // first reference read yields 295.361 K

	c, err := NewCalibrator(stub, "db7",
		[]Target{{Key: "db6", Name: "X96620"}, {Key: "mb1", Name: "X96621"}},
		WithCalibrationInterval(10*time.Millisecond),
		WithCalibrationDir(dir),
	)
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := c.Run(ctx)
	require.NoError(err)
	require.Greater(res.Sweeps, 1)

	// The reference temperature steps down 0.5 K per sweep.
	require.InEpsilon(295.361, res.MaxTemp, 1e-9)
	require.InEpsilon(295.361-0.5*float64(res.Sweeps-1), res.MinTemp, 1e-9)

	// calibration.txt: header comments plus 10 columns per sweep
	// (4 reference + 3 per target).
	data, err := os.ReadFile(filepath.Join(dir, "calibration.txt"))
	require.NoError(err)

	var rows [][]string
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if strings.HasPrefix(line, "#") {
			continue
		}
		rows = append(rows, strings.Split(line, "\t"))
	}
	require.Len(rows, res.Sweeps)
	require.Len(rows[0], 10)

	// Each target gets a temperature-vs-resistance curve.
	for _, name := range []string{"X96620", "X96621"} {
		data, err := os.ReadFile(filepath.Join(dir, name+".dat"))
		require.NoError(err, name)

		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		require.Equal("# Temperature (K)\t Resistance (Ohm)", lines[0])
		require.Equal("# Excitation: Constant Voltage, 7mV", lines[1])

		require.Len(lines, 2+res.Sweeps)
		require.Len(strings.Split(lines[2], "\t"), 2)
	}
}

func TestCalibratorRun_CustomExcitation(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	stub := &stubReadouts{refKey: "db7", step: 500}

	c, err := NewCalibrator(stub, "db7", []Target{{Key: "db6", Name: "X96620"}},
		WithCalibrationDir(dir),
		WithExcitation("Constant Current, 10nA"),
	)
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.Run(ctx)
	require.NoError(err)

	data, err := os.ReadFile(filepath.Join(dir, "X96620.dat"))
	require.NoError(err)
	require.Contains(string(data), "# Excitation: Constant Current, 10nA\n")
}

func TestCalibratorRun_NoSweeps(t *testing.T) {
	require := require.New(t)

	stub := &stubReadouts{refKey: "db7", step: 500}

	c, err := NewCalibrator(stub, "db7", []Target{{Key: "db6", Name: "X96620"}},
		WithCalibrationInterval(time.Hour),
		WithCalibrationDir(t.TempDir()),
	)
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// One sweep still happens before the first interval wait observes the
	// cancelled context.
	res, err := c.Run(ctx)
	require.NoError(err)
	require.Equal(1, res.Sweeps)
}

func TestNewCalibrator_Invalid(t *testing.T) {
	require := require.New(t)

	stub := &stubReadouts{refKey: "db7"}
	targets := []Target{{Key: "db6", Name: "X96620"}}

	_, err := NewCalibrator(nil, "db7", targets)
	require.Error(err)

	_, err = NewCalibrator(stub, "", targets)
	require.Error(err)

	_, err = NewCalibrator(stub, "db7", nil)
	require.Error(err)

	_, err = NewCalibrator(stub, "db7", []Target{{Key: "db6"}})
	require.Error(err)

	_, err = NewCalibrator(stub, "db7", targets, WithCalibrationInterval(-time.Second))
	require.Error(err)

	_, err = NewCalibrator(stub, "db7", targets, WithExcitation(""))
	require.Error(err)
}
