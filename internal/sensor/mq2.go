// Package sensor models an MQ-2 style resistive gas sensor.
//
// The sensor and a load resistor form a voltage divider. A raw ADC
// sample gives the sensor's resistance R_s; dividing by the clean-air
// baseline R_0 gives a ratio that the datasheet's sensitivity curve,
// linearised on log-log axes, maps to a concentration in ppm.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nugget/smokefan/internal/hal"
)

var (
	// ErrDegenerateSample marks a sample that cannot produce a
	// resistance (raw == 0) or a measurement with no usable samples.
	ErrDegenerateSample = errors.New("degenerate sensor sample")
	// ErrSampleRange marks a raw sample outside [0, ADCMax].
	ErrSampleRange = errors.New("sensor sample out of range")
	// ErrInvalidBaseline marks a calibration that did not yield a
	// finite, positive R_0.
	ErrInvalidBaseline = errors.New("invalid calibration baseline")
	// ErrSaturated marks a measurement whose samples all sat at ADCMax.
	// R_s is 0 and the concentration is beyond the curve; Measure
	// returns +Inf alongside it.
	ErrSaturated = errors.New("sensor saturated")
)

// Curve is a log-log fit of the datasheet sensitivity curve: a point
// (X0, Slope) on the line log10(ratio) over log10(ppm), and the line's
// gradient Intercept. The field names follow the usual three-element
// MQ-2 constant list [x0, y0, m].
type Curve struct {
	X0        float64
	Slope     float64
	Intercept float64
}

// SmokeCurve is the MQ-2 smoke curve: through (log10 200, 0.53) with a
// gradient of -0.44.
var SmokeCurve = Curve{X0: 2.3, Slope: 0.53, Intercept: -0.44}

// CurveFromSlice builds a Curve from [x0, slope, intercept].
func CurveFromSlice(v []float64) (Curve, error) {
	if len(v) != 3 {
		return Curve{}, fmt.Errorf("curve needs 3 values, got %d", len(v))
	}
	if v[2] == 0 {
		return Curve{}, fmt.Errorf("curve intercept must not be zero")
	}
	return Curve{X0: v[0], Slope: v[1], Intercept: v[2]}, nil
}

// Params are the sensor-model constants.
type Params struct {
	LoadResistance      float64 // kΩ
	ADCMax              int
	CleanAirFactor      float64 // R_s/R_0 in clean air, from the datasheet
	Curve               Curve
	CalibrationSamples  int
	CalibrationInterval time.Duration
	MeasureSamples      int
	MeasureInterval     time.Duration
}

// DefaultParams returns the constants for an MQ-2 breakout with a 5 kΩ
// load resistor on a 10-bit ADC.
func DefaultParams() Params {
	return Params{
		LoadResistance:      5.0,
		ADCMax:              1023,
		CleanAirFactor:      9.83,
		Curve:               SmokeCurve,
		CalibrationSamples:  50,
		CalibrationInterval: 500 * time.Millisecond,
		MeasureSamples:      5,
		MeasureInterval:     50 * time.Millisecond,
	}
}

// Resistance converts a raw sample to the sensor resistance in kΩ:
// load * (max - raw) / raw.
func Resistance(raw int, p Params) (float64, error) {
	if raw < 0 || raw > p.ADCMax {
		return 0, fmt.Errorf("raw %d not in [0, %d]: %w", raw, p.ADCMax, ErrSampleRange)
	}
	if raw == 0 {
		return 0, fmt.Errorf("raw 0: %w", ErrDegenerateSample)
	}
	return p.LoadResistance * float64(p.ADCMax-raw) / float64(raw), nil
}

// Concentration maps a resistance ratio R_s/R_0 to ppm:
// 10^(((log10(ratio) - slope) / intercept) + x0).
func Concentration(ratio float64, c Curve) float64 {
	return math.Pow(10, ((math.Log10(ratio)-c.Slope)/c.Intercept)+c.X0)
}

// averageResistance takes n samples spaced by interval and averages the
// resistance of the usable ones. Unusable samples are logged and
// skipped; if none are usable the result wraps ErrDegenerateSample.
func averageResistance(ctx context.Context, adc hal.ADC, p Params, n int, interval time.Duration, logger *slog.Logger) (float64, error) {
	var sum float64
	var used int
	for i := range n {
		if i > 0 {
			if err := sleep(ctx, interval); err != nil {
				return 0, err
			}
		}
		raw, err := adc.Read()
		if err != nil {
			logger.Warn("adc read failed", "sample", i, "error", err)
			continue
		}
		r, err := Resistance(raw, p)
		if err != nil {
			logger.Warn("skipping sensor sample", "sample", i, "raw", raw, "error", err)
			continue
		}
		logger.Log(ctx, levelTrace, "sensor sample", "sample", i, "raw", raw, "kohm", r)
		sum += r
		used++
	}
	if used == 0 {
		return 0, fmt.Errorf("no usable samples out of %d: %w", n, ErrDegenerateSample)
	}
	return sum / float64(used), nil
}

// Calibrate averages CalibrationSamples clean-air samples and divides
// by CleanAirFactor to obtain R_0.
func Calibrate(ctx context.Context, adc hal.ADC, p Params, logger *slog.Logger) (float64, error) {
	avg, err := averageResistance(ctx, adc, p, p.CalibrationSamples, p.CalibrationInterval, logger)
	if err != nil {
		if ctx.Err() != nil {
			return 0, err
		}
		return 0, fmt.Errorf("calibrate: %w: %w", ErrInvalidBaseline, err)
	}
	r0 := avg / p.CleanAirFactor
	if math.IsNaN(r0) || math.IsInf(r0, 0) || r0 <= 0 {
		return 0, fmt.Errorf("calibrate: r0 = %v: %w", r0, ErrInvalidBaseline)
	}
	return r0, nil
}

// MQ2 is a calibrated sensor. The only way to obtain one is [NewMQ2],
// which calibrates first, so Measure always has a valid baseline.
type MQ2 struct {
	adc    hal.ADC
	params Params
	r0     float64
	logger *slog.Logger
}

// NewMQ2 calibrates the sensor on adc and returns it ready to measure.
// Calibration blocks for roughly CalibrationSamples *
// CalibrationInterval.
func NewMQ2(ctx context.Context, adc hal.ADC, p Params, logger *slog.Logger) (*MQ2, error) {
	r0, err := Calibrate(ctx, adc, p, logger)
	if err != nil {
		return nil, err
	}
	return &MQ2{adc: adc, params: p, r0: r0, logger: logger}, nil
}

// R0 returns the clean-air baseline resistance in kΩ.
func (s *MQ2) R0() float64 {
	return s.r0
}

// Measure takes a fresh averaged resistance sample and returns the
// concentration in ppm. A full-scale reading returns +Inf and an error
// wrapping [ErrSaturated].
func (s *MQ2) Measure(ctx context.Context) (float64, error) {
	rs, err := averageResistance(ctx, s.adc, s.params, s.params.MeasureSamples, s.params.MeasureInterval, s.logger)
	if err != nil {
		return 0, fmt.Errorf("measure: %w", err)
	}
	if rs == 0 {
		return math.Inf(1), fmt.Errorf("measure: rs 0 kΩ: %w", ErrSaturated)
	}
	ppm := Concentration(rs/s.r0, s.params.Curve)
	if math.IsNaN(ppm) || math.IsInf(ppm, 0) {
		return 0, fmt.Errorf("measure: rs %v kΩ gives %v ppm: %w", rs, ppm, ErrDegenerateSample)
	}
	return ppm, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// levelTrace mirrors config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)
