package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/nugget/smokefan/internal/config"
	"github.com/nugget/smokefan/internal/hal"
	"github.com/nugget/smokefan/internal/interrupt"
	"github.com/nugget/smokefan/internal/sensor"
)

// openBoard returns the hardware driver named in cfg.
func openBoard(cfg config.HardwareConfig, logger *slog.Logger) (hal.Board, error) {
	switch cfg.Driver {
	case "gpiocdev":
		logger.Info("using gpio character device", "chip", cfg.Chip, "adc", cfg.ADCDevice)
		return hal.NewGPIOBoard(cfg.Chip, cfg.ADCDevice, cfg.Debounce, logger), nil
	case "fake":
		logger.Warn("using fake hardware, readings are simulated", "raw", cfg.FakeRaw)
		return hal.NewFake(cfg.FakeRaw), nil
	default:
		return nil, fmt.Errorf("unknown hardware driver %q", cfg.Driver)
	}
}

// watchInterrupts attaches the button and relay-feedback inputs to q.
// Negative pins are skipped. The returned closers release the lines.
func watchInterrupts(board hal.Board, cfg config.HardwareConfig, q *interrupt.Queue, logger *slog.Logger) ([]io.Closer, error) {
	watches := []struct {
		pin  int
		kind interrupt.Kind
	}{
		{cfg.ButtonPin, interrupt.ButtonPressed},
		{cfg.RelayFeedbackPin, interrupt.RelayChanged},
	}

	var closers []io.Closer
	for _, w := range watches {
		if w.pin < 0 {
			continue
		}
		c, err := board.WatchFalling(w.pin, q.Poster(w.kind))
		if err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("watch %s on pin %d: %w", w.kind, w.pin, err)
		}
		logger.Debug("watching input", "pin", w.pin, "interrupt", w.kind)
		closers = append(closers, c)
	}
	return closers, nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		c.Close()
	}
}

// sensorParams converts the sensor config section to model parameters.
func sensorParams(cfg config.SensorConfig) (sensor.Params, error) {
	curve, err := sensor.CurveFromSlice(cfg.Curve)
	if err != nil {
		return sensor.Params{}, fmt.Errorf("sensor.curve: %w", err)
	}
	return sensor.Params{
		LoadResistance:      cfg.LoadResistanceKOhm,
		ADCMax:              cfg.ADCMax,
		CleanAirFactor:      cfg.CleanAirFactor,
		Curve:               curve,
		CalibrationSamples:  cfg.CalibrationSamples,
		CalibrationInterval: cfg.CalibrationInterval,
		MeasureSamples:      cfg.MeasureSamples,
		MeasureInterval:     cfg.MeasureInterval,
	}, nil
}
