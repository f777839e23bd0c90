package sensor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/smokefan/internal/events"
	"github.com/nugget/smokefan/internal/hal"
)

// Probe owns the sensor currently in service and can move it to another
// ADC channel. A Probe always holds a calibrated [MQ2].
type Probe struct {
	opener  hal.ADCOpener
	params  Params
	channel int
	mq2     *MQ2
	bus     *events.Bus
	logger  *slog.Logger
}

// NewProbe opens channel, calibrates, and returns a probe ready to
// measure. A calibration failure here should stop startup.
func NewProbe(ctx context.Context, opener hal.ADCOpener, channel int, p Params, bus *events.Bus, logger *slog.Logger) (*Probe, error) {
	pr := &Probe{opener: opener, params: p, bus: bus, logger: logger}
	mq2, err := pr.calibrateOn(ctx, channel)
	if err != nil {
		return nil, err
	}
	pr.channel, pr.mq2 = channel, mq2
	return pr, nil
}

// Measure returns one fresh concentration reading in ppm.
func (p *Probe) Measure(ctx context.Context) (float64, error) {
	return p.mq2.Measure(ctx)
}

// Rewire moves the sensor to channel and re-runs calibration. If the
// new channel cannot be opened or calibrated, the previous sensor stays
// in service and the error is returned.
func (p *Probe) Rewire(ctx context.Context, channel int) error {
	mq2, err := p.calibrateOn(ctx, channel)
	if err != nil {
		p.logger.Error("sensor rewire failed, keeping previous channel",
			"channel", channel, "previous_channel", p.channel, "error", err)
		return err
	}
	p.logger.Info("sensor rewired", "channel", channel, "previous_channel", p.channel)
	p.channel, p.mq2 = channel, mq2
	return nil
}

// Channel returns the ADC channel in service.
func (p *Probe) Channel() int {
	return p.channel
}

// R0 returns the baseline of the sensor in service.
func (p *Probe) R0() float64 {
	return p.mq2.R0()
}

func (p *Probe) calibrateOn(ctx context.Context, channel int) (*MQ2, error) {
	adc, err := p.opener.ADC(channel)
	if err != nil {
		return nil, fmt.Errorf("open sensor channel %d: %w", channel, err)
	}

	p.logger.Info("calibrating sensor",
		"channel", channel,
		"samples", p.params.CalibrationSamples,
		"interval", p.params.CalibrationInterval,
	)
	mq2, err := NewMQ2(ctx, adc, p.params, p.logger)
	if err != nil {
		return nil, fmt.Errorf("sensor channel %d: %w", channel, err)
	}

	p.logger.Info("sensor calibrated", "channel", channel, "r0_kohm", mq2.R0())
	p.bus.Emit(events.SourceSensor, events.KindCalibrated, map[string]any{
		"r0":      mq2.R0(),
		"channel": channel,
	})
	return mq2, nil
}
