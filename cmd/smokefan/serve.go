package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/smokefan/internal/actuator"
	"github.com/nugget/smokefan/internal/buildinfo"
	"github.com/nugget/smokefan/internal/control"
	"github.com/nugget/smokefan/internal/events"
	"github.com/nugget/smokefan/internal/interrupt"
	"github.com/nugget/smokefan/internal/loop"
	"github.com/nugget/smokefan/internal/mqtt"
	"github.com/nugget/smokefan/internal/remoteconfig"
	"github.com/nugget/smokefan/internal/router"
	"github.com/nugget/smokefan/internal/sensor"
	"github.com/nugget/smokefan/internal/status"
	"github.com/nugget/smokefan/internal/topic"
)

// shutdownTimeout bounds the status server's graceful stop.
const shutdownTimeout = 5 * time.Second

// runServe handles the "smokefan serve" subcommand: it calibrates the
// sensor, connects to the broker, and runs the control loop until a
// shutdown signal arrives.
//
// Startup fails before the loop starts if the config is invalid, the
// board cannot be opened, or the first calibration does not produce a
// valid baseline. Shutdown disconnects from the broker best-effort and
// releases the hardware.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting smokefan", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded", "path", cfgPath, "driver", cfg.Hardware.Driver, "broker", cfg.MQTT.Broker)

	if !cfg.MQTT.Configured() {
		return fmt.Errorf("mqtt.broker is required for serve")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	id, err := mqtt.DeriveIdentity(cfg.Device.ID)
	if err != nil {
		return err
	}
	ns := topic.Namespace{Prefix: cfg.MQTT.TopicPrefix, Segment: cfg.MQTT.DeviceClass}
	if cfg.MQTT.PerDeviceTopics {
		ns.Segment = id.Hex()
	}
	logger.Info("device identity", "id", id.Hex(), "uuid", id.UUID(), "topics", ns.Name("#"))

	params, err := sensorParams(cfg.Sensor)
	if err != nil {
		return err
	}

	board, err := openBoard(cfg.Hardware, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := board.Close(); err != nil {
			logger.Error("hardware release failed", "error", err)
		}
	}()

	bus := events.New()
	var tracker *status.Tracker
	if cfg.Status.Configured() {
		// Subscribe before calibration so the baseline reaches /healthz.
		tracker = status.NewTracker(bus)
	}

	relay, err := board.Output(cfg.Hardware.RelayPin)
	if err != nil {
		return fmt.Errorf("relay pin %d: %w", cfg.Hardware.RelayPin, err)
	}
	led, err := board.Output(cfg.Hardware.LEDPin)
	if err != nil {
		return fmt.Errorf("led pin %d: %w", cfg.Hardware.LEDPin, err)
	}

	probe, err := sensor.NewProbe(ctx, board, cfg.Hardware.SensorChannel, params, bus, logger.With("component", "sensor"))
	if err != nil {
		return fmt.Errorf("initial calibration: %w", err)
	}

	interrupts := interrupt.NewQueue(cfg.Loop.InterruptQueue)
	closers, err := watchInterrupts(board, cfg.Hardware, interrupts, logger)
	if err != nil {
		return err
	}
	defer closeAll(closers)

	client := mqtt.New(cfg.MQTT, ns, id, logger.With("component", "mqtt"))
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		// The serve context is already cancelled here.
		if err := client.Disconnect(context.Background()); err != nil {
			logger.Warn("continuing shutdown after mqtt disconnect failure", "error", err)
		}
	}()

	act := actuator.New(relay, led, client, ns.Name(topic.State), bus, logger.With("component", "actuator"))
	if _, err := act.PublishState(ctx); err != nil {
		logger.Warn("initial state publish failed", "error", err)
	}

	handler := remoteconfig.New(act, probe, logger.With("component", "remoteconfig"))
	rt := router.New(ns, act, handler, bus, logger.With("component", "router"))

	lp := loop.New(loop.Config{
		Inbox:           client.Inbox(),
		Interrupts:      interrupts.C(),
		Router:          rt,
		Sensor:          probe,
		Actuator:        act,
		Policy:          control.NewPolicy(cfg.Control.Threshold),
		Publisher:       client,
		AirQualityTopic: ns.Name(topic.AirQuality),
		PollInterval:    cfg.Loop.PollInterval,
		Bus:             bus,
		Logger:          logger.With("component", "loop"),
	})

	if tracker != nil {
		go tracker.Run(ctx)
		srv := status.NewServer(cfg.Status.Listen, bus, tracker, lp, client, logger.With("component", "status"))
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("status server shutdown failed", "error", err)
			}
		}()
	}

	err = lp.Run(ctx)
	logger.Info("shutting down",
		"interrupts_dropped", interrupts.Dropped(),
		"inbox_dropped", client.InboxOverflow(),
		"rate_limited", client.RateLimited(),
	)
	if errors.Is(err, loop.ErrInboxClosed) {
		return err
	}
	return nil
}
