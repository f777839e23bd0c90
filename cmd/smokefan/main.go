// Smokefan is a smoke-triggered exhaust fan controller.
//
// It reads an MQ-2 gas sensor through an ADC, switches a relay and
// status LED when the smoke concentration crosses a threshold, and
// reports both over MQTT. Remote MQTT messages can switch the relay and
// move the sensor to another input. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	smokefan serve                Run the controller
//	smokefan calibrate [channel]  Calibrate the sensor once and print R0
//	smokefan init [dir]           Write an example config file
//	smokefan version              Print version and build information
//	smokefan -o json version      Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/nugget/smokefan/internal/buildinfo"
	"github.com/nugget/smokefan/internal/config"
	"github.com/nugget/smokefan/internal/sensor"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the smokefan command. Structured logs
// go to stdout; the caller prints a returned error to stderr. Arguments
// are parsed by hand so that tests can call run concurrently.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "calibrate":
		channel := -1
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n < 0 {
				return fmt.Errorf("usage: smokefan calibrate [channel]")
			}
			channel = n
		}
		return runCalibrate(ctx, stdout, configPath, channel, outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Smokefan - smoke-triggered exhaust fan controller")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: smokefan [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                Run the controller")
	fmt.Fprintln(w, "  calibrate [channel]  Calibrate the sensor once and print R0")
	fmt.Fprintln(w, "  init [dir]           Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/smokefan/config.yaml, /etc/smokefan/config.yaml")
	return nil
}

// runCalibrate opens the configured board, runs a full calibration on
// channel (the configured sensor channel when negative) and prints the
// resulting baseline. Useful when fitting a new sensor.
func runCalibrate(ctx context.Context, stdout io.Writer, configPath string, channel int, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)
	if channel < 0 {
		channel = cfg.Hardware.SensorChannel
	}

	params, err := sensorParams(cfg.Sensor)
	if err != nil {
		return err
	}

	board, err := openBoard(cfg.Hardware, logger)
	if err != nil {
		return err
	}
	defer board.Close()

	probe, err := sensor.NewProbe(ctx, board, channel, params, nil, logger)
	if err != nil {
		return fmt.Errorf("calibrate: %w", err)
	}

	if outputFmt == "json" {
		return json.NewEncoder(stdout).Encode(map[string]any{
			"channel": channel,
			"r0_kohm": probe.R0(),
		})
	}
	fmt.Fprintf(stdout, "channel %d: R0 = %.3f kΩ\n", channel, probe.R0())
	return nil
}

// newLogger creates a structured logger writing to w at the given level
// and format: "json", "console" (colourised, for a terminal) or "text".
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "console":
		handler = tint.NewHandler(w, &tint.Options{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
			TimeFormat:  time.TimeOnly,
		})
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger described by cfg. The level was
// checked by config.Validate.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
