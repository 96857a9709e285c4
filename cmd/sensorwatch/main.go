package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sensorwatch/internal/alerts"
	"sensorwatch/internal/config"
	"sensorwatch/internal/handlers"
	"sensorwatch/internal/logger"
	"sensorwatch/internal/models"
	"sensorwatch/internal/monitor"
	"sensorwatch/internal/server"
	"sensorwatch/internal/storage"
)

type options struct {
	configPath string
	addr       string
	warningLog string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "sensorwatch",
		Short:        "Evaluate sensor readings against fixed ranges and log warnings",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&opts.warningLog, "warning-log", "", "warning log file (overrides config)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.Flags().StringVar(&opts.addr, "addr", "", "HTTP listen address (overrides config)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	serve.Flags().StringVar(&opts.addr, "addr", "", "HTTP listen address (overrides config)")

	root.AddCommand(serve, newCheckCmd(opts))
	return root
}

// loadConfig layers defaults, the YAML file, the environment and flags
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	if opts.addr != "" {
		cfg.HTTP.Addr = opts.addr
	}
	if opts.warningLog != "" {
		cfg.WarningLog.Path = opts.warningLog
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(parent context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg)
	if err != nil {
		logger.Logger.Error().Err(err).Msg("failed to create server")
		return err
	}

	if err := srv.Run(ctx); err != nil {
		logger.Logger.Error().Err(err).Msg("server exited")
		return err
	}
	logger.Logger.Info().Msg("exited")
	return nil
}

func newCheckCmd(opts *options) *cobra.Command {
	var record bool

	cmd := &cobra.Command{
		Use:   "check <sensor> <value>",
		Short: "Evaluate one reading and print the result as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			// stdout carries the JSON result
			logger.Logger = logger.Logger.Output(cmd.ErrOrStderr())

			return runCheck(cmd.Context(), cmd, cfg, args[0], args[1], record)
		},
	}
	cmd.Flags().BoolVar(&record, "record", false, "append a warning to the warning log")
	return cmd
}

func runCheck(ctx context.Context, cmd *cobra.Command, cfg *config.Config, sensor, raw string, record bool) error {
	value, err := models.ParseValue(raw)
	if err != nil {
		return fmt.Errorf("value %q: %w", raw, err)
	}

	evaluator, err := alerts.NewEvaluator(alerts.DefaultTable())
	if err != nil {
		return err
	}

	reading := models.SensorReading{Name: sensor, Value: value}
	var result models.ThresholdResult

	if record {
		fl, err := storage.OpenFileLog(cfg.WarningLog.Path)
		if err != nil {
			return err
		}
		defer fl.Close()

		mon, err := monitor.New(monitor.Config{
			Evaluator:     evaluator,
			Log:           fl,
			RejectUnknown: cfg.Sensors.RejectUnknown,
		})
		if err != nil {
			return err
		}
		if err := mon.Validate(reading); err != nil {
			return err
		}
		out := mon.Check(ctx, reading)
		if out.LogErr != nil {
			return out.LogErr
		}
		result = out.Result
	} else {
		if err := reading.Validate(); err != nil {
			return err
		}
		if cfg.Sensors.RejectUnknown && !evaluator.Known(sensor) {
			return fmt.Errorf("sensor %q: %w", sensor, monitor.ErrUnknownSensor)
		}
		result = evaluator.Evaluate(sensor, value)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(handlers.CheckResponse{
		Sensor: sensor,
		Value:  result.Value,
		Status: result.Status,
		Reason: result.Reason,
	})
}
