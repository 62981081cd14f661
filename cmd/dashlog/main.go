package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/dashlog/internal/aggregator"
	"codeberg.org/mutker/dashlog/internal/archive"
	"codeberg.org/mutker/dashlog/internal/config"
	"codeberg.org/mutker/dashlog/internal/diagnostics"
	"codeberg.org/mutker/dashlog/internal/display"
	"codeberg.org/mutker/dashlog/internal/errors"
	"codeberg.org/mutker/dashlog/internal/logger"
	"codeberg.org/mutker/dashlog/internal/pid"
	"codeberg.org/mutker/dashlog/internal/position"
	"codeberg.org/mutker/dashlog/internal/storage"
)

type closer interface {
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, logger.IsService())
	logger.Debug().Msg("Config loaded")

	if err := pid.Write(cfg.PIDFile); err != nil {
		if errors.HasCode(err, errors.ErrAlreadyRunning) {
			logger.Fatal().Str("pid_file", cfg.PIDFile).Msg("Another instance is already running")
		}
		logger.Fatal().Err(err).Msg("Failed to write PID file")
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx, cfg); err != nil {
		logger.Error().Err(err).Msg("Error in main loop")
	}
	logger.Info().Msg("Exiting...")
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.Default()

	feed, err := position.New(position.Config{
		Source:     cfg.GPS.Source,
		GPSDAddr:   cfg.GPS.GPSDAddr,
		Device:     cfg.GPS.Device,
		Baud:       cfg.GPS.Baud,
		StaleAfter: cfg.GPS.StaleAfter,
	}, log)
	if err != nil {
		return err
	}
	if err := feed.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("Position source unreachable, retrying in background")
	}

	// A nil Probe interface runs the aggregator without diagnostics.
	var (
		probe   aggregator.Probe
		adapter *diagnostics.Probe
	)
	if cfg.OBD.Enabled {
		if _, ok := diagnostics.Lookup(cfg.OBD.Metric); !ok {
			feed.Close()
			return errors.New().WithData(errors.ErrUnsupportedMetric, cfg.OBD.Metric)
		}
		p := diagnostics.New(diagnostics.Config{
			Port:              cfg.OBD.Port,
			Baud:              cfg.OBD.Baud,
			ReconnectInterval: cfg.OBD.ReconnectInterval,
		}, log)
		if err := p.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("OBD-II adapter unavailable, continuing with GPS only")
		}
		adapter = p
		probe = p
	}

	stopSources := func() {
		feed.Close()
		if adapter != nil {
			closeQuietly("diagnostics", adapter)
		}
	}

	csvLog := storage.New(storage.Config{
		PreferredDir:  cfg.Storage.PreferredDir,
		FallbackDir:   cfg.Storage.FallbackDir,
		FileName:      cfg.Storage.FileName,
		Sync:          cfg.Storage.Sync,
		AppendTimeout: cfg.AppendTimeout,
	}, log)

	arch, err := archive.NewService(archive.Config{
		Enabled:       cfg.Archive.Enabled,
		DBPath:        cfg.Archive.DBPath,
		AppendTimeout: cfg.AppendTimeout,
	}, log)
	if err != nil {
		stopSources()
		closeQuietly("storage", csvLog)
		return err
	}

	displays, closers := startDisplays(cfg, log)

	agg := aggregator.New(aggregator.Config{
		Interval:     cfg.Interval,
		QueryTimeout: cfg.QueryTimeout,
		Metric:       cfg.OBD.Metric,
	}, feed, probe, log,
		aggregator.WithAppenders(csvLog, arch),
		aggregator.WithDisplays(displays...),
	)

	runErr := agg.Run(ctx)

	stopSources()
	closeQuietly("storage", csvLog)
	closeQuietly("archive", arch)
	for _, c := range closers {
		closeQuietly("display", c)
	}

	stats := agg.Stats()
	logger.Info().
		Uint64("ticks", stats.Ticks).
		Uint64("diagnostic_timeouts", stats.DiagnosticTimeouts).
		Uint64("written", csvLog.Stats().Written).
		Uint64("dropped", csvLog.Stats().Dropped).
		Msg("Shutdown complete")

	return runErr
}

func startDisplays(cfg *config.Config, log logger.Logger) ([]aggregator.Display, []closer) {
	var (
		displays []aggregator.Display
		closers  []closer
	)

	if cfg.Display.Console {
		displays = append(displays, display.NewConsole(os.Stdout))
	}

	if cfg.Display.HTTPAddr != "" {
		hub := display.NewHub(cfg.Display.HTTPAddr, log)
		if err := hub.Start(); err != nil {
			logger.Warn().Err(err).Msg("Live display disabled")
		} else {
			displays = append(displays, hub)
			closers = append(closers, hub)
		}
	}

	if cfg.Display.MQTTBroker != "" {
		pub, err := display.NewMQTTPublisher(display.MQTTConfig{
			Broker:   cfg.Display.MQTTBroker,
			Topic:    cfg.Display.MQTTTopic,
			ClientID: cfg.Display.MQTTClientID,
		}, log)
		if err != nil {
			logger.Warn().Err(err).Msg("MQTT display disabled")
		} else {
			displays = append(displays, pub)
			closers = append(closers, pub)
		}
	}

	return displays, closers
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func closeQuietly(name string, c closer) {
	if err := c.Close(); err != nil {
		logger.Warn().Err(err).Str("component", name).Msg("Close failed")
	}
}
