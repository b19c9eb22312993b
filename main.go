package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/wg-telemetry/pkg/config"
	"github.com/wg-telemetry/pkg/logging"
	"github.com/wg-telemetry/pkg/metrics"
	"github.com/wg-telemetry/pkg/refresh"
	"github.com/wg-telemetry/pkg/scheduler"
	"github.com/wg-telemetry/pkg/server"
	"github.com/wg-telemetry/pkg/snapshot"
	"github.com/wg-telemetry/pkg/stream"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for the API and telemetry.").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").String()
	source        = kingpin.Flag("telemetry.source", "Where to read WireGuard state from (command or wgctrl).").Enum(config.SourceCommand, config.SourceWgctrl)

	// Global config
	appConfig *config.Config
)

func main() {
	kingpin.Parse()

	// Load configuration
	var err error
	appConfig, err = config.LoadConfig(*configFile)
	if err != nil {
		// If config file doesn't exist, continue with defaults
		logging.Warnf("Failed to load config file: %v, using defaults", err)
		appConfig = config.Default()
	}
	if *listenAddress != "" {
		appConfig.Server.ListenAddress = config.NormalizeListenAddr(*listenAddress, "8080")
	}
	if *telemetryPath != "" {
		appConfig.Server.TelemetryPath = *telemetryPath
	}
	if *source != "" {
		appConfig.Telemetry.Source = *source
	}
	if err := appConfig.Validate(); err != nil {
		logging.Fatalf("Invalid configuration: %v", err)
	}
	if err := logging.Init(appConfig.LogOptions()); err != nil {
		logging.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Flush()

	logging.Logf("Node initialized with ID: %s", logging.GetNodeID())

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logging.Fatalf("Telemetry error: %v", err)
	}
}

func run(ctx context.Context) error {
	store := snapshot.NewStore()

	src, closer, err := newSource(appConfig)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(store.Current, store.Generation)
	registry.MustRegister(collector)

	refresher := refresh.New(store, src, refresh.Options{
		Interval:      appConfig.GetRefreshInterval(),
		Timeout:       appConfig.GetPollTimeout(),
		ShutdownGrace: appConfig.GetShutdownGrace(),
		OnRefresh:     collector.ObserveRefresh,
	})
	if err := refresher.Start(ctx); err != nil {
		return err
	}

	pool := scheduler.NewPool(scheduler.Options{Workers: appConfig.Stream.Workers})
	manager := stream.NewManager(store, pool, stream.Options{
		TickInterval: appConfig.GetTickInterval(),
		Metrics:      collector,
	})

	srv := server.NewServer(store, manager, registry, server.Options{
		ListenAddress:  appConfig.Server.ListenAddress,
		TelemetryPath:  appConfig.Server.TelemetryPath,
		APIPrefix:      appConfig.Server.APIPrefix,
		WriteTimeout:   appConfig.GetWriteTimeout(),
		StreamLifetime: appConfig.GetStreamLifetime(),
	})
	if err := srv.Start(); err != nil {
		_ = refresher.Stop(context.Background())
		_ = pool.Shutdown(context.Background())
		return err
	}

	<-ctx.Done()
	logging.Log("Received shutdown signal, shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.GetShutdownGrace()+5*time.Second)
	defer cancel()

	// subscriptions first so streaming handlers return before the server drains
	manager.Close()
	err = multierr.Combine(
		srv.Stop(shutdownCtx),
		pool.Shutdown(shutdownCtx),
		refresher.Stop(shutdownCtx),
	)
	if err != nil {
		logging.Warnf("Shutdown finished with errors: %v", err)
	} else {
		logging.Log("Shutdown complete")
	}
	return nil
}

func newSource(cfg *config.Config) (refresh.Source, io.Closer, error) {
	if cfg.Telemetry.Source == config.SourceWgctrl {
		ds, err := refresh.NewDeviceSource()
		if err != nil {
			return nil, nil, err
		}
		logging.Logf("[refresh] reading devices through wgctrl")
		return ds, ds, nil
	}
	logging.Logf("[refresh] polling command %q", cfg.Telemetry.PollCommand)
	return refresh.NewCommandSource(cfg.Telemetry.PollCommand), nil, nil
}
