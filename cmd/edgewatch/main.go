package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edgewatch/internal/config"
	"edgewatch/internal/database"
	"edgewatch/internal/explorer"
	"edgewatch/internal/geo"
	"edgewatch/internal/metrics"
	"edgewatch/internal/monitoring"
	"edgewatch/internal/notifications"
	"edgewatch/internal/web"
	"github.com/sirupsen/logrus"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Configuration file path")
	version := flag.Bool("version", false, "Show version information")
	once := flag.Bool("once", false, "Run a single poll cycle and exit")
	flag.Parse()

	if *version {
		fmt.Printf("edgewatch %s\nCommit: %s\nBuilt: %s\n", web.Version, web.GitCommit, web.BuildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	setupLogging(cfg.Logging)

	logrus.WithFields(logrus.Fields{
		"config_file": *configFile,
		"port":        cfg.Server.Port,
		"database":    cfg.Database.Type,
		"explorer":    cfg.Explorer.URL,
		"interval":    cfg.Monitoring.Interval,
	}).Info("Starting edgewatch")

	store, err := database.Open(cfg.Database.Type, cfg.Database.Path)
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	metricsCollector := metrics.NewCollector(store)
	fetcher := explorer.NewClient(cfg.Explorer.URL, cfg.Explorer.Timeout, cfg.Explorer.UserAgent)
	engine := monitoring.NewEngine(cfg, store, fetcher, metricsCollector)

	notificationService, err := notifications.NewService(&cfg.Notifications)
	if err != nil {
		closeAndExit(store, err, "Failed to initialize notifications")
	}
	engine.AddNotifier(notificationService)

	var locationCache *geo.Cache
	if cfg.Geocoding.Enabled {
		geocoder := geo.NewNominatimGeocoder(cfg.Geocoding.URL, cfg.Geocoding.UserAgent, cfg.Geocoding.RequestsPerSecond, cfg.Geocoding.Timeout)
		locationCache = geo.NewCache(store, geocoder)
		engine.SetLocationCache(locationCache)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		result, err := engine.RunCycle(ctx)
		if err != nil {
			cancel()
			closeAndExit(store, err, "Poll cycle failed")
			return
		}
		logrus.WithFields(logrus.Fields{
			"cycle_id": result.ID,
			"outcome":  result.Outcome,
			"events":   len(result.Events),
		}).Info("Poll cycle complete")
		return
	}

	webServer := web.NewServer(cfg, store, engine, notificationService, metricsCollector)
	engine.AddNotifier(webServer.Hub())

	if locationCache != nil {
		go func() {
			if err := locationCache.Warm(ctx); err != nil {
				logrus.WithError(err).Warn("Some stored locations could not be geocoded")
			}
		}()
	}

	if err := engine.Start(ctx); err != nil {
		closeAndExit(store, err, "Failed to start monitoring engine")
	}
	if err := webServer.Start(ctx); err != nil {
		cancel()
		engine.Stop()
		closeAndExit(store, err, "Failed to start web server")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logrus.WithField("signal", sig).Info("Received shutdown signal")

	cancel()
	engine.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := webServer.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Web server did not shut down cleanly")
	}

	logrus.Info("Shutdown complete")
}

var exit = os.Exit

// closeAndExit logs err, releases the store and exits non-zero. Past this
// point logrus.Fatal would skip the deferred Close and leave the bolt file
// locked.
func closeAndExit(store io.Closer, err error, msg string) {
	logrus.WithError(err).Error(msg)
	if cerr := store.Close(); cerr != nil {
		logrus.WithError(cerr).Warn("Failed to close database")
	}
	exit(1)
}

// loadConfig falls back to the built-in defaults when the default config
// file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == "config.yaml" {
		logrus.Warn("No config.yaml found, using defaults")
		return config.Default(), nil
	}
	return config.Load(path)
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}
