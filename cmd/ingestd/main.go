package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ingestflow/config"
	"ingestflow/internal/bus"
	"ingestflow/internal/ingest"
	"ingestflow/internal/metrics"
	"ingestflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithEnv("APP_ENV").WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
		"venues":  len(cfg.EnabledVenues()),
	}).Info("starting ingestflow")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []ingest.Option
	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.NewRegistry()
		opts = append(opts, ingest.WithRegistry(reg))

		if cfg.Metrics.Listen != "" {
			go func() {
				if err := reg.Serve(ctx, cfg.Metrics.Listen); err != nil {
					log.WithError(err).Error("metrics endpoint failed")
				}
			}()
		}
		if cfg.Metrics.CloudWatch.Enabled {
			cw, err := metrics.NewCloudWatch(ctx, cfg.Metrics.CloudWatch, reg)
			if err != nil {
				log.WithError(err).Error("failed to create CloudWatch publisher")
				os.Exit(1)
			}
			go cw.Run(ctx)
		}
	}
	if strings.ToLower(cfg.Logging.Level) == logger.LevelReport {
		metrics.StartReport(ctx, cfg.Metrics.ReportInterval, reg)
	}

	engine, err := ingest.New(cfg, opts...)
	if err != nil {
		log.WithError(err).Error("failed to build engine")
		os.Exit(1)
	}
	if env := config.AppEnvironment(); config.IsProductionLike(env) && len(engine.Runners()) != len(cfg.EnabledVenues()) {
		log.WithFields(logger.Fields{
			"env":     env,
			"enabled": len(cfg.EnabledVenues()),
			"built":   len(engine.Runners()),
		}).Error("refusing to start with skipped venues")
		os.Exit(1)
	}

	cursor := engine.Queue().Subscribe(bus.SubscribeOptions{})
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		consume(cursor)
	}()

	runErr := engine.Run(ctx)
	log.Info("starting graceful shutdown")

	select {
	case <-consumed:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	if runErr != nil && ctx.Err() == nil {
		log.WithError(runErr).Error("every venue stopped")
		os.Exit(1)
	}
	log.Info("ingestflow stopped")
}

// consume logs canonical events at debug level until the queue is closed.
func consume(cursor *bus.Cursor) {
	defer cursor.Close()

	log := logger.GetLogger().WithComponent("consumer").WithFields(logger.Fields{"cursor": cursor.ID()})
	for {
		ev, err := cursor.Next(context.Background())
		if err != nil {
			if !errors.Is(err, bus.ErrClosed) {
				log.WithError(err).Warn("consumer stopped")
			}
			log.WithFields(logger.Fields{"dropped": cursor.Dropped()}).Info("consumer finished")
			return
		}
		log.WithFields(logger.Fields{
			"venue":    ev.Venue,
			"symbol":   ev.Symbol.Canonical(),
			"kind":     ev.Kind,
			"sequence": ev.Sequence,
			"epoch":    ev.Epoch,
			"gap":      ev.Gap,
		}).Debug("canonical event")
	}
}
