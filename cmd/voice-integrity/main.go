package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/app"
	"voice-integrity-server/pkg/config"
	"voice-integrity-server/pkg/version"
)

func main() {
	logger := logrus.New()
	// Set up logger with basic configuration (will be updated after config is loaded)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.ApplyLogging(logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply logging configuration")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	server, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}
	if err := server.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start HTTP server")
	}

	logger.WithFields(logrus.Fields{
		"version":           version.Version,
		"http_port":         cfg.HTTP.Port,
		"sample_rate":       cfg.Session.SampleRate,
		"analysis_interval": cfg.Session.AnalysisInterval.String(),
		"alert_threshold":   cfg.Alerting.AlertThreshold,
		"database":          cfg.Database.Enabled,
		"redis":             cfg.Redis.Enabled,
		"amqp":              cfg.AMQP.URL != "",
		"capabilities":      cfg.Capabilities.Map(),
	}).Info("Voice integrity server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")

	// Cancel the root context to signal shutdown to all goroutines
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout+15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown completed with errors")
		shutdownCancel()
		os.Exit(1)
	}
	logger.Info("Application shut down gracefully")
}
