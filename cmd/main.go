// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/minimq/broker"
	"github.com/absmach/minimq/broker/webhook"
	"github.com/absmach/minimq/config"
	"github.com/absmach/minimq/ratelimit"
	"github.com/absmach/minimq/server/health"
	"github.com/absmach/minimq/server/otel"
	"github.com/absmach/minimq/server/tcp"
	"github.com/absmach/minimq/server/websocket"
	"github.com/absmach/minimq/storage"
	"github.com/absmach/minimq/storage/badger"
	"github.com/absmach/minimq/storage/memory"
	"github.com/spf13/cobra"
	oteltrace "go.opentelemetry.io/otel"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "minimq",
	Short:         "minimq - a minimal exchange and queue broker",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		return serve(configFile)
	},
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to configuration file")
	rootCmd.AddCommand(serveCmd, publishCmd, consumeCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func newStore(cfg config.StorageConfig) (storage.QueueStore, error) {
	switch cfg.Type {
	case "memory":
		slog.Info("Using in-memory storage")
		return memory.New(), nil
	case "badger":
		store, err := badger.New(badger.Config{IndexCacheSize: cfg.BadgerIndexCacheSize})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize BadgerDB storage: %w", err)
		}
		slog.Info("Using BadgerDB in-memory storage")
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func brokerConfig(cfg *config.Config) broker.Config {
	bc := broker.DefaultConfig()
	bc.ID = cfg.Broker.ID
	bc.BatchSize = cfg.Broker.BatchSize
	bc.BatchLinger = cfg.Broker.BatchLinger
	bc.MaxPendingBatches = cfg.Broker.MaxPendingBatches
	bc.MaxFieldSize = uint32(cfg.Broker.MaxFieldSize)
	bc.IdleTimeout = cfg.Server.IdleTimeout
	bc.ReadTimeout = cfg.Server.ReadTimeout
	bc.WriteTimeout = cfg.Server.WriteTimeout
	bc.FairnessWindow = cfg.Consumer.FairnessWindow
	return bc
}

func serve(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("Starting minimq broker", "version", version)
	slog.Info("Configuration loaded",
		"tcp_listener", cfg.Server.BindAddress,
		"tls", cfg.Server.TLSCertFile != "",
		"ws_listener", cfg.Server.WSAddress,
		"health_listener", cfg.Server.HealthAddress,
		"batch_size", cfg.Broker.BatchSize,
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	store, err := newStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	b := broker.New(brokerConfig(cfg), store, logger)
	defer b.Close()

	if cfg.Webhook.Enabled {
		wh, err := webhook.NewNotifier(cfg.Webhook, cfg.Broker.ID, webhook.NewHTTPSender(), logger)
		if err != nil {
			return fmt.Errorf("failed to initialize webhooks: %w", err)
		}
		defer wh.Close()
		b.SetNotifier(wh)
		slog.Info("Webhooks enabled",
			"type", "http",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers,
			"queue_size", cfg.Webhook.QueueSize)
	} else {
		slog.Info("Webhooks disabled")
	}

	var otelProvider *otel.Provider
	if cfg.Server.MetricsEnabled {
		p, err := otel.InitProvider(cfg.Server, cfg.Broker.ID)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		otelProvider = p
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.OtelEndpoint)

		m, err := broker.NewMetrics()
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		b.SetMetrics(m)

		if p.Tracing() {
			b.SetTracer(oteltrace.Tracer("minimq-broker"))
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		} else {
			slog.Info("Distributed tracing disabled (zero overhead)")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	var rateLimitManager *ratelimit.Manager
	if cfg.RateLimit.Enabled {
		rateLimitManager = ratelimit.NewManager(cfg.RateLimit)
		defer rateLimitManager.Stop()
		b.SetRateLimiter(rateLimitManager)

		slog.Info("Rate limiting enabled",
			slog.Bool("connection", cfg.RateLimit.Connection.Enabled),
			slog.Bool("publish", cfg.RateLimit.Publish.Enabled),
			slog.Bool("poll", cfg.RateLimit.Poll.Enabled))
	} else {
		slog.Info("Rate limiting disabled")
	}

	var tlsCfg *tls.Config
	if cfg.Server.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		tlsCfg = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)

	tcpCfg := tcp.Config{
		Address:         cfg.Server.BindAddress,
		TLSConfig:       tlsCfg,
		Logger:          logger,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxConnections:  cfg.Server.MaxConnections,
	}
	if rateLimitManager != nil {
		tcpCfg.Limiter = rateLimitManager
	}
	tcpServer := tcp.New(tcpCfg, b)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Starting TCP server", "address", cfg.Server.BindAddress, "tls", tlsCfg != nil)
		if err := tcpServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.WSAddress != "" {
		wsCfg := websocket.Config{
			Address:         cfg.Server.WSAddress,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}
		if rateLimitManager != nil {
			wsCfg.Limiter = rateLimitManager
		}
		wsServer := websocket.New(wsCfg, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting WebSocket server", "address", cfg.Server.WSAddress, "path", cfg.Server.WSPath)
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.HealthAddress != "" {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddress,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Server.HealthAddress)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("minimq broker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
		slog.Error("Server error", "error", runErr)
	}

	// Closing the broker ends every connection and commits pending batches,
	// so the listeners drain immediately.
	b.Close()
	cancel()
	wg.Wait()

	if otelProvider != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelProvider.Shutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("minimq broker stopped")
	return runErr
}
