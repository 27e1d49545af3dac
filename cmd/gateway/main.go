// Package main is the entry point for the acquisition gateway.
// It wires the Modbus devices, the sampler and the MQTT sinks, and manages the
// application lifecycle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-edge/acquisition-gateway/internal/adapter/config"
	"github.com/nexus-edge/acquisition-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/acquisition-gateway/internal/adapter/mqtt"
	"github.com/nexus-edge/acquisition-gateway/internal/health"
	"github.com/nexus-edge/acquisition-gateway/internal/metrics"
	"github.com/nexus-edge/acquisition-gateway/internal/service"
	"github.com/nexus-edge/acquisition-gateway/pkg/logging"
	"github.com/rs/zerolog"
)

const (
	serviceName    = "acquisition-gateway"
	serviceVersion = "1.0.0"
)

func main() {
	// Bootstrap logger until the configured one is available
	logger := logging.New(serviceName, serviceVersion)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger = logging.NewWithConfig(serviceName, serviceVersion, logging.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger.Info().Str("env", cfg.Environment).Msg("Starting acquisition gateway")

	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =============================================================
	// Downstream sinks
	// =============================================================

	var sinks []service.Sink
	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			CleanSession:   cfg.MQTT.CleanSession,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			TLSEnabled:     cfg.MQTT.TLSEnabled,
			TLSCertFile:    cfg.MQTT.TLSCertFile,
			TLSKeyFile:     cfg.MQTT.TLSKeyFile,
			TLSCAFile:      cfg.MQTT.TLSCAFile,
			BufferSize:     cfg.MQTT.BufferSize,
			PublishTimeout: cfg.MQTT.PublishTimeout,
			RetainMessages: cfg.MQTT.RetainMessages,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
		}, logger, metricsRegistry)

		// Results are buffered until the broker is reachable.
		if err := publisher.Connect(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to connect to MQTT broker, buffering until reconnect")
		}
		defer publisher.Disconnect()
		sinks = append(sinks, publisher)
	}

	// =============================================================
	// Sampler and devices
	// =============================================================

	sampler := service.NewSampler(service.SamplerConfig{
		TickInterval:   cfg.Sampler.TickInterval,
		RefreshTimeout: cfg.Sampler.RefreshTimeout,
		CircuitBreaker: service.CircuitBreakerConfig{
			Enabled:      cfg.Sampler.CircuitBreaker.Enabled,
			MaxRequests:  cfg.Sampler.CircuitBreaker.MaxRequests,
			Interval:     cfg.Sampler.CircuitBreaker.Interval,
			Timeout:      cfg.Sampler.CircuitBreaker.Timeout,
			MinRequests:  cfg.Sampler.CircuitBreaker.MinRequests,
			FailureRatio: cfg.Sampler.CircuitBreaker.FailureRatio,
		},
	}, logger, metricsRegistry, sinks...)

	devices, err := loadDevices(ctx, cfg, sampler, logger, metricsRegistry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load device configurations")
	}

	if err := sampler.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start sampler")
	}

	var cmdHandler *service.CommandHandler
	if cfg.Commands.Enabled && publisher != nil {
		cmdHandler = service.NewCommandHandler(publisher.Client(), sampler, service.CommandConfig{
			TopicPrefix:           cfg.Commands.TopicPrefix,
			ResponseTopicPrefix:   cfg.Commands.ResponseTopicPrefix,
			WriteTimeout:          cfg.Commands.WriteTimeout,
			QoS:                   cfg.Commands.QoS,
			EnableAcknowledgement: cfg.Commands.EnableAcknowledgement,
			Workers:               cfg.Commands.Workers,
			QueueSize:             cfg.Commands.QueueSize,
		}, logger, metricsRegistry)
		if err := cmdHandler.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start command handler (write operations disabled)")
			cmdHandler = nil
		}
	}

	// =============================================================
	// Health checks and HTTP server
	// =============================================================

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("sampler", sampler, true)
	if publisher != nil {
		healthChecker.AddCheck("mqtt", publisher, false)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", metricsRegistry.Handler())
	mux.Handle("/status", newStatusHandler(sampler, devices, publisher, cmdHandler))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Int("devices", len(devices)).
		Dur("tick_interval", cfg.Sampler.TickInterval).
		Int("http_port", cfg.HTTP.Port).
		Bool("mqtt", publisher != nil).
		Msg("Acquisition gateway started successfully")

	// =============================================================
	// Shutdown Handling
	// =============================================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Sampler.ShutdownTimeout)
	defer shutdownCancel()

	if cmdHandler != nil {
		if err := cmdHandler.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping command handler")
		}
	}

	if err := sampler.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping sampler")
	}

	// The sampler does not own device lifecycles.
	for _, dev := range devices {
		_ = dev.Disconnect()
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	logger.Info().Msg("Acquisition gateway shutdown complete")
}

// loadDevices builds a Device for every descriptor, connects the active ones
// and registers all of them with the sampler. A device whose first connect
// fails stays active and reconnects on its next refresh.
func loadDevices(ctx context.Context, cfg *config.Config, sampler *service.Sampler, logger zerolog.Logger, metricsReg *metrics.Registry) ([]*modbus.Device, error) {
	configs, err := config.LoadDevices(cfg.DevicesConfigPath, cfg.Modbus.DefaultTimeout)
	if err != nil {
		return nil, err
	}

	opts := modbus.DeviceOptions{
		Grouping: modbus.GroupConfig{
			MaxRegistersPerRequest: cfg.Modbus.MaxRegistersPerRequest,
			MaxBitsPerRequest:      cfg.Modbus.MaxBitsPerRequest,
			MaxGap:                 cfg.Modbus.MaxGap,
		},
		Logger:  logger,
		Metrics: metricsReg,
	}

	devices := make([]*modbus.Device, 0, len(configs))
	for _, dc := range configs {
		dev, err := modbus.NewDevice(dc, opts)
		if err != nil {
			logger.Error().Err(err).Str("device", dc.ID).Msg("Failed to create device")
			continue
		}
		if dc.Active {
			connectCtx, cancel := context.WithTimeout(ctx, dc.Connection.Timeout+time.Second)
			if err := dev.Connect(connectCtx); err != nil {
				logger.Warn().Err(err).Str("device", dc.ID).Msg("Initial connect failed")
			}
			cancel()
		}
		if err := sampler.AddDevice(dev); err != nil {
			logger.Error().Err(err).Str("device", dc.ID).Msg("Failed to register device")
			continue
		}
		devices = append(devices, dev)
	}

	logger.Info().Int("count", len(devices)).Msg("Loaded device configurations")
	return devices, nil
}
