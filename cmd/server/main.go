// Command server runs the spoiler-free chat gateway: WebSocket transport,
// the join/sync/send event state machine, and the delay queue that holds
// back messages until a recipient's game-clock position catches up.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/spoilerchat/internal/broker"
	"github.com/adred-codev/spoilerchat/internal/config"
	"github.com/adred-codev/spoilerchat/internal/delayqueue"
	"github.com/adred-codev/spoilerchat/internal/gateway"
	"github.com/adred-codev/spoilerchat/internal/logging"
	"github.com/adred-codev/spoilerchat/internal/metrics"
	"github.com/adred-codev/spoilerchat/internal/platform"
	"github.com/adred-codev/spoilerchat/internal/registry"
	"github.com/adred-codev/spoilerchat/internal/store"
	"github.com/adred-codev/spoilerchat/internal/types"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// automaxprocs sets GOMAXPROCS from the container's CPU quota rather
	// than the host's full core count.
	bootLogger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting spoilerchat gateway")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: types.LogLevel(cfg.LogLevel), Format: types.LogFormat(cfg.LogFormat)})
	cfg.LogConfig(logger)

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("failed to run database migrations")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	pgStore := store.New(pool, logger, cfg.ReconnectWindow)

	reg := registry.New(pgStore, logger)

	emitter := gateway.NewDeferredEmitter()
	dq := delayqueue.New(emitter, logger)

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	mon, err := platform.New()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start resource monitor")
	}

	var bc broker.Broadcaster
	if cfg.NatsURL != "" {
		nc, err := broker.ConnectNATS(broker.NATSConfig{URL: cfg.NatsURL}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats connection failed, falling back to single-process fan-out")
			bc = broker.NewLocal()
		} else {
			bc = nc
		}
	} else {
		bc = broker.NewLocal()
	}

	gwCfg := gateway.Config{
		Addr:               cfg.Addr,
		CORSOrigins:        cfg.CORSOriginList(),
		MaxConnections:     cfg.MaxConnections,
		MaxRoomsInMemory:   cfg.MaxRoomsInMemory,
		MaxRoomLifetime:    cfg.MaxRoomLifetime,
		IdleSweepInterval:  cfg.IdleSweepInterval,
		PurgeMaxAgeDays:    cfg.PurgeMaxAgeDays,
		PurgeInterval:      cfg.PurgeInterval,
		MessageBurst:       cfg.MessageBurst,
		MessageRateWindow:  60 * time.Second,
		HandshakeBurst:     cfg.HandshakeBurst,
		HandshakeWindow:    cfg.HandshakeWindow,
		CPURejectThreshold: cfg.CPURejectThreshold,
		MetricsInterval:    cfg.MetricsInterval,
	}

	srv := gateway.New(gwCfg, logger, reg, pgStore, dq, m, promReg, mon, bc)
	emitter.Bind(srv)

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start gateway")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received, draining gateway")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during gateway shutdown")
	}
	logger.Info().Msg("gateway shut down cleanly")
}
