package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZentaChain/mailbox-relay/pkg/api"
	"github.com/ZentaChain/mailbox-relay/pkg/config"
	"github.com/ZentaChain/mailbox-relay/pkg/logging"
	"github.com/ZentaChain/mailbox-relay/pkg/metrics"
	"github.com/ZentaChain/mailbox-relay/pkg/protocol"
	"github.com/ZentaChain/mailbox-relay/pkg/relay"
	"github.com/ZentaChain/mailbox-relay/pkg/storage"
)

const heartbeatInterval = 5 * time.Minute

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(cfg.IsDevelopment(), cfg.LogLevel)

	if cfg.IsDevelopment() {
		printBanner()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Fatal().Err(err).Msg("relay exited")
	}
	logger.Info().Msg("goodbye")
}

// run serves until ctx is cancelled. The store is closed only after the
// relay and the admin API have both stopped.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.PortFileErr != nil {
		logger.Warn().Err(cfg.PortFileErr).Int("port", cfg.Port).Msg("port file unusable, using default port")
	}

	store, err := storage.Open(ctx, storage.Config{
		Backend:     cfg.Store,
		Path:        cfg.DBPath,
		PostgresURL: cfg.PostgresURL,
		RedisURL:    cfg.RedisURL,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing store")
		} else {
			logger.Info().Msg("store closed")
		}
	}()
	logger.Info().Str("backend", cfg.Store).Msg("store opened")

	m := metrics.New()

	dispatcher := relay.NewDispatcher(store,
		relay.WithLogger(logger),
		relay.WithMetrics(m),
		relay.WithStrictContent(cfg.StrictContent),
	)

	server := relay.NewServer(relay.Config{
		Addr:           cfg.ListenAddr(),
		MaxPayloadSize: cfg.MaxPayload,
		IdleTimeout:    cfg.IdleTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Metrics:        m,
	}, dispatcher, logger)

	if err := server.Start(ctx); err != nil {
		return err
	}
	defer server.Stop()

	logger.Info().
		Int("port", cfg.Port).
		Str("port_source", cfg.PortSource).
		Uint8("version", protocol.ServerVersion).
		Bool("strict_content", cfg.StrictContent).
		Msg("relay server running")

	var adminErr chan error
	if addr := cfg.AdminAddr(); addr != "" {
		adminCfg := api.DefaultConfig()
		adminCfg.Addr = addr
		admin := api.NewServer(adminCfg, store, server, m, logger)
		adminErr = make(chan error, 1)
		go func() { adminErr <- admin.Start(ctx) }()
	} else {
		logger.Info().Msg("admin API disabled")
	}

	go heartbeatLoop(ctx, server, store, logger)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down gracefully")
	case err := <-adminErr:
		if err != nil {
			runErr = fmt.Errorf("admin API: %w", err)
		}
		adminErr = nil
	}

	cancel()
	if err := server.Stop(); err != nil {
		logger.Warn().Err(err).Msg("error stopping relay")
	}
	if adminErr != nil {
		if err := <-adminErr; err != nil {
			logger.Warn().Err(err).Msg("error stopping admin API")
		}
	}
	return runErr
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║            Mailbox Relay Server v2                ║")
	fmt.Println("║      Store-and-forward for end-to-end chat        ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func heartbeatLoop(ctx context.Context, server *relay.Server, store storage.Store, logger zerolog.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats := server.Stats()
		event := logger.Info().
			Int("open_connections", stats.OpenConnections).
			Uint64("requests_served", stats.RequestsServed).
			Dur("uptime", stats.Uptime)

		if pending, err := store.Pending(ctx); err == nil {
			event = event.Int("pending_messages", pending)
		}
		if clients, err := store.Count(ctx); err == nil {
			event = event.Int("registered_clients", clients)
		}
		event.Msg("heartbeat")
	}
}
