package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quanlan-server/quanlan-server/internal/api"
	"github.com/quanlan-server/quanlan-server/internal/config"
	"github.com/quanlan-server/quanlan-server/internal/device"
	"github.com/quanlan-server/quanlan-server/internal/device/natsdriver"
	"github.com/quanlan-server/quanlan-server/internal/device/sim"
	"github.com/quanlan-server/quanlan-server/internal/dispatch"
	"github.com/quanlan-server/quanlan-server/internal/integration"
	"github.com/quanlan-server/quanlan-server/internal/logging"
	"github.com/quanlan-server/quanlan-server/internal/metrics"
	"github.com/quanlan-server/quanlan-server/internal/server"
	"github.com/quanlan-server/quanlan-server/internal/session"
	"github.com/quanlan-server/quanlan-server/internal/storage"
)

func main() {
	var (
		configFile   = flag.String("config", "", "Configuration file path (defaults apply when empty)")
		validateOnly = flag.Bool("validate", false, "Validate the configuration and exit")
		showConfig   = flag.Bool("show-config", false, "Print the configuration summary and exit")
	)
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if *showConfig || *validateOnly {
		cfg.PrintConfigSummary()
		if *validateOnly {
			fmt.Println("configuration is valid")
		}
		return
	}

	logger := logging.Setup(cfg.Log, cfg.Server.Name)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("Server stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = server.DialNATS(cfg.NATS, cfg.Server.Name, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
	} else {
		logger.Info().Msg("NATS not configured, running in standalone mode")
	}

	driver, err := newDriver(cfg, nc, logger)
	if err != nil {
		return err
	}

	sess := session.New(driver,
		session.WithLimits(cfg.Device.Limits()),
		session.WithMergePolicy(cfg.MergePolicy()),
		session.WithLogger(logger.With().Str("component", "session").Logger()),
	)

	audit := storage.NewAuditObserver(store, storage.WithAuditLogger(logger))
	m := metrics.New(sess)
	forwarder, err := newForwarder(cfg, nc, logger)
	if err != nil {
		return err
	}

	d := dispatch.New(sess,
		dispatch.WithLogger(logger.With().Str("component", "dispatch").Logger()),
		dispatch.WithConnectDefaults(cfg.Device.DefaultID, cfg.Device.ConnectTimeout),
		dispatch.WithObserver(audit),
		dispatch.WithObserver(m),
		dispatch.WithObserver(forwarder),
	)

	httpServer := api.NewServer(cfg, d, store,
		api.WithMetricsHandler(m.Handler()),
		api.WithLogger(logger.With().Str("component", "api").Logger()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpServer.ListenAndServe(gctx, cfg.API.Addr())
	})
	g.Go(func() error {
		return audit.Run(gctx)
	})
	g.Go(func() error {
		return forwarder.Run(gctx)
	})
	if nc != nil {
		rpc := server.NewRPCSubscriber(nc, d, cfg.NATS.SubjectPrefix,
			server.WithQueueGroup(cfg.NATS.QueueGroup),
			server.WithCallTimeout(cfg.RPC.Timeout),
			server.WithLogger(logger.With().Str("component", "nats-rpc").Logger()),
		)
		g.Go(func() error {
			return ignoreCanceled(rpc.Start(gctx))
		})
	}

	logger.Info().
		Str("addr", cfg.API.Addr()).
		Str("driver", cfg.Device.Driver).
		Strs("methods", d.Methods()).
		Msg("QuanLan server started")

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Database.DSN == "" {
		log.Info().Msg("Database not configured, keeping the audit log in memory")
		return storage.NewMemoryStore(10000), nil
	}

	store, err := storage.NewPostgresStore(cfg.Database.DSN, storage.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}

	schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := store.EnsureSchema(schemaCtx); err != nil {
		store.Close()
		return nil, err
	}
	log.Info().Msg("Connected to database")
	return store, nil
}

func newDriver(cfg *config.Config, nc *nats.Conn, logger zerolog.Logger) (device.Driver, error) {
	switch cfg.Device.Driver {
	case "nats":
		if nc == nil {
			return nil, errors.New("nats driver requires nats.url")
		}
		opts := []natsdriver.DriverOption{
			natsdriver.WithDriverLogger(logger.With().Str("component", "driver").Logger()),
		}
		if cfg.NATS.RequestTimeout > 0 {
			opts = append(opts, natsdriver.WithRequestTimeout(cfg.NATS.RequestTimeout))
		}
		return natsdriver.NewDriver(nc, cfg.NATS.SubjectPrefix, opts...), nil
	default:
		return sim.NewDriver(
			sim.WithDevices(cfg.Sim.Devices...),
			sim.WithConnectDelay(cfg.Sim.ConnectDelay),
			sim.WithLogger(logger.With().Str("component", "sim").Logger()),
		), nil
	}
}

func newForwarder(cfg *config.Config, nc *nats.Conn, logger zerolog.Logger) (*integration.Forwarder, error) {
	var sinks []integration.Sink
	if nc != nil {
		sinks = append(sinks, integration.NewNATSSink(nc, cfg.NATS.SubjectPrefix))
	}
	if cfg.MQTT.BrokerURL != "" {
		sink, err := integration.DialMQTT(cfg.MQTT, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return integration.NewForwarder(sinks, integration.WithLogger(logger.With().Str("component", "forwarder").Logger())), nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
