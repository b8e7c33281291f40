package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/quanlan-server/quanlan-server/internal/config"
	"github.com/quanlan-server/quanlan-server/internal/device/natsdriver"
	"github.com/quanlan-server/quanlan-server/internal/device/sim"
	"github.com/quanlan-server/quanlan-server/internal/logging"
	"github.com/quanlan-server/quanlan-server/internal/server"
)

// quanlan-bridge serves the devices attached to this host over NATS so a
// quanlan-server configured with the nats driver can reach them.
func main() {
	configFile := flag.String("config", "", "Configuration file path")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configFile == "" {
		cfg = config.Default()
		err = cfg.Validate()
	} else {
		cfg, err = config.Load(*configFile)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Log, "quanlan-bridge")

	if cfg.NATS.URL == "" {
		logger.Fatal().Msg("nats.url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := server.DialNATS(cfg.NATS, "quanlan-bridge", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	driver := sim.NewDriver(
		sim.WithDevices(cfg.Sim.Devices...),
		sim.WithConnectDelay(cfg.Sim.ConnectDelay),
		sim.WithLogger(logger),
	)
	bridge := natsdriver.NewBridge(nc, cfg.NATS.SubjectPrefix, driver,
		natsdriver.WithBridgeLimits(cfg.Device.Limits()),
		natsdriver.WithBridgeLogger(logger),
	)

	logger.Info().Strs("devices", cfg.Sim.Devices).Msg("Bridge serving devices")
	if err := bridge.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Bridge stopped")
	}
	logger.Info().Msg("Bridge stopped")
}
