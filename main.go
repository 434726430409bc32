package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/drio/crynet/channel"
	"github.com/drio/crynet/config"
	"github.com/drio/crynet/engine"
	"github.com/drio/crynet/nub"
	"github.com/drio/crynet/tun"
)

var (
	configPath = flag.String("c", "", "Configuration file path")
	logLevel   = flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	logger, err := initLogger(*logLevel)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *configPath == "" {
		logger.Fatal("usage: crynet -c <config-file>")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err), zap.String("path", *configPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("crynet failed", zap.Error(err))
	}
}

func initLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(getLogLevel(level))
	return config.Build()
}

func getLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// run serves until ctx is cancelled, then closes the nub and waits up to
// the disconnect timeout for peers to acknowledge.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var peer netip.AddrPort
	if cfg.Peer != "" {
		var err error
		if peer, err = netip.ParseAddrPort(cfg.Peer); err != nil {
			return fmt.Errorf("invalid peer %q: %w", cfg.Peer, err)
		}
	}

	network, err := engine.New(cfg.Engine, logger)
	if err != nil {
		return err
	}
	// The loop outlives ctx so the close below can still reach peers.
	network.Start(context.Background())
	defer network.Shutdown()

	var bridge *tun.Bridge
	if cfg.Tun.Name != "" {
		dev, err := tun.Setup(cfg.Tun.Name, cfg.Tun.Address, logger)
		if err != nil {
			return fmt.Errorf("failed to setup TUN interface: %w", err)
		}
		bridge = tun.NewBridge(dev, network, logger)
		bridge.Start()
		defer bridge.Close()
	}

	n, err := nub.Listen(ctx, network, cfg.Listen, cfg.Nub, handlers(bridge, logger), logger)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}

	if peer.IsValid() {
		_, err := n.Connect(peer, cfg.ConnectString, func(r nub.ConnectResult) {
			if err := r.Err(); err != nil {
				logger.Warn("connect failed", zap.Stringer("peer", peer), zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("connect to %s: %w", peer, err)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	n.Close()
	select {
	case <-n.Done():
	case <-time.After(cfg.Nub.DisconnectTimeout + time.Second):
		logger.Warn("peers did not acknowledge before shutdown")
	}
	return nil
}

func handlers(bridge *tun.Bridge, logger *zap.Logger) nub.Handlers {
	return nub.Handlers{
		OnChannel: func(ch *channel.Channel, connectString string) {
			logger.Info("channel established",
				zap.Stringer("remote", ch.Remote()),
				zap.String("connect_string", connectString))
			if bridge != nil {
				bridge.Attach(ch)
			}
		},
		OnDisconnect: func(remote netip.AddrPort, cause nub.DisconnectCause, reason string) {
			logger.Info("peer disconnected",
				zap.Stringer("remote", remote),
				zap.Stringer("cause", cause),
				zap.String("reason", reason))
			if bridge != nil {
				bridge.Detach(remote)
			}
		},
		OnPing: func(from netip.AddrPort, rtt time.Duration) {
			logger.Debug("pong", zap.Stringer("from", from), zap.Duration("rtt", rtt))
		},
	}
}
