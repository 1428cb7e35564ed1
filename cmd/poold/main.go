// poold is the address-pool daemon: it owns prefix detection, route
// reconciliation, address spawning/checking, and the RPC surface
// scraper sessions use to pick and report addresses.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hexpool/ipv6pool/internal/apihttp"
	"github.com/hexpool/ipv6pool/internal/config"
	"github.com/hexpool/ipv6pool/internal/health"
	"github.com/hexpool/ipv6pool/internal/metrics"
	"github.com/hexpool/ipv6pool/internal/poolsvc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file")
	port := flag.Int("p", 0, "RPC surface port (overrides config, default 16000)")
	usableNum := flag.Int("n", 0, "target usable-address count (overrides config, default 20)")
	verbose := flag.Bool("v", false, "verbose (debug-level, console-format) logging")
	dumpConfig := flag.Bool("dump-config", false, "print the resolved configuration as YAML and exit")
	flag.Parse()

	logger := initLogger(*verbose)
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorw("failed to load configuration", "err", err)
		return 2
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *usableNum != 0 {
		cfg.Pool.UsableNum = *usableNum
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	if *dumpConfig {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		if err := enc.Encode(cfg); err != nil {
			log.Errorw("failed to dump configuration", "err", err)
			return 2
		}
		return 0
	}

	log.Infow("starting poold",
		"port", cfg.Server.Port,
		"iface", cfg.Pool.Iface,
		"usable_num", cfg.Pool.UsableNum,
	)

	var m *metrics.Metrics
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metricsServer = metrics.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, log)
		go func() {
			if err := metricsServer.Start(); err != nil {
				log.Errorw("metrics server error", "err", err)
			}
		}()
	}

	svc, err := poolsvc.New(cfg, log, m)
	if err != nil {
		log.Errorw("failed to build pool service", "err", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		log.Errorw("failed to start pool service", "err", err)
		return 2
	}

	hc := health.New(svc)
	httpServer := apihttp.New(cfg, svc, hc, m, log)

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-errChan:
		log.Errorw("rpc surface failed to bind", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("rpc surface shutdown error", "err", err)
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Warnw("pool service shutdown error", "err", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warnw("metrics server shutdown error", "err", err)
		}
	}

	log.Info("poold shutdown complete")
	return 0
}

func initLogger(verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
