package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gamerelay/catalog"
	"gamerelay/interceptor"
	"gamerelay/keysource"
	"gamerelay/monitor"
	"gamerelay/packet"
	"gamerelay/redirect"
	"gamerelay/shared"

	"go.uber.org/zap"
)

func main() {
	logger, err := shared.NewLoggerFromEnv("interceptor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	config, err := interceptor.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	keys, err := keySources(config)
	if err != nil {
		logger.Fatal("Invalid key seed", zap.Error(err))
	}

	var loader catalog.Loader = catalog.NewHTTPLoader(config.CatalogDocument, config.CatalogTimeout)
	if config.CatalogFile != "" {
		loader = &catalog.FileLoader{Path: config.CatalogFile}
	}

	deps := interceptor.Dependencies{
		Resolver: redirect.NewResolver(config.DNSServer, config.DialTimeout),
		Keys:     keys,
		Catalog:  loader,
	}
	if config.RedirectEnabled {
		deps.Redirector = redirect.NewHostsFile(config.HostsFile)
	}

	ic, err := interceptor.New(config, deps, logger)
	if err != nil {
		logger.Fatal("Failed to create interceptor", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var monitorServer *http.Server
	var hub *monitor.Hub
	if config.MonitorAddr != "" {
		hub = monitor.NewHub(ic, logger.Logger)
		ic.Incoming().Register(hub.Handler(packet.Incoming))
		ic.Outgoing().Register(hub.Handler(packet.Outgoing))

		monitorServer = monitor.NewServer(config.MonitorAddr, hub)
		go func() {
			if err := monitorServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Monitor server failed", zap.Error(err))
			}
		}()
		logger.Info("Monitor listening", zap.String("addr", config.MonitorAddr))
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := ic.Start(ctx); err != nil {
		logger.Fatal("Failed to start interceptor", zap.Error(err))
	}

	<-sigChan
	logger.Info("Shutting down interceptor...")

	ic.Stop()
	if monitorServer != nil {
		hub.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := monitorServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Monitor shutdown failed", zap.Error(err))
		}
	}
	logger.Info("Interceptor shutdown complete")
}

func keySources(config *interceptor.Config) (keysource.Source, error) {
	var chain keysource.Chain
	if config.KeySeedHex != "" {
		static, err := keysource.NewStaticHex(config.KeySeedHex)
		if err != nil {
			return nil, err
		}
		chain = append(chain, static)
	}
	if config.KeySeedFile != "" {
		chain = append(chain, &keysource.File{Path: config.KeySeedFile})
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}
