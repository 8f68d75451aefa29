// Command pelion-bridge mirrors LWM2M devices from a Pelion device
// management cloud onto an Azure IoT Hub, one shadow and one MQTT session
// per device.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DougAnsonAustinTX/pelion-bridge/bridge"
	"github.com/DougAnsonAustinTX/pelion-bridge/common"
	"github.com/DougAnsonAustinTX/pelion-bridge/config"
	"github.com/DougAnsonAustinTX/pelion-bridge/iothub"
	"github.com/DougAnsonAustinTX/pelion-bridge/pelion"
	"github.com/DougAnsonAustinTX/pelion-bridge/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pelion-bridge:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "service.yaml", "path to the bridge configuration file")
	flag.Parse()

	logger := common.NewLoggerFromEnv("pelion-bridge", "PELION_BRIDGE_LOGLEVEL")
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if !cfg.APIKeyConfigured() {
		logger.Warnf("main: source cloud API key is not configured, bridge will idle")
	}

	httpClient := transport.NewClient(transport.WithLogger(logger))
	source := pelion.NewClient(cfg, httpClient, logger)
	orch := bridge.NewOrchestrator(cfg, source, logger)

	hub, err := iothub.NewProcessor(cfg, orch, httpClient, logger)
	if err != nil {
		return err
	}
	orch.AddAdapter(hub)

	channel := pelion.NewChannel(cfg, source, orch, logger)
	orch.SetChannel(channel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var srv *http.Server
	if channel.Mode() == pelion.ModeWebhook {
		srv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.GWPort),
			Handler: channel.Handler(),
		}
		go func() {
			logger.Warnf("main: webhook listener on %s%s%s", srv.Addr, cfg.GWContextPath, cfg.GWEventsPath)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("main: webhook listener: %s", err)
			}
		}()
	}

	orch.Start(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Warnf("main: shutting down")

	cancel()
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}
	orch.Stop()
	return nil
}
