// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/Thermoquad/mysbridge/pkg/admin"
	"github.com/Thermoquad/mysbridge/pkg/config"
	"github.com/Thermoquad/mysbridge/pkg/connection"
	"github.com/Thermoquad/mysbridge/pkg/events"
	"github.com/Thermoquad/mysbridge/pkg/firmware"
	"github.com/Thermoquad/mysbridge/pkg/metrics"
	"github.com/Thermoquad/mysbridge/pkg/ota"
	"github.com/Thermoquad/mysbridge/pkg/proxy"
)

var serveFlags struct {
	gatewayType    string
	gatewayPort    string
	gatewayBaud    int
	controllerType string
	controllerPort string
	controllerBaud int
	firmwareDir    string
	adminAddr      string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge",
	Long: `Connect to the gateway and the controller and relay traffic between them.

Node state (presentations, set and req messages) is published on the admin
server's /events feed. Firmware requests from nodes are answered from the
HEX files in MYSBRIDGE_FIRMWARE_DIR, named <type>_<version>.hex.

Admin endpoints:
  GET  /health                  endpoint connection checks
  GET  /metrics                 Prometheus metrics
  GET  /status                  endpoint states and traffic counters
  GET  /ota/sessions            firmware transfers in progress
  GET  /events                  WebSocket event feed (CBOR frames)
  POST /gateway/reset           reconnect the gateway
  POST /nodes/{id}/reboot       send I_REBOOT to a node`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.gatewayType, "gateway-type", "", "Gateway connection type: SERIAL, TCP or WS")
	f.StringVar(&serveFlags.gatewayPort, "gateway-port", "", "Gateway serial device, host:port or WebSocket URL")
	f.IntVar(&serveFlags.gatewayBaud, "gateway-baud", 0, "Gateway baud rate (serial only)")
	f.StringVar(&serveFlags.controllerType, "controller-type", "", "Controller connection type: SERIAL or TCP")
	f.StringVar(&serveFlags.controllerPort, "controller-port", "", "Controller serial device or listen address")
	f.IntVar(&serveFlags.controllerBaud, "controller-baud", 0, "Controller baud rate (serial only)")
	f.StringVar(&serveFlags.firmwareDir, "firmware-dir", "", "Directory of <type>_<version>.hex firmware images")
	f.StringVar(&serveFlags.adminAddr, "admin-addr", "", "Admin HTTP listen address")
}

// applyServeFlags copies explicitly set flags over the environment
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("gateway-type") {
		cfg.GatewayType = serveFlags.gatewayType
	}
	if f.Changed("gateway-port") {
		cfg.GatewayPort = serveFlags.gatewayPort
	}
	if f.Changed("gateway-baud") {
		cfg.GatewayBaud = serveFlags.gatewayBaud
	}
	if f.Changed("controller-type") {
		cfg.ControllerType = serveFlags.controllerType
	}
	if f.Changed("controller-port") {
		cfg.ControllerPort = serveFlags.controllerPort
	}
	if f.Changed("controller-baud") {
		cfg.ControllerBaud = serveFlags.controllerBaud
	}
	if f.Changed("firmware-dir") {
		cfg.FirmwareDir = serveFlags.firmwareDir
	}
	if f.Changed("admin-addr") {
		cfg.AdminAddr = serveFlags.adminAddr
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	gw := cfg.Gateway()
	if gw.Type == config.TypeWS && gw.Username != "" && gw.Password == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		if gw.Password, err = GetPassword(config.EnvPrefix + "GATEWAY_PASSWORD"); err != nil {
			return err
		}
	}

	var catalog ota.Catalog
	if cfg.FirmwareDir != "" {
		c, err := firmware.LoadDir(cfg.FirmwareDir, logger)
		if err != nil {
			return err
		}
		logger.Info("Loaded firmware catalog", slog.String("dir", cfg.FirmwareDir), slog.Int("images", c.Len()))
		catalog = c
	}
	assignments, err := cfg.Assignments()
	if err != nil {
		return err
	}

	gwDialer, err := newDialer(gw, false)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	ctlDialer, err := newDialer(cfg.Controller(), true)
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}

	m := metrics.New("mysbridge")

	bridge := proxy.New(proxy.Config{
		GatewayDialer:    gwDialer,
		ControllerDialer: ctlDialer,
		Backoff: connection.Backoff{
			Initial:    cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
			Multiplier: cfg.BackoffMultiplier,
			Stable:     cfg.BackoffStable,
		},
		Catalog:            catalog,
		Assignments:        assignments,
		OtaTimeout:         cfg.OtaTimeout,
		OtaCompletionGrace: cfg.OtaCompletionGrace,
		OtaTick:            cfg.OtaTick,
		EventBuffer:        cfg.EventBuffer,
		Metrics:            m,
		Logger:             logger,
	})

	feed := events.NewFeed(events.FeedConfig{Logger: logger})
	m.GaugeFunc("feed_clients", "Connected event feed clients.", func() float64 { return float64(feed.Clients()) })
	m.GaugeFunc("feed_dropped_frames", "Event frames dropped for slow feed clients.", func() float64 { return float64(feed.Dropped()) })

	router := admin.NewRouter(admin.Config{
		Bridge:   bridge,
		Metrics:  m.Handler(),
		Events:   feed,
		Username: cfg.AdminUsername,
		Password: cfg.AdminPassword,
		Logger:   logger,
	})
	srv := admin.NewServer(cfg.AdminAddr, router, logger)
	if cfg.AdminOpen() {
		logger.Warn("Admin API is reachable from other hosts without credentials",
			slog.String("addr", cfg.AdminAddr))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bridge.Run(gctx) })
	g.Go(func() error { return feed.Run(gctx, bridge.Events()) })
	g.Go(func() error { return srv.Run(gctx) })

	err = g.Wait()
	if err != nil {
		logger.Error("Shutdown error", slog.Any("error", err))
		return err
	}
	logger.Info("Graceful shutdown completed")
	return nil
}
