// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Thermoquad/mysbridge/pkg/config"
)

var (
	envFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "mysbridge",
	Short: "MySensors gateway to controller bridge",
	Long: `mysbridge - A bridge between a MySensors gateway and a controller.

Relays every frame between the gateway and the controller, publishes node
state to an event feed, and serves over-the-air firmware updates to nodes.

Configuration is read from MYSBRIDGE_* environment variables, optionally
loaded from a .env file (--env-file). Flags override the environment.

Endpoint types:
  Gateway:    SERIAL (device path), TCP (host:port), WS (ws:// or wss:// URL)
  Controller: SERIAL (device path), TCP (listen address)

Passwords are read from the environment (MYSBRIDGE_GATEWAY_PASSWORD,
MYSBRIDGE_ADMIN_PASSWORD) or prompted interactively. There is intentionally
no --password flag, to avoid leaking credentials in shell history.`,
	Version:       "0.3.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Environment file to load (default .env if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides MYSBRIDGE_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: json or text (overrides MYSBRIDGE_LOG_FORMAT)")
}

// loadConfig reads the environment and applies the persistent flag overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Read(envFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	return cfg, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
