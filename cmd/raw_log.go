// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/mysbridge/pkg/config"
	"github.com/Thermoquad/mysbridge/pkg/connection"
	"github.com/Thermoquad/mysbridge/pkg/mysensors"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// Network connection flags
	tcpAddr       string
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display gateway frames in human-readable format",
	Long: `Connect directly to a gateway and decode frames as they arrive.

Nothing is relayed; use this to check a gateway before putting the bridge in
front of it. The connection is retried with backoff if it drops.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  TCP:       --tcp 192.168.1.50:5003
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the
MYSBRIDGE_GATEWAY_PASSWORD environment variable, or prompted interactively
if not set.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	f := rawLogCmd.Flags()
	f.StringVarP(&portName, "port", "p", "", "Serial port device")
	f.IntVarP(&baudRate, "baud", "b", connection.DefaultBaudRate, "Baud rate (serial only)")
	f.StringVar(&tcpAddr, "tcp", "", "Gateway host:port")
	f.StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	f.StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	f.BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
}

// rawLogStream turns the connection flags into an endpoint descriptor
func rawLogStream() (config.StreamInfo, error) {
	switch {
	case wsURL != "":
		info := config.StreamInfo{Type: config.TypeWS, Port: wsURL, Username: wsUsername, SkipSSLVerify: wsNoSSLVerify}
		if wsUsername != "" {
			password, err := GetPassword(config.EnvPrefix + "GATEWAY_PASSWORD")
			if err != nil {
				return info, err
			}
			info.Password = password
		}
		return info, nil
	case tcpAddr != "":
		return config.StreamInfo{Type: config.TypeTCP, Port: tcpAddr}, nil
	case portName != "":
		return config.StreamInfo{Type: config.TypeSerial, Port: portName, BaudRate: baudRate}, nil
	}
	return config.StreamInfo{}, fmt.Errorf("one of --port, --tcp or --url must be specified")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	info, err := rawLogStream()
	if err != nil {
		return err
	}
	dialer, err := newDialer(info, false)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "mysbridge - Raw Frame Log\n")
	fmt.Fprintf(out, "Connection: %s\n", dialer)
	fmt.Fprintf(out, "Press Ctrl+C to exit\n\n")

	stats := mysensors.NewStatistics()
	mgr := connection.New(connection.Config{
		Name:   "gateway",
		Dialer: dialer,
		OnLine: func(line string) {
			printRawLine(out, line, stats)
		},
		OnFrameError: func(err error) {
			stats.Update(mysensors.Message{}, err)
			fmt.Fprintf(out, "[%s] [ERROR] %v\n", time.Now().Format("15:04:05.000"), err)
		},
		OnStateChange: func(s connection.State) {
			fmt.Fprintf(out, "[%s] -- %s\n", time.Now().Format("15:04:05.000"), s)
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = mgr.Run(ctx)
	mgr.Close()

	stats.CalculateRates()
	fmt.Fprintf(out, "\n%s", stats)
	return err
}

func printRawLine(w io.Writer, line string, stats *mysensors.Statistics) {
	timestamp := time.Now().Format("15:04:05.000")
	msg, err := mysensors.Decode(line)
	stats.Update(msg, err)
	if err != nil {
		fmt.Fprintf(w, "[%s] [ERROR] %v: %q\n", timestamp, err, line)
		return
	}
	fmt.Fprintf(w, "[%s] %s\n", timestamp, mysensors.FormatMessage(msg))
}
