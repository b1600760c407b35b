// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/mysbridge/pkg/config"
	"github.com/Thermoquad/mysbridge/pkg/connection"
	"github.com/Thermoquad/mysbridge/pkg/events"
)

var (
	monitorURL      string
	monitorUsername string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch node state from a running bridge",
	Long: `Subscribe to a bridge's event feed and show node state in a terminal UI.

The table lists the last value reported by every node and child sensor; the
log below it shows events as they arrive. The feed is re-subscribed with
backoff if the bridge restarts.

When the admin API requires authentication, pass --username; the password is
read from MYSBRIDGE_ADMIN_PASSWORD or prompted interactively.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().StringVarP(&monitorURL, "url", "u", "ws://localhost:8080/events", "Event feed URL (ws:// or wss://)")
	monitorCmd.Flags().StringVar(&monitorUsername, "username", "", "Username for HTTP Basic auth")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	password := ""
	if monitorUsername != "" {
		var err error
		password, err = GetPassword(config.EnvPrefix + "ADMIN_PASSWORD")
		if err != nil {
			return err
		}
	}

	// Fail fast on a bad URL or credentials before entering the alt screen
	first, err := events.Subscribe(cmd.Context(), monitorURL, monitorUsername, password)
	if err != nil {
		return err
	}

	p := tea.NewProgram(initialMonitorModel(monitorURL), tea.WithAltScreen())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go followFeed(ctx, p, first, monitorUsername, password)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// followFeed reads events into the program, re-subscribing when the feed drops
func followFeed(ctx context.Context, p *tea.Program, sub *events.Subscription, username, password string) {
	backoff := connection.DefaultBackoff
	attempt := 0

	for {
		if sub != nil {
			attempt = 0
			p.Send(feedStateMsg{connected: true})
			s := sub
			stop := context.AfterFunc(ctx, func() { s.Close() })

			for {
				ev, err := sub.Next()
				if err != nil {
					sub.Close()
					p.Send(feedStateMsg{err: err})
					break
				}
				p.Send(feedEventMsg(ev))
			}
			stop()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff.Delay(attempt)):
		}
		attempt++

		var err error
		sub, err = events.Subscribe(ctx, monitorURL, username, password)
		if err != nil {
			sub = nil
			p.Send(feedStateMsg{err: err})
		}
	}
}
