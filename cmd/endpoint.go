// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Thermoquad/mysbridge/pkg/config"
	"github.com/Thermoquad/mysbridge/pkg/connection"
)

// newDialer builds the transport for an endpoint. On the controller side a
// TCP endpoint is a listener: the controller connects to the bridge.
func newDialer(info config.StreamInfo, listen bool) (connection.Dialer, error) {
	switch info.Type {
	case config.TypeSerial:
		return &connection.SerialDialer{Port: info.Port, BaudRate: info.BaudRate}, nil
	case config.TypeTCP:
		if listen {
			l := &connection.TCPListener{Address: info.Port}
			if err := l.Listen(); err != nil {
				return nil, err
			}
			return l, nil
		}
		return &connection.TCPDialer{Address: info.Port, Timeout: 10 * time.Second}, nil
	case config.TypeWS:
		return &connection.WebSocketDialer{
			URL:           info.Port,
			Username:      info.Username,
			Password:      info.Password,
			SkipSSLVerify: info.SkipSSLVerify,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported connection type %q", info.Type)
	}
}

// GetPassword retrieves a password from envVar or prompts the user
func GetPassword(envVar string) (string, error) {
	// First check environment variable
	if pw := os.Getenv(envVar); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	// Read password without echo
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}
