// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads bridge settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Thermoquad/mysbridge/pkg/firmware"
)

// EnvPrefix is prepended to every variable name
const EnvPrefix = "MYSBRIDGE_"

// DefaultEnvFile is loaded when present
const DefaultEnvFile = ".env"

// ConnectionType selects the transport of an endpoint
type ConnectionType string

// Connection types
const (
	TypeSerial ConnectionType = "SERIAL"
	TypeTCP    ConnectionType = "TCP"
	TypeWS     ConnectionType = "WS"
)

// StreamInfo describes one endpoint. It is fixed at startup.
type StreamInfo struct {
	Port     string
	Type     ConnectionType
	BaudRate int

	// WS only
	Username      string
	Password      string
	SkipSSLVerify bool
}

// String returns "TYPE port"
func (s StreamInfo) String() string {
	return fmt.Sprintf("%s %s", s.Type, s.Port)
}

// Config holds the application configuration.
type Config struct {
	// Gateway endpoint
	GatewayType          string `env:"GATEWAY_TYPE"            envDefault:"SERIAL"`
	GatewayPort          string `env:"GATEWAY_PORT"`
	GatewayBaud          int    `env:"GATEWAY_BAUD"            envDefault:"115200"`
	GatewayUsername      string `env:"GATEWAY_USERNAME"`
	GatewayPassword      string `env:"GATEWAY_PASSWORD"`
	GatewaySkipSSLVerify bool   `env:"GATEWAY_SKIP_SSL_VERIFY" envDefault:"false"`

	// Controller endpoint
	ControllerType string `env:"CONTROLLER_TYPE" envDefault:"TCP"`
	ControllerPort string `env:"CONTROLLER_PORT" envDefault:"0.0.0.0:5003"`
	ControllerBaud int    `env:"CONTROLLER_BAUD" envDefault:"115200"`

	// OTA
	FirmwareDir        string        `env:"FIRMWARE_DIR"`
	NodeFirmware       string        `env:"NODE_FIRMWARE"` // "node=type/version,..."
	OtaTimeout         time.Duration `env:"OTA_TIMEOUT"          envDefault:"2m"`
	OtaCompletionGrace time.Duration `env:"OTA_COMPLETION_GRACE" envDefault:"30s"`
	OtaTick            time.Duration `env:"OTA_TICK"             envDefault:"5s"`

	// Reconnect
	BackoffInitial    time.Duration `env:"BACKOFF_INITIAL"    envDefault:"500ms"`
	BackoffMax        time.Duration `env:"BACKOFF_MAX"        envDefault:"30s"`
	BackoffMultiplier float64       `env:"BACKOFF_MULTIPLIER" envDefault:"2.0"`
	BackoffStable     time.Duration `env:"BACKOFF_STABLE"`

	// External delivery
	EventBuffer int `env:"EVENT_BUFFER" envDefault:"256"`

	// Admin HTTP
	AdminAddr     string `env:"ADMIN_ADDR"     envDefault:"127.0.0.1:8080"`
	AdminUsername string `env:"ADMIN_USERNAME"`
	AdminPassword string `env:"ADMIN_PASSWORD"`

	// Observability
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load is Read followed by Validate
func Load(envFile string) (*Config, error) {
	cfg, err := Read(envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read loads envFile (if it exists) and then parses the environment.
// An explicitly named envFile must exist. Variables already set in the
// environment win over the file.
func Read(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil {
		if !(envFile == DefaultEnvFile && errors.Is(err, fs.ErrNotExist)) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	return Parse()
}

// Parse reads the environment without validating
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Gateway returns the gateway endpoint descriptor
func (c *Config) Gateway() StreamInfo {
	return StreamInfo{
		Port:          c.GatewayPort,
		Type:          ConnectionType(strings.ToUpper(c.GatewayType)),
		BaudRate:      c.GatewayBaud,
		Username:      c.GatewayUsername,
		Password:      c.GatewayPassword,
		SkipSSLVerify: c.GatewaySkipSSLVerify,
	}
}

// Controller returns the controller endpoint descriptor
func (c *Config) Controller() StreamInfo {
	return StreamInfo{
		Port:     c.ControllerPort,
		Type:     ConnectionType(strings.ToUpper(c.ControllerType)),
		BaudRate: c.ControllerBaud,
	}
}

// AdminOpen reports whether the admin API is reachable from other hosts
// without credentials.
func (c *Config) AdminOpen() bool {
	if c.AdminUsername != "" {
		return false
	}
	host, _, err := net.SplitHostPort(c.AdminAddr)
	if err != nil {
		return true
	}
	if host == "localhost" {
		return false
	}
	ip := net.ParseIP(host)
	return ip == nil || !ip.IsLoopback()
}

// Assignments parses NodeFirmware into node -> image key
func (c *Config) Assignments() (map[uint8]firmware.Key, error) {
	return ParseAssignments(c.NodeFirmware)
}

// ParseAssignments parses "node=type/version" pairs separated by commas
func ParseAssignments(s string) (map[uint8]firmware.Key, error) {
	out := make(map[uint8]firmware.Key)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		node, image, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("assignment %q: expected node=type/version", part)
		}
		typ, ver, ok := strings.Cut(image, "/")
		if !ok {
			return nil, fmt.Errorf("assignment %q: expected node=type/version", part)
		}

		n, err := strconv.ParseUint(strings.TrimSpace(node), 10, 8)
		if err != nil || n == 0 || n == 255 {
			return nil, fmt.Errorf("assignment %q: node must be 1-254", part)
		}
		t, err := strconv.ParseUint(strings.TrimSpace(typ), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("assignment %q: invalid type", part)
		}
		v, err := strconv.ParseUint(strings.TrimSpace(ver), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("assignment %q: invalid version", part)
		}

		out[uint8(n)] = firmware.Key{Type: uint16(t), Version: uint16(v)}
	}
	return out, nil
}

// Validate checks every setting and returns the first problem as *Error
func (c *Config) Validate() error {
	gw := c.Gateway()
	if err := validateStream("gateway", gw, true); err != nil {
		return err
	}
	ctrl := c.Controller()
	if err := validateStream("controller", ctrl, false); err != nil {
		return err
	}
	if gw.Type == ctrl.Type && gw.Port == ctrl.Port && gw.Type != TypeWS {
		return &Error{Field: "CONTROLLER_PORT", Reason: "gateway and controller use the same port"}
	}

	if c.FirmwareDir != "" {
		info, err := os.Stat(c.FirmwareDir)
		if err != nil {
			return &Error{Field: "FIRMWARE_DIR", Reason: err.Error()}
		}
		if !info.IsDir() {
			return &Error{Field: "FIRMWARE_DIR", Reason: "not a directory"}
		}
	}
	assignments, err := c.Assignments()
	if err != nil {
		return &Error{Field: "NODE_FIRMWARE", Reason: err.Error()}
	}
	if len(assignments) > 0 && c.FirmwareDir == "" {
		return &Error{Field: "NODE_FIRMWARE", Reason: "requires FIRMWARE_DIR"}
	}

	switch {
	case c.OtaTimeout <= 0:
		return &Error{Field: "OTA_TIMEOUT", Reason: "must be positive"}
	case c.OtaCompletionGrace <= 0:
		return &Error{Field: "OTA_COMPLETION_GRACE", Reason: "must be positive"}
	case c.OtaTick <= 0:
		return &Error{Field: "OTA_TICK", Reason: "must be positive"}
	case c.BackoffInitial <= 0:
		return &Error{Field: "BACKOFF_INITIAL", Reason: "must be positive"}
	case c.BackoffMax < c.BackoffInitial:
		return &Error{Field: "BACKOFF_MAX", Reason: "must not be below BACKOFF_INITIAL"}
	case c.BackoffMultiplier < 1:
		return &Error{Field: "BACKOFF_MULTIPLIER", Reason: "must be at least 1"}
	case c.BackoffStable < 0:
		return &Error{Field: "BACKOFF_STABLE", Reason: "must not be negative"}
	case c.EventBuffer <= 0:
		return &Error{Field: "EVENT_BUFFER", Reason: "must be positive"}
	}

	if c.AdminAddr == "" {
		return &Error{Field: "ADMIN_ADDR", Reason: "required"}
	}
	if _, _, err := net.SplitHostPort(c.AdminAddr); err != nil {
		return &Error{Field: "ADMIN_ADDR", Reason: err.Error()}
	}
	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		return &Error{Field: "ADMIN_PASSWORD", Reason: "username and password must be set together"}
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		return &Error{Field: "LOG_LEVEL", Reason: err.Error()}
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return &Error{Field: "LOG_FORMAT", Reason: fmt.Sprintf("unknown format %q (use json or text)", c.LogFormat)}
	}

	return nil
}

func validateStream(name string, s StreamInfo, allowWS bool) error {
	field := strings.ToUpper(name)

	if s.Port == "" {
		return &Error{Field: field + "_PORT", Reason: "required"}
	}

	switch s.Type {
	case TypeSerial:
		if s.BaudRate <= 0 {
			return &Error{Field: field + "_BAUD", Reason: "must be positive"}
		}
	case TypeTCP:
		if _, _, err := net.SplitHostPort(s.Port); err != nil {
			return &Error{Field: field + "_PORT", Reason: fmt.Sprintf("expected host:port: %v", err)}
		}
	case TypeWS:
		if !allowWS {
			return &Error{Field: field + "_TYPE", Reason: "WS is only supported for the gateway"}
		}
		u, err := url.Parse(s.Port)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return &Error{Field: field + "_PORT", Reason: "expected ws:// or wss:// URL"}
		}
	default:
		return &Error{Field: field + "_TYPE", Reason: fmt.Sprintf("unknown connection type %q", s.Type)}
	}
	return nil
}
