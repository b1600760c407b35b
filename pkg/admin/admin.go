// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package admin serves the bridge's HTTP control surface
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Thermoquad/mysbridge/pkg/connection"
	"github.com/Thermoquad/mysbridge/pkg/mysensors"
	"github.com/Thermoquad/mysbridge/pkg/ota"
	"github.com/Thermoquad/mysbridge/pkg/proxy"
)

const injectTimeout = 2 * time.Second

// Bridge is the part of the proxy the admin API drives
type Bridge interface {
	RequestReset() bool
	Inject(ctx context.Context, msg mysensors.Message) error
	Sessions() []ota.SessionInfo
	Status() proxy.Status
}

// Config configures the admin router
type Config struct {
	Bridge   Bridge
	Metrics  http.Handler // GET /metrics
	Events   http.Handler // GET /events
	Username string       // basic auth; empty disables it
	Password string
	Logger   *slog.Logger
}

// API holds the admin handlers
type API struct {
	bridge  Bridge
	checker *Checker
	logger  *slog.Logger
}

// NewRouter builds the admin router. /health is never behind auth.
func NewRouter(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	api := &API{
		bridge:  cfg.Bridge,
		checker: NewChecker(time.Second),
		logger:  cfg.Logger.With(slog.String("component", "admin")),
	}
	api.checker.Register("gateway", api.endpointCheck(func(s proxy.Status) connection.State { return s.Gateway }))
	api.checker.Register("controller", api.endpointCheck(func(s proxy.Status) connection.State { return s.Controller }))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", api.checker.ServeHTTP)

	r.Group(func(r chi.Router) {
		if cfg.Username != "" {
			r.Use(middleware.BasicAuth("mysbridge", map[string]string{cfg.Username: cfg.Password}))
		}
		if cfg.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", cfg.Metrics)
		}
		if cfg.Events != nil {
			r.Method(http.MethodGet, "/events", cfg.Events)
		}
		r.Get("/status", api.HandleStatus)
		r.Get("/ota/sessions", api.HandleSessions)
		r.Post("/gateway/reset", api.HandleReset)
		r.Post("/nodes/{nodeID}/reboot", api.HandleReboot)
	})

	return r
}

func (a *API) endpointCheck(state func(proxy.Status) connection.State) CheckFunc {
	return func(ctx context.Context) error {
		if s := state(a.bridge.Status()); s != connection.StateConnected {
			return fmt.Errorf("endpoint %s", s)
		}
		return nil
	}
}

// HandleStatus reports endpoint states and traffic counters
func (a *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s := a.bridge.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"gateway":    s.Gateway.String(),
		"controller": s.Controller.String(),
		"traffic":    s,
	})
}

// HandleSessions lists OTA sessions
func (a *API) HandleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := a.bridge.Sessions()
	if sessions == nil {
		sessions = []ota.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// HandleReset raises the gateway reset signal
func (a *API) HandleReset(w http.ResponseWriter, r *http.Request) {
	if !a.bridge.RequestReset() {
		writeError(w, http.StatusServiceUnavailable, "bridge not running")
		return
	}
	a.logger.Info("Gateway reset requested", slog.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reset requested"})
}

// HandleReboot sends I_REBOOT to a node through the gateway
func (a *API) HandleReboot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "nodeID"), 10, 8)
	if err != nil || id == mysensors.BroadcastID {
		writeError(w, http.StatusBadRequest, "node id must be 0-254")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), injectTimeout)
	defer cancel()

	err = a.bridge.Inject(ctx, mysensors.NewReboot(uint8(id)))
	switch {
	case err == nil:
		a.logger.Info("Node reboot requested", slog.Int("node", int(id)), slog.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "reboot queued", "node": id})
	case errors.Is(err, proxy.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, "bridge not running")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "command queue full")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
