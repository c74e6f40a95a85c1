// HTTP handler for the Prometheus metrics endpoint
//
// Serves a registry in the Prometheus text format, optionally behind
// basic authentication configured in the [metrics] section.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"crypto/subtle"
	"net/http"

	"klipper-go-flasher/pkg/config"
)

// DefaultPath is where the metrics handler is mounted.
const DefaultPath = "/server/metrics"

// HandlerConfig holds the [metrics] section options.
type HandlerConfig struct {
	Enabled bool
	Path    string

	// Optional basic auth credentials
	Username string
	Password string
}

// LoadHandlerConfig reads the optional [metrics] section.
func LoadHandlerConfig(cfg *config.Config) (HandlerConfig, error) {
	sec := cfg.GetSectionOptional("metrics")
	enabled, err := sec.GetBool("enabled", true)
	if err != nil {
		return HandlerConfig{}, err
	}
	path, err := sec.Get("path", DefaultPath)
	if err != nil {
		return HandlerConfig{}, err
	}
	username, err := sec.Get("username", "")
	if err != nil {
		return HandlerConfig{}, err
	}
	password, err := sec.Get("password", "")
	if err != nil {
		return HandlerConfig{}, err
	}
	if path == "" || path[0] != '/' {
		return HandlerConfig{}, config.ErrInvalidValue(sec.GetName(), "path", path, "must start with '/'")
	}
	return HandlerConfig{
		Enabled:  enabled,
		Path:     path,
		Username: username,
		Password: password,
	}, nil
}

// Handler serves a registry over HTTP.
type Handler struct {
	registry *Registry
	username string
	password string
}

// NewHandler creates a metrics handler for registry.
func NewHandler(registry *Registry, cfg HandlerConfig) *Handler {
	return &Handler{
		registry: registry,
		username: cfg.Username,
		password: cfg.Password,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.checkAuth(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write([]byte(h.registry.Gather()))
	}
}

func (h *Handler) checkAuth(r *http.Request) bool {
	if h.username == "" && h.password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.password)) == 1
	return userOK && passOK
}
