// Package handler serves the admin HTTP endpoints.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/worker"
)

// Version is a string type for dependency injection of the build version.
type Version string

// PoolStats reports the state of the worker pool.
type PoolStats interface {
	Stats() []worker.Stats
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	pool    PoolStats
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, pool PoolStats) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, pool: pool}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of GET /proxy/status.
type StatusResponse struct {
	Status         string         `json:"status"`
	Version        string         `json:"version"`
	Listen         string         `json:"listen"`
	Backlog        int            `json:"backlog"`
	TrafficLogging bool           `json:"traffic_logging"`
	Workers        []worker.Stats `json:"workers"`
}

// Status returns proxy status information, including per-worker queues.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:         "ok",
		Version:        string(h.version),
		Listen:         h.cfg.Server.Addr(),
		Backlog:        h.cfg.Server.Backlog,
		TrafficLogging: !h.cfg.Traffic.Disabled,
		Workers:        h.pool.Stats(),
	})
}
