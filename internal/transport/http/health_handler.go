package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"metrofleet/pkg/contracts"
	api "metrofleet/pkg/contracts/api/v1"
)

const (
	statusOK       = "ok"
	statusDegraded = "degraded"

	pingTimeout = 2 * time.Second
)

// Pinger is satisfied by warehouse.Connector
type Pinger interface {
	Ping(ctx context.Context) error
}

// ClientCounter is satisfied by the websocket hub
type ClientCounter interface {
	ClientCount() int
}

// HealthHandler reports process and warehouse health
type HealthHandler struct {
	warehouse Pinger
	clients   ClientCounter
	started   time.Time
	now       func() time.Time
	logger    *slog.Logger
}

// NewHealthHandler creates a new health handler. clients may be nil.
func NewHealthHandler(warehouse Pinger, clients ClientCounter, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{
		warehouse: warehouse,
		clients:   clients,
		started:   time.Now(),
		now:       time.Now,
		logger:    logger.With(slog.String("handler", "health")),
	}
}

// HealthCheck handles GET /api/health. A failed warehouse ping degrades the
// status and answers 503.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	resp := api.HealthResponse{
		Status:    statusOK,
		Version:   contracts.Version,
		Uptime:    now.Sub(h.started).Round(time.Second).String(),
		Checks:    map[string]string{},
		CheckedAt: now.UTC(),
	}

	if h.warehouse != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := h.warehouse.Ping(ctx)
		cancel()
		if err != nil {
			h.logger.WarnContext(r.Context(), "warehouse ping failed", slog.String("error", err.Error()))
			resp.Status = statusDegraded
			resp.Checks["warehouse"] = err.Error()
		} else {
			resp.Checks["warehouse"] = statusOK
		}
	}
	if h.clients != nil {
		resp.WSClients = h.clients.ClientCount()
	}

	if resp.Status != statusOK {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}
