package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "metrofleet/internal/errors"
	"metrofleet/internal/middleware"
	"metrofleet/internal/operations"
	api "metrofleet/pkg/contracts/api/v1"
)

const (
	defaultRecordLimit = 50
	maxRecordLimit     = 500
)

// AssetsHandler serves the asset graph and materialization endpoints
type AssetsHandler struct {
	scheduler  AssetScheduler
	errHandler *apierrors.ErrorHandler
	validator  *middleware.Validator
	logger     *slog.Logger
}

// NewAssetsHandler creates a new assets handler
func NewAssetsHandler(scheduler AssetScheduler, errHandler *apierrors.ErrorHandler, validator *middleware.Validator, logger *slog.Logger) *AssetsHandler {
	if scheduler == nil {
		panic("scheduler cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if errHandler == nil {
		errHandler = apierrors.NewErrorHandler(logger, false)
	}
	if validator == nil {
		validator = middleware.NewValidator(logger)
	}
	return &AssetsHandler{
		scheduler:  scheduler,
		errHandler: errHandler,
		validator:  validator,
		logger:     logger.With(slog.String("handler", "assets")),
	}
}

// Routes sets up the asset routes
func (h *AssetsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListAssets)
	r.Route("/{asset}", func(r chi.Router) {
		r.Get("/partitions", h.GetPartitions)
		r.Get("/records", h.GetRecords)
		r.With(middleware.ContentTypeValidator("application/json")).Post("/materialize", h.Materialize)
		r.With(middleware.ContentTypeValidator("application/json")).Post("/backfill", h.Backfill)
	})
	return r
}

// ListAssets handles GET /api/assets
func (h *AssetsHandler) ListAssets(w http.ResponseWriter, r *http.Request) {
	summary := h.scheduler.Summary()
	resp := api.GraphResponse{
		Order:  make([]string, len(summary)),
		Assets: summary,
	}
	for i, s := range summary {
		resp.Order[i] = s.Asset
	}
	render.JSON(w, r, resp)
}

// GetPartitions handles GET /api/assets/{asset}/partitions
func (h *AssetsHandler) GetPartitions(w http.ResponseWriter, r *http.Request) {
	status, err := h.scheduler.Status(chi.URLParam(r, "asset"))
	if err != nil {
		h.errHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, status)
}

// GetRecords handles GET /api/assets/{asset}/records
func (h *AssetsHandler) GetRecords(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	partitionKey := r.URL.Query().Get("partition")

	limit, err := middleware.QueryInt(r, "limit", 1, maxRecordLimit, defaultRecordLimit)
	if err != nil {
		h.errHandler.HandleError(w, r, err)
		return
	}

	records, err := h.scheduler.Records(r.Context(), asset, partitionKey, limit)
	if err != nil {
		h.errHandler.HandleError(w, r, err)
		return
	}
	if records == nil {
		records = []operations.MaterializationRecord{}
	}
	render.JSON(w, r, api.RecordsResponse{Asset: asset, Partition: partitionKey, Records: records})
}

// Materialize handles POST /api/assets/{asset}/materialize. Without wait the
// keys are queued and 202 is returned. With wait each key is triggered in
// turn and the terminal records are returned; a failed run is reported in
// its record rather than as an error status.
func (h *AssetsHandler) Materialize(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")

	var req api.MaterializeRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errHandler.HandleError(w, r, err)
		return
	}

	if !req.Wait {
		if err := h.scheduler.Enqueue(asset, req.Partitions...); err != nil {
			h.errHandler.HandleError(w, r, err)
			return
		}
		h.logger.InfoContext(r.Context(), "materialization queued",
			slog.String("asset", asset),
			slog.Int("partitions", len(req.Partitions)))
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, api.MaterializeResponse{Asset: asset, Queued: req.Partitions})
		return
	}

	keys := req.Partitions
	if len(keys) == 0 {
		keys = []string{""}
	}
	resp := api.MaterializeResponse{Asset: asset}
	for _, key := range keys {
		rec, err := h.scheduler.Trigger(r.Context(), asset, key)
		if rec == nil {
			if err == nil {
				err = errors.New("materialization returned no record")
			}
			h.errHandler.HandleError(w, r, err)
			return
		}
		if err != nil {
			h.logger.WarnContext(r.Context(), "materialization failed",
				slog.String("asset", asset),
				slog.String("partition", key),
				slog.String("error", err.Error()))
		}
		resp.Records = append(resp.Records, *rec)
	}
	render.JSON(w, r, resp)
}

// Backfill handles POST /api/assets/{asset}/backfill
func (h *AssetsHandler) Backfill(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")

	var req api.BackfillRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errHandler.HandleError(w, r, err)
		return
	}

	n, err := h.scheduler.Backfill(asset, req.From, req.To)
	if err != nil {
		h.errHandler.HandleError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "backfill queued",
		slog.String("asset", asset),
		slog.String("from", req.From),
		slog.String("to", req.To),
		slog.Int("partitions", n))

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, api.BackfillResponse{Asset: asset, From: req.From, To: req.To, Queued: n})
}
