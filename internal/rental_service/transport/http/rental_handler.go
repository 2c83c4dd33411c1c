package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/numrent/numrent/internal/rental_service/app"
	"github.com/numrent/numrent/internal/rental_service/domain"
)

// RentalApp is the slice of the application service the handlers need.
type RentalApp interface {
	Rent(ctx context.Context, providerName domain.ProviderName, service, country string, duration time.Duration) (*domain.Rental, error)
	Extend(ctx context.Context, id uuid.UUID, duration time.Duration) (*domain.Rental, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	ListActive(ctx context.Context) ([]domain.Rental, error)
	ListMessages(ctx context.Context, rentalID uuid.UUID) ([]domain.Message, error)
	Catalog(ctx context.Context, providerName domain.ProviderName) (*domain.Catalog, error)
}

// SyncAPI is the scheduler surface exposed over HTTP.
type SyncAPI interface {
	SyncRental(ctx context.Context, id uuid.UUID) (app.SyncResult, error)
	ToggleAutoRefresh(ctx context.Context, id uuid.UUID, on bool) error
}

// Exporter produces the CSV download.
type Exporter interface {
	ExportMessagesCSV(ctx context.Context, rentalID uuid.UUID, w io.Writer) error
}

type RentalHandler struct {
	app      RentalApp
	sync     SyncAPI
	exporter Exporter
	logger   *slog.Logger
	validate *validator.Validate
}

func NewRentalHandler(app RentalApp, sync SyncAPI, exporter Exporter, logger *slog.Logger, validate *validator.Validate) *RentalHandler {
	return &RentalHandler{
		app:      app,
		sync:     sync,
		exporter: exporter,
		logger:   logger.With("handler", "rental"),
		validate: validate,
	}
}

func (h *RentalHandler) RegisterRoutes(r chi.Router) {
	r.Get("/rentals", h.HandleListRentals)
	r.Post("/rentals", h.HandleRent)
	r.Post("/rentals/{rental_id}/extend", h.HandleExtend)
	r.Post("/rentals/{rental_id}/cancel", h.HandleCancel)
	r.Post("/rentals/{rental_id}/sync", h.HandleManualSync)
	r.Put("/rentals/{rental_id}/auto-refresh", h.HandleAutoRefresh)
	r.Get("/rentals/{rental_id}/messages", h.HandleListMessages)
	r.Get("/rentals/{rental_id}/messages/export", h.HandleExport)
	r.Get("/providers/{provider_name}/catalog", h.HandleCatalog)
}

func (h *RentalHandler) requestLogger(r *http.Request) *slog.Logger {
	return h.logger.With("request_id", chi_middleware.GetReqID(r.Context()))
}

func (h *RentalHandler) rentalID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "rental_id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid rental id", false)
		return uuid.Nil, false
	}
	return id, true
}

func (h *RentalHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dest any) bool {
	ctx := r.Context()
	logger := h.requestLogger(r)

	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		logger.WarnContext(ctx, "Failed to decode request JSON", "error", err)
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), false)
		return false
	}
	if err := h.validate.StructCtx(ctx, dest); err != nil {
		logger.WarnContext(ctx, "Request validation failed", "error", err)
		writeJSONError(w, http.StatusBadRequest, "validation failed: "+err.Error(), false)
		return false
	}
	return true
}

func (h *RentalHandler) HandleRent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	var req RentRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	providerName := domain.ProviderName(req.Provider)
	if !domain.IsKnownProvider(providerName) {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", req.Provider), false)
		return
	}

	rental, err := h.app.Rent(ctx, providerName, req.Service, req.Country, time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		logger.WarnContext(ctx, "Rent failed", "provider", req.Provider, "error", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRentalResponse(rental))
}

func (h *RentalHandler) HandleExtend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	id, ok := h.rentalID(w, r)
	if !ok {
		return
	}
	var req ExtendRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	rental, err := h.app.Extend(ctx, id, time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		logger.WarnContext(ctx, "Extend failed", "rental_id", id, "error", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toRentalResponse(rental))
}

func (h *RentalHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	id, ok := h.rentalID(w, r)
	if !ok {
		return
	}

	if err := h.app.Cancel(ctx, id); err != nil {
		logger.WarnContext(ctx, "Cancel failed", "rental_id", id, "error", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func (h *RentalHandler) HandleManualSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	id, ok := h.rentalID(w, r)
	if !ok {
		return
	}

	result, err := h.sync.SyncRental(ctx, id)
	if err != nil {
		logger.WarnContext(ctx, "Manual sync failed", "rental_id", id, "error", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SyncResponse{RentalID: result.RentalID.String(), NewMessages: result.NewMessages})
}

func (h *RentalHandler) HandleAutoRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	id, ok := h.rentalID(w, r)
	if !ok {
		return
	}
	var req AutoRefreshRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.sync.ToggleAutoRefresh(ctx, id, *req.Enabled); err != nil {
		logger.WarnContext(ctx, "Auto-refresh toggle failed", "rental_id", id, "enabled", *req.Enabled, "error", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

func (h *RentalHandler) HandleListRentals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	rentals, err := h.app.ListActive(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "Listing rentals failed", "error", err)
		writeDomainError(w, err)
		return
	}

	out := make([]RentalResponse, 0, len(rentals))
	for i := range rentals {
		out = append(out, toRentalResponse(&rentals[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *RentalHandler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	id, ok := h.rentalID(w, r)
	if !ok {
		return
	}

	msgs, err := h.app.ListMessages(ctx, id)
	if err != nil {
		logger.ErrorContext(ctx, "Listing messages failed", "rental_id", id, "error", err)
		writeDomainError(w, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *RentalHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	id, ok := h.rentalID(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "rental_"+id.String()+"_messages.csv"))
	if err := h.exporter.ExportMessagesCSV(ctx, id, w); err != nil {
		// Headers may already be out; all we can do is log.
		logger.ErrorContext(ctx, "Export failed", "rental_id", id, "error", err)
	}
}

func (h *RentalHandler) HandleCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	providerName := domain.ProviderName(chi.URLParam(r, "provider_name"))
	if !domain.IsKnownProvider(providerName) {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", providerName), false)
		return
	}

	catalog, err := h.app.Catalog(ctx, providerName)
	if err != nil {
		logger.ErrorContext(ctx, "Catalog fetch failed", "provider", providerName, "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, catalog)
}

// --- helpers ---

func toRentalResponse(r *domain.Rental) RentalResponse {
	return RentalResponse{
		ID:          r.ID.String(),
		PhoneNumber: r.PhoneNumber,
		Provider:    string(r.Provider),
		Status:      string(r.Status),
		AutoRenew:   r.AutoRenew,
		CreatedAt:   r.CreatedAt,
		EndDate:     r.EndDate,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string, retryable bool) {
	writeJSON(w, status, ErrorResponse{Error: msg, Retryable: retryable})
}

// writeDomainError maps the error taxonomy to HTTP statuses. Transient
// kinds are flagged retryable so the UI can offer a retry action.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "rental not found", false)
	case errors.Is(err, domain.ErrInvalidRental):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error(), false)
	case errors.Is(err, domain.ErrSyncBackoff), errors.Is(err, domain.ErrRateLimited):
		writeJSONError(w, http.StatusTooManyRequests, err.Error(), true)
	case errors.Is(err, domain.ErrProviderUnavailable), errors.Is(err, domain.ErrParse):
		writeJSONError(w, http.StatusBadGateway, err.Error(), true)
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error(), true)
	}
}
