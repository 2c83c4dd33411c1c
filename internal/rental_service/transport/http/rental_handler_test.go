package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numrent/numrent/internal/rental_service/app"
	"github.com/numrent/numrent/internal/rental_service/domain"
)

type stubApp struct {
	rental      *domain.Rental
	rentErr     error
	extendErr   error
	cancelErr   error
	listErr     error
	messages    []domain.Message
	messagesErr error
	catalog     *domain.Catalog
	catalogErr  error
}

func (s *stubApp) Rent(ctx context.Context, providerName domain.ProviderName, service, country string, duration time.Duration) (*domain.Rental, error) {
	return s.rental, s.rentErr
}

func (s *stubApp) Extend(ctx context.Context, id uuid.UUID, duration time.Duration) (*domain.Rental, error) {
	return s.rental, s.extendErr
}

func (s *stubApp) Cancel(ctx context.Context, id uuid.UUID) error { return s.cancelErr }

func (s *stubApp) ListActive(ctx context.Context) ([]domain.Rental, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	if s.rental != nil {
		return []domain.Rental{*s.rental}, nil
	}
	return nil, nil
}

func (s *stubApp) ListMessages(ctx context.Context, rentalID uuid.UUID) ([]domain.Message, error) {
	return s.messages, s.messagesErr
}

func (s *stubApp) Catalog(ctx context.Context, providerName domain.ProviderName) (*domain.Catalog, error) {
	return s.catalog, s.catalogErr
}

type stubSync struct {
	result  app.SyncResult
	syncErr error
	toggled []bool
	togErr  error
}

func (s *stubSync) SyncRental(ctx context.Context, id uuid.UUID) (app.SyncResult, error) {
	return s.result, s.syncErr
}

func (s *stubSync) ToggleAutoRefresh(ctx context.Context, id uuid.UUID, on bool) error {
	s.toggled = append(s.toggled, on)
	return s.togErr
}

type stubExporter struct {
	content string
	err     error
}

func (s *stubExporter) ExportMessagesCSV(ctx context.Context, rentalID uuid.UUID, w io.Writer) error {
	if s.err != nil {
		return s.err
	}
	_, err := io.WriteString(w, s.content)
	return err
}

func newTestRouter(appStub *stubApp, syncStub *stubSync, exporter *stubExporter) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewRentalHandler(appStub, syncStub, exporter, logger, validator.New())
	return NewRouter(handler, nil)
}

func activeRental() *domain.Rental {
	return &domain.Rental{
		ID:          uuid.New(),
		PhoneNumber: "+15550001111",
		Provider:    domain.ProviderSMSPVA,
		ExternalRef: "ext-1",
		Status:      domain.RentalStatusActive,
		CreatedAt:   time.Now().UTC(),
		EndDate:     time.Now().UTC().Add(time.Hour),
	}
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleRent(t *testing.T) {
	rental := activeRental()
	router := newTestRouter(&stubApp{rental: rental}, &stubSync{}, &stubExporter{})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/rentals",
		`{"provider": "smspva", "service": "google", "country": "US", "duration_minutes": 60}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp RentalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, rental.ID.String(), resp.ID)
	assert.Equal(t, "smspva", resp.Provider)
	assert.Equal(t, "active", resp.Status)
}

func TestHandleRentValidation(t *testing.T) {
	router := newTestRouter(&stubApp{}, &stubSync{}, &stubExporter{})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/rentals", `{"provider": "smspva"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/rentals",
		`{"provider": "nope", "service": "google", "country": "US", "duration_minutes": 60}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRentProviderUnavailable(t *testing.T) {
	stub := &stubApp{rentErr: fmt.Errorf("%w: %w", app.ErrRentFailed,
		domain.NewProviderError(domain.ProviderSMSPVA, domain.ErrProviderUnavailable, fmt.Errorf("down")))}
	router := newTestRouter(stub, &stubSync{}, &stubExporter{})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/rentals",
		`{"provider": "smspva", "service": "google", "country": "US", "duration_minutes": 60}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Retryable)
}

func TestHandleManualSync(t *testing.T) {
	id := uuid.New()
	syncStub := &stubSync{result: app.SyncResult{RentalID: id, NewMessages: 3}}
	router := newTestRouter(&stubApp{}, syncStub, &stubExporter{})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/rentals/"+id.String()+"/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id.String(), resp.RentalID)
	assert.Equal(t, 3, resp.NewMessages)
}

func TestHandleManualSyncBackoff(t *testing.T) {
	syncStub := &stubSync{syncErr: fmt.Errorf("%w until 2025-06-01T12:05:00Z", domain.ErrSyncBackoff)}
	router := newTestRouter(&stubApp{}, syncStub, &stubExporter{})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/rentals/"+uuid.NewString()+"/sync", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Retryable)
}

func TestHandleManualSyncNotFound(t *testing.T) {
	router := newTestRouter(&stubApp{}, &stubSync{syncErr: domain.ErrNotFound}, &stubExporter{})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/rentals/"+uuid.NewString()+"/sync", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleManualSyncInvalidRental(t *testing.T) {
	syncStub := &stubSync{syncErr: domain.NewProviderError(domain.ProviderSMSPVA, domain.ErrInvalidRental, fmt.Errorf("canceled"))}
	router := newTestRouter(&stubApp{}, syncStub, &stubExporter{})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/rentals/"+uuid.NewString()+"/sync", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestInvalidRentalIDReturns400(t *testing.T) {
	router := newTestRouter(&stubApp{}, &stubSync{}, &stubExporter{})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/rentals/not-a-uuid/sync", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAutoRefresh(t *testing.T) {
	syncStub := &stubSync{}
	router := newTestRouter(&stubApp{}, syncStub, &stubExporter{})
	id := uuid.NewString()

	rec := doRequest(t, router, http.MethodPut, "/api/v1/rentals/"+id+"/auto-refresh", `{"enabled": true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodPut, "/api/v1/rentals/"+id+"/auto-refresh", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []bool{true, false}, syncStub.toggled)

	// Missing "enabled" fails validation.
	rec = doRequest(t, router, http.MethodPut, "/api/v1/rentals/"+id+"/auto-refresh", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListRentals(t *testing.T) {
	rental := activeRental()
	router := newTestRouter(&stubApp{rental: rental}, &stubSync{}, &stubExporter{})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/rentals", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []RentalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, rental.PhoneNumber, resp[0].PhoneNumber)
}

func TestHandleListMessagesEmptyIsArray(t *testing.T) {
	router := newTestRouter(&stubApp{}, &stubSync{}, &stubExporter{})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/rentals/"+uuid.NewString()+"/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestHandleExport(t *testing.T) {
	exporter := &stubExporter{content: "sender,body,received_at,source\n"}
	router := newTestRouter(&stubApp{}, &stubSync{}, exporter)
	id := uuid.NewString()

	rec := doRequest(t, router, http.MethodGet, "/api/v1/rentals/"+id+"/messages/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), id)
	assert.Contains(t, rec.Body.String(), "sender,body")
}

func TestHandleCatalog(t *testing.T) {
	catalog := &domain.Catalog{
		Provider: domain.ProviderSMSPVA,
		Services: []domain.CatalogService{{Code: "google", Name: "Google", Price: 0.25}},
	}
	router := newTestRouter(&stubApp{catalog: catalog}, &stubSync{}, &stubExporter{})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/providers/smspva/catalog", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.Catalog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Services, 1)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/providers/unknown/catalog", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthzWithoutDatabase(t *testing.T) {
	router := newTestRouter(&stubApp{}, &stubSync{}, &stubExporter{})

	rec := doRequest(t, router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
