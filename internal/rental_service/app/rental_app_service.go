package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/numrent/numrent/internal/rental_service/domain"
	"github.com/numrent/numrent/internal/rental_service/provider"
	"github.com/numrent/numrent/internal/rental_service/repository"
)

// Operation-level failures surfaced to consumers. The adapter-level cause
// stays wrapped underneath for logs and retry classification.
var (
	ErrRentFailed   = errors.New("rental failed")
	ErrExtendFailed = errors.New("extend failed")
	ErrCancelFailed = errors.New("cancel failed")
)

// Cache is the advisory read-through cache the service consults before
// hitting the registry or a provider. Implementations must never block a
// fetch: a miss or backend error simply returns false.
type Cache interface {
	Get(ctx context.Context, key string, dest any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	Invalidate(ctx context.Context, keys ...string)
}

const rentalListCacheKey = "rentals:active"

func catalogCacheKey(name domain.ProviderName) string {
	return "catalog:" + string(name)
}

// RentalServiceConfig holds cache TTLs.
type RentalServiceConfig struct {
	RentalListTTL time.Duration
	CatalogTTL    time.Duration
}

func (c *RentalServiceConfig) applyDefaults() {
	if c.RentalListTTL <= 0 {
		c.RentalListTTL = 5 * time.Minute
	}
	if c.CatalogTTL <= 0 {
		c.CatalogTTL = time.Hour
	}
}

// RentalService implements the rent/extend/cancel operations and the
// cached read paths. Writes go through the providers first so the registry
// only ever reflects provider-confirmed state.
type RentalService struct {
	rentals   repository.RentalRepository
	messages  repository.MessageRepository
	providers provider.Registry
	cache     Cache // may be nil
	scheduler *SyncScheduler
	logger    *slog.Logger
	cfg       RentalServiceConfig
}

func NewRentalService(
	rentals repository.RentalRepository,
	messages repository.MessageRepository,
	providers provider.Registry,
	cache Cache,
	scheduler *SyncScheduler,
	logger *slog.Logger,
	cfg RentalServiceConfig,
) *RentalService {
	cfg.applyDefaults()
	return &RentalService{
		rentals:   rentals,
		messages:  messages,
		providers: providers,
		cache:     cache,
		scheduler: scheduler,
		logger:    logger.With("component", "rental_service"),
		cfg:       cfg,
	}
}

func (s *RentalService) adapter(name domain.ProviderName) (provider.SMSProvider, error) {
	adapter, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q: %w", name, domain.ErrNotFound)
	}
	return adapter, nil
}

// Rent leases a number from the given provider and records it as an active
// rental. If the provider confirms but persistence fails, the lease is
// released again best-effort so no provider-side orphan keeps billing.
func (s *RentalService) Rent(ctx context.Context, providerName domain.ProviderName, service, country string, duration time.Duration) (*domain.Rental, error) {
	adapter, err := s.adapter(providerName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRentFailed, err)
	}

	rental, err := adapter.Rent(ctx, service, country, duration)
	if err != nil {
		s.logger.WarnContext(ctx, "Provider rent call failed", "provider", providerName, "service", service, "country", country, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrRentFailed, err)
	}

	if err := s.rentals.Create(ctx, rental); err != nil {
		s.logger.ErrorContext(ctx, "Failed to persist rental, releasing provider lease", "provider", providerName, "external_ref", rental.ExternalRef, "error", err)
		if cancelErr := adapter.Cancel(ctx, rental); cancelErr != nil {
			s.logger.WarnContext(ctx, "Best-effort lease release failed", "provider", providerName, "external_ref", rental.ExternalRef, "error", cancelErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrRentFailed, err)
	}

	s.invalidateRentalList(ctx)
	return rental, nil
}

// Extend pushes the rental's expiry forward at the provider and mirrors
// the confirmed end date into the registry.
func (s *RentalService) Extend(ctx context.Context, id uuid.UUID, duration time.Duration) (*domain.Rental, error) {
	rental, err := s.rentals.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtendFailed, err)
	}
	if rental.Status != domain.RentalStatusActive {
		return nil, fmt.Errorf("%w: rental %s is %s", ErrExtendFailed, id, rental.Status)
	}

	adapter, err := s.adapter(rental.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtendFailed, err)
	}

	newEnd, err := adapter.Extend(ctx, rental, duration)
	if err != nil {
		s.logger.WarnContext(ctx, "Provider extend call failed", "rental_id", id, "provider", rental.Provider, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrExtendFailed, err)
	}
	if err := s.rentals.TouchExpiry(ctx, id, newEnd); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtendFailed, err)
	}

	rental.EndDate = newEnd
	s.invalidateRentalList(ctx)
	s.logger.InfoContext(ctx, "Rental extended", "rental_id", id, "new_end", newEnd)
	return rental, nil
}

// Cancel releases the number at the provider and transitions the rental to
// canceled. The rental row and its messages are kept. Canceling an already
// canceled rental is a no-op.
func (s *RentalService) Cancel(ctx context.Context, id uuid.UUID) error {
	rental, err := s.rentals.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCancelFailed, err)
	}
	if rental.Status == domain.RentalStatusCanceled {
		return nil
	}

	// A rental that never got a provider reference has nothing to release
	// remotely; it still transitions locally.
	if rental.ExternalRef != "" {
		adapter, err := s.adapter(rental.Provider)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCancelFailed, err)
		}
		if err := adapter.Cancel(ctx, rental); err != nil {
			s.logger.WarnContext(ctx, "Provider cancel call failed", "rental_id", id, "provider", rental.Provider, "error", err)
			return fmt.Errorf("%w: %w", ErrCancelFailed, err)
		}
	}

	if err := s.rentals.UpdateStatus(ctx, id, domain.RentalStatusCanceled); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelFailed, err)
	}

	s.scheduler.StopAutoRefresh(id)
	s.invalidateRentalList(ctx)
	s.logger.InfoContext(ctx, "Rental canceled", "rental_id", id, "provider", rental.Provider)
	return nil
}

// ListActive returns the active rentals through the read-through cache.
func (s *RentalService) ListActive(ctx context.Context) ([]domain.Rental, error) {
	var cached []domain.Rental
	if s.cache != nil && s.cache.Get(ctx, rentalListCacheKey, &cached) {
		return cached, nil
	}

	rentals, err := s.rentals.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, rentalListCacheKey, rentals, s.cfg.RentalListTTL)
	}
	return rentals, nil
}

// GetRental returns one rental by id.
func (s *RentalService) GetRental(ctx context.Context, id uuid.UUID) (*domain.Rental, error) {
	return s.rentals.GetByID(ctx, id)
}

// ListMessages returns a rental's stored messages, newest first.
func (s *RentalService) ListMessages(ctx context.Context, rentalID uuid.UUID) ([]domain.Message, error) {
	return s.messages.ListByRental(ctx, rentalID)
}

// Catalog returns a provider's service/country data: cache first, then the
// provider, then the static built-in table when the provider is
// unreachable. Only live results are cached so the fallback never shadows
// a recovered provider for a full TTL.
func (s *RentalService) Catalog(ctx context.Context, providerName domain.ProviderName) (*domain.Catalog, error) {
	adapter, err := s.adapter(providerName)
	if err != nil {
		return nil, err
	}

	key := catalogCacheKey(providerName)
	var cached domain.Catalog
	if s.cache != nil && s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	catalog, err := adapter.Catalog(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "Provider catalog fetch failed, serving static table", "provider", providerName, "error", err)
		return provider.StaticCatalog(providerName), nil
	}
	if s.cache != nil {
		s.cache.Set(ctx, key, catalog, s.cfg.CatalogTTL)
	}
	return catalog, nil
}

func (s *RentalService) invalidateRentalList(ctx context.Context) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, rentalListCacheKey)
	}
}
