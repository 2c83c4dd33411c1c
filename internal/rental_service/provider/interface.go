package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/numrent/numrent/internal/rental_service/domain"
)

// DefaultTimeout bounds every adapter call; a timeout is treated the same
// as a provider error for backoff purposes.
const DefaultTimeout = 10 * time.Second

// SMSProvider is the uniform contract every external source is adapted to.
// Implementations must normalize all output to the canonical Rental and
// Message shapes and the shared error taxonomy before returning; nothing
// provider-native crosses this boundary.
type SMSProvider interface {
	Name() domain.ProviderName

	// Rent leases a number for the given service/country. The duration is a
	// hint; providers with fixed windows may return a different end date.
	Rent(ctx context.Context, service, country string, duration time.Duration) (*domain.Rental, error)

	// Extend pushes the rental's expiry forward and returns the new end date.
	Extend(ctx context.Context, rental *domain.Rental, duration time.Duration) (time.Time, error)

	// Cancel releases the number at the provider.
	Cancel(ctx context.Context, rental *domain.Rental) error

	// FetchMessages returns the rental's current provider-side mailbox in the
	// order the provider reports it. It is idempotent: with no new messages
	// the result deduplicates to zero inserts.
	FetchMessages(ctx context.Context, rental *domain.Rental) ([]domain.Message, error)

	// Catalog returns the provider's service/country reference data.
	Catalog(ctx context.Context) (*domain.Catalog, error)

	// SupportsPolling reports whether the provider keeps delivering messages
	// over the rental's lifetime, making continuous auto-refresh meaningful.
	SupportsPolling() bool
}

// Registry maps provider names to adapters.
type Registry map[domain.ProviderName]SMSProvider

// classifyTransportError maps a client-side HTTP error (nil response) to
// the taxonomy. Timeouts and connection failures are both unavailability;
// the distinction only matters for logging, which keeps the cause.
func classifyTransportError(p domain.ProviderName, err error) error {
	return domain.NewProviderError(p, domain.ErrProviderUnavailable, err)
}

// classifyStatusCode maps a non-2xx provider response to the taxonomy.
func classifyStatusCode(p domain.ProviderName, status int, cause error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.NewProviderError(p, domain.ErrRateLimited, cause)
	case status >= 400 && status < 500:
		return domain.NewProviderError(p, domain.ErrInvalidRental, cause)
	default:
		return domain.NewProviderError(p, domain.ErrProviderUnavailable, cause)
	}
}

func defaultedClient(c *http.Client) *http.Client {
	if c == nil {
		return &http.Client{Timeout: DefaultTimeout}
	}
	return c
}
