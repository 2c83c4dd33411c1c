package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by adapters, store and scheduler. Adapters never
// surface raw transport errors; they wrap them in a ProviderError carrying
// one of these kinds so the scheduler can apply a uniform backoff policy.
var (
	// ErrProviderUnavailable marks transport or network failures. Retried via backoff.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrRateLimited marks provider throttling. Retried with longer backoff.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrInvalidRental marks a rental with no valid external reference or one
	// the provider rejected. Not retried; surfaced immediately.
	ErrInvalidRental = errors.New("invalid rental")
	// ErrParse marks a provider response the adapter could not interpret.
	// Treated as transient and retried.
	ErrParse = errors.New("unparseable provider response")
	// ErrPersistence marks a store write failure. Retried once immediately,
	// then surfaced.
	ErrPersistence = errors.New("persistence failure")

	// ErrNotFound indicates a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrSyncBackoff indicates a manual sync was refused because the rental
	// is still inside its backoff window.
	ErrSyncBackoff = errors.New("rental in backoff window")
)

// ProviderError wraps a failure from a provider adapter with its taxonomy
// kind. errors.Is matches both the kind and the underlying cause.
type ProviderError struct {
	Provider ProviderName
	Kind     error // one of the taxonomy sentinels above
	Err      error // underlying cause, may be nil
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %v: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Kind)
}

func (e *ProviderError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// NewProviderError builds a ProviderError for the given provider and kind.
func NewProviderError(provider ProviderName, kind error, cause error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: cause}
}

// Retryable reports whether a failure kind should be retried via backoff.
// InvalidRental is permanent; everything else is treated as transient.
func Retryable(err error) bool {
	return !errors.Is(err, ErrInvalidRental)
}
