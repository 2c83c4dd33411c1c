package http

import "time"

// RentRequest asks for a new number from one provider.
type RentRequest struct {
	Provider string `json:"provider" validate:"required"`
	Service  string `json:"service" validate:"required"`
	Country  string `json:"country" validate:"required"`
	// DurationMinutes is a hint; providers with fixed windows may return a
	// different end date.
	DurationMinutes int `json:"duration_minutes" validate:"required,gt=0"`
}

// ExtendRequest pushes a rental's expiry forward.
type ExtendRequest struct {
	DurationMinutes int `json:"duration_minutes" validate:"required,gt=0"`
}

// AutoRefreshRequest toggles the per-rental 15s sync tick.
type AutoRefreshRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// SyncResponse reports the outcome of a manual sync trigger.
type SyncResponse struct {
	RentalID    string `json:"rental_id"`
	NewMessages int    `json:"new_messages"`
}

// ErrorResponse is the uniform error body. Retryable tells the consumer
// whether showing a retry action makes sense.
type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// RentalResponse mirrors domain.Rental for API consumers.
type RentalResponse struct {
	ID          string    `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	Provider    string    `json:"provider"`
	Status      string    `json:"status"`
	AutoRenew   bool      `json:"auto_renew"`
	CreatedAt   time.Time `json:"created_at"`
	EndDate     time.Time `json:"end_date"`
}
