package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/numrent/numrent/internal/rental_service/domain"
)

// RentalRepository is the source of truth for rented numbers. Rows reflect
// provider-confirmed state only; there are no optimistic entries.
type RentalRepository interface {
	Create(ctx context.Context, rental *domain.Rental) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Rental, error)
	// ListActive returns rentals whose status is active, by construction
	// excluding canceled and expired rows. This is the scheduling input set.
	ListActive(ctx context.Context) ([]domain.Rental, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.RentalStatus) error
	TouchExpiry(ctx context.Context, id uuid.UUID, newEnd time.Time) error
}

// MessageRepository is the append-only, deduplicated message store.
type MessageRepository interface {
	// Upsert persists a message idempotently on the composite key
	// (rental_id, sender, body). It reports whether a new row was inserted.
	Upsert(ctx context.Context, msg *domain.Message) (inserted bool, err error)
	// ListByRental returns a rental's messages ordered by received time,
	// most recent first.
	ListByRental(ctx context.Context, rentalID uuid.UUID) ([]domain.Message, error)
}
