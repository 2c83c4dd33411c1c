package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/numrent/numrent/internal/rental_service/domain"
	"github.com/numrent/numrent/internal/rental_service/repository"
)

type PgRentalRepository struct {
	db     Querier
	logger *slog.Logger
}

func NewPgRentalRepository(db Querier, logger *slog.Logger) repository.RentalRepository {
	return &PgRentalRepository{db: db, logger: logger.With("component", "rental_repository_pg")}
}

func (r *PgRentalRepository) Create(ctx context.Context, rental *domain.Rental) error {
	query := `
		INSERT INTO rentals (id, phone_number, provider, external_ref, status, auto_renew, created_at, end_date, assignee)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query,
		rental.ID,
		rental.PhoneNumber,
		rental.Provider,
		rental.ExternalRef,
		rental.Status,
		rental.AutoRenew,
		rental.CreatedAt,
		rental.EndDate,
		rental.Assignee,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error inserting rental", "error", err, "rental_id", rental.ID, "provider", rental.Provider)
		return fmt.Errorf("inserting rental: %w", err)
	}
	r.logger.InfoContext(ctx, "Rental created", "rental_id", rental.ID, "provider", rental.Provider, "phone_number", rental.PhoneNumber)
	return nil
}

func (r *PgRentalRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Rental, error) {
	query := `
		SELECT id, phone_number, provider, external_ref, status, auto_renew, created_at, end_date, assignee
		FROM rentals
		WHERE id = $1
	`
	var rental domain.Rental
	err := r.db.QueryRow(ctx, query, id).Scan(
		&rental.ID,
		&rental.PhoneNumber,
		&rental.Provider,
		&rental.ExternalRef,
		&rental.Status,
		&rental.AutoRenew,
		&rental.CreatedAt,
		&rental.EndDate,
		&rental.Assignee,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting rental by id", "error", err, "rental_id", id)
		return nil, fmt.Errorf("getting rental %s: %w", id, err)
	}
	return &rental, nil
}

func (r *PgRentalRepository) ListActive(ctx context.Context) ([]domain.Rental, error) {
	query := `
		SELECT id, phone_number, provider, external_ref, status, auto_renew, created_at, end_date, assignee
		FROM rentals
		WHERE status = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, domain.RentalStatusActive)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing active rentals", "error", err)
		return nil, fmt.Errorf("listing active rentals: %w", err)
	}
	defer rows.Close()

	var rentals []domain.Rental
	for rows.Next() {
		var rental domain.Rental
		if err := rows.Scan(
			&rental.ID,
			&rental.PhoneNumber,
			&rental.Provider,
			&rental.ExternalRef,
			&rental.Status,
			&rental.AutoRenew,
			&rental.CreatedAt,
			&rental.EndDate,
			&rental.Assignee,
		); err != nil {
			return nil, fmt.Errorf("scanning rental row: %w", err)
		}
		rentals = append(rentals, rental)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rental rows: %w", err)
	}
	return rentals, nil
}

func (r *PgRentalRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.RentalStatus) error {
	query := `UPDATE rentals SET status = $1 WHERE id = $2`
	tag, err := r.db.Exec(ctx, query, status, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating rental status", "error", err, "rental_id", id, "status", status)
		return fmt.Errorf("updating rental status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	r.logger.InfoContext(ctx, "Rental status updated", "rental_id", id, "status", status)
	return nil
}

func (r *PgRentalRepository) TouchExpiry(ctx context.Context, id uuid.UUID, newEnd time.Time) error {
	query := `UPDATE rentals SET end_date = $1 WHERE id = $2`
	tag, err := r.db.Exec(ctx, query, newEnd, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error touching rental expiry", "error", err, "rental_id", id)
		return fmt.Errorf("touching rental expiry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
