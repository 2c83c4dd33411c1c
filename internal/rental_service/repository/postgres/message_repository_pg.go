package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/numrent/numrent/internal/rental_service/domain"
	"github.com/numrent/numrent/internal/rental_service/repository"
)

type PgMessageRepository struct {
	db     Querier
	logger *slog.Logger
}

func NewPgMessageRepository(db Querier, logger *slog.Logger) repository.MessageRepository {
	return &PgMessageRepository{db: db, logger: logger.With("component", "message_repository_pg")}
}

// Upsert inserts the message, deduplicating on (rental_id, sender, body).
// Conflict policy: the row is never duplicated; the first writer wins on
// source except that an api re-report upgrades a scraping row, and a
// scraping re-observation refreshes last_scraped_at. The (xmax = 0) check
// distinguishes a fresh insert from a conflict update.
func (r *PgMessageRepository) Upsert(ctx context.Context, msg *domain.Message) (bool, error) {
	query := `
		INSERT INTO messages (id, rental_id, sender, body, received_at, source, raw_snapshot, last_scraped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (rental_id, sender, body) DO UPDATE SET
			source = CASE
				WHEN messages.source = 'scraping' AND EXCLUDED.source = 'api' THEN EXCLUDED.source
				ELSE messages.source
			END,
			last_scraped_at = CASE
				WHEN EXCLUDED.source = 'scraping' THEN EXCLUDED.last_scraped_at
				ELSE messages.last_scraped_at
			END
		RETURNING (xmax = 0) AS inserted
	`
	var inserted bool
	err := r.db.QueryRow(ctx, query,
		msg.ID,
		msg.RentalID,
		msg.Sender,
		msg.Body,
		msg.ReceivedAt,
		msg.Source,
		msg.RawSnapshot,
		msg.LastScrapedAt,
	).Scan(&inserted)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error upserting message", "error", err, "rental_id", msg.RentalID, "sender", msg.Sender)
		return false, domain.NewProviderError("", domain.ErrPersistence, err)
	}
	if inserted {
		r.logger.DebugContext(ctx, "Message inserted", "message_id", msg.ID, "rental_id", msg.RentalID, "source", msg.Source)
	}
	return inserted, nil
}

// ListByRental reads a rental's messages newest first. The full-column
// query is tried first; if it fails (e.g. a partially migrated schema on a
// read replica), a minimal-column query answers the same logical read with
// zero values for the optional columns.
func (r *PgMessageRepository) ListByRental(ctx context.Context, rentalID uuid.UUID) ([]domain.Message, error) {
	msgs, err := r.listFull(ctx, rentalID)
	if err == nil {
		return msgs, nil
	}
	r.logger.WarnContext(ctx, "Full message query failed, retrying with minimal columns", "error", err, "rental_id", rentalID)

	msgs, minErr := r.listMinimal(ctx, rentalID)
	if minErr != nil {
		r.logger.ErrorContext(ctx, "Minimal message query failed too", "error", minErr, "rental_id", rentalID)
		return nil, fmt.Errorf("listing messages for rental %s: %w", rentalID, err)
	}
	return msgs, nil
}

func (r *PgMessageRepository) listFull(ctx context.Context, rentalID uuid.UUID) ([]domain.Message, error) {
	query := `
		SELECT id, rental_id, sender, body, received_at, source, raw_snapshot, last_scraped_at
		FROM messages
		WHERE rental_id = $1
		ORDER BY received_at DESC
	`
	rows, err := r.db.Query(ctx, query, rentalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.RentalID, &m.Sender, &m.Body, &m.ReceivedAt, &m.Source, &m.RawSnapshot, &m.LastScrapedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (r *PgMessageRepository) listMinimal(ctx context.Context, rentalID uuid.UUID) ([]domain.Message, error) {
	query := `
		SELECT id, rental_id, sender, body, received_at, source
		FROM messages
		WHERE rental_id = $1
		ORDER BY received_at DESC
	`
	rows, err := r.db.Query(ctx, query, rentalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.RentalID, &m.Sender, &m.Body, &m.ReceivedAt, &m.Source); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
