package app

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/numrent/numrent/internal/rental_service/repository"
)

// ExportService renders a rental's messages as a delimited table for
// download. It has no network effect: it only reads the message store.
type ExportService struct {
	messages repository.MessageRepository
	logger   *slog.Logger
}

func NewExportService(messages repository.MessageRepository, logger *slog.Logger) *ExportService {
	return &ExportService{
		messages: messages,
		logger:   logger.With("component", "export_service"),
	}
}

// ExportMessagesCSV writes the rental's messages to w as CSV, newest
// first, matching the store's read order.
func (s *ExportService) ExportMessagesCSV(ctx context.Context, rentalID uuid.UUID, w io.Writer) error {
	msgs, err := s.messages.ListByRental(ctx, rentalID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to read messages for export", "rental_id", rentalID, "error", err)
		return fmt.Errorf("fetching messages for export failed: %w", err)
	}

	writer := csv.NewWriter(w)

	header := []string{"sender", "body", "received_at", "source"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("writing CSV header failed: %w", err)
	}

	for _, msg := range msgs {
		row := []string{
			msg.Sender,
			msg.Body,
			msg.ReceivedAt.Format(time.RFC3339),
			string(msg.Source),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("writing CSV row failed: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("csv writer error: %w", err)
	}

	s.logger.InfoContext(ctx, "Exported rental messages", "rental_id", rentalID, "num_records", len(msgs))
	return nil
}
