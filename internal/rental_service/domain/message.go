package domain

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// MessageSource records which transport produced a stored message.
type MessageSource string

const (
	SourceAPI      MessageSource = "api"
	SourceScraping MessageSource = "scraping"
)

// Message is one inbound SMS attributed to a rental. The tuple
// (RentalID, Sender, Body) is unique in the store: re-observing the same
// text from the same sender on the same rental must not create a second
// row, regardless of which source reported it.
type Message struct {
	ID            uuid.UUID      `json:"id"`
	RentalID      uuid.UUID      `json:"rental_id"`
	Sender        string         `json:"sender"`
	Body          string         `json:"body"`
	ReceivedAt    time.Time      `json:"received_at"`
	Source        MessageSource  `json:"source"`
	RawSnapshot   sql.NullString `json:"raw_snapshot,omitempty"`    // scraping only: HTML fragment the row was parsed from
	LastScrapedAt sql.NullTime   `json:"last_scraped_at,omitempty"` // scraping only: refreshed when the same text is re-observed
}

// NewMessage creates a Message in canonical shape. Adapters must route all
// provider output through this constructor so nothing provider-native
// leaks past the adapter boundary.
func NewMessage(rentalID uuid.UUID, sender, body string, receivedAt time.Time, source MessageSource) *Message {
	m := &Message{
		ID:         uuid.New(),
		RentalID:   rentalID,
		Sender:     sender,
		Body:       body,
		ReceivedAt: receivedAt.UTC(),
		Source:     source,
	}
	if source == SourceScraping {
		m.LastScrapedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}
	return m
}
