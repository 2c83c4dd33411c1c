package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProviderName identifies one of the external SMS-number sources.
type ProviderName string

const (
	ProviderSMSPVA           ProviderName = "smspva"
	ProviderFiveSim          ProviderName = "five_sim"
	ProviderSMSActivate      ProviderName = "sms_activate"
	ProviderOnlineSim        ProviderName = "onlinesim"
	ProviderReceiveSMSOnline ProviderName = "receive_sms_online"
)

// KnownProviders lists every supported provider in display order.
var KnownProviders = []ProviderName{
	ProviderSMSPVA,
	ProviderFiveSim,
	ProviderSMSActivate,
	ProviderOnlineSim,
	ProviderReceiveSMSOnline,
}

// IsKnownProvider reports whether name is one of the supported providers.
func IsKnownProvider(name ProviderName) bool {
	for _, p := range KnownProviders {
		if p == name {
			return true
		}
	}
	return false
}

// RentalStatus represents the lifecycle state of a rented number.
type RentalStatus string

const (
	RentalStatusActive   RentalStatus = "active"
	RentalStatusExpired  RentalStatus = "expired"
	RentalStatusCanceled RentalStatus = "canceled"
)

// Rental represents a leased virtual phone number. Rentals are never
// physically deleted; a cancel or expiry is a status transition so
// historical messages keep a valid parent row.
type Rental struct {
	ID          uuid.UUID     `json:"id"`
	PhoneNumber string        `json:"phone_number"`
	Provider    ProviderName  `json:"provider"`
	ExternalRef string        `json:"external_ref"` // provider-side booking/order id; empty means the rent call never completed
	Assignee    uuid.NullUUID `json:"assignee,omitempty"`
	Status      RentalStatus  `json:"status"`
	AutoRenew   bool          `json:"auto_renew"`
	CreatedAt   time.Time     `json:"created_at"`
	EndDate     time.Time     `json:"end_date"`
}

// NewRental creates an active Rental from a provider-confirmed rent result.
func NewRental(id uuid.UUID, phoneNumber string, provider ProviderName, externalRef string, endDate time.Time) *Rental {
	now := time.Now().UTC()
	if endDate.Before(now) {
		endDate = now
	}
	return &Rental{
		ID:          id,
		PhoneNumber: phoneNumber,
		Provider:    provider,
		ExternalRef: externalRef,
		Status:      RentalStatusActive,
		CreatedAt:   now,
		EndDate:     endDate,
	}
}

// Syncable reports whether this rental is a valid sync target: it must be
// active and must carry the provider-side reference obtained on rent.
func (r *Rental) Syncable() bool {
	return r.Status == RentalStatusActive && r.ExternalRef != ""
}
