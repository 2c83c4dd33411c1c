package domain

import "time"

// CatalogService is one rentable service (e.g. "telegram") offered by a
// provider, with its display name and unit price in the provider's
// currency. Pricing is static reference data consumed as-is.
type CatalogService struct {
	Code  string  `json:"code"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// CatalogCountry is one country a provider can issue numbers in.
type CatalogCountry struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Catalog is the read-only service/country reference data for a provider.
// Refreshed on a long interval; a built-in static table is served when the
// provider is unreachable.
type Catalog struct {
	Provider  ProviderName     `json:"provider"`
	Services  []CatalogService `json:"services"`
	Countries []CatalogCountry `json:"countries"`
	FetchedAt time.Time        `json:"fetched_at"`
	Fallback  bool             `json:"fallback"` // true when served from the static table
}
