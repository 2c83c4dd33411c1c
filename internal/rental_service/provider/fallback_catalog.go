package provider

import (
	"time"

	"github.com/numrent/numrent/internal/rental_service/domain"
)

// Static built-in catalogs served when a provider is unreachable. The data
// is intentionally small: enough for rent forms to keep working until the
// live catalog refresh succeeds again.
var staticServices = []domain.CatalogService{
	{Code: "telegram", Name: "Telegram", Price: 0.30},
	{Code: "whatsapp", Name: "WhatsApp", Price: 0.45},
	{Code: "google", Name: "Google / Gmail", Price: 0.25},
	{Code: "facebook", Name: "Facebook", Price: 0.20},
	{Code: "other", Name: "Any other service", Price: 0.15},
}

var staticCountries = []domain.CatalogCountry{
	{Code: "us", Name: "United States"},
	{Code: "gb", Name: "United Kingdom"},
	{Code: "de", Name: "Germany"},
	{Code: "fr", Name: "France"},
	{Code: "nl", Name: "Netherlands"},
	{Code: "pl", Name: "Poland"},
}

// StaticCatalog returns the built-in fallback catalog for a provider.
func StaticCatalog(name domain.ProviderName) *domain.Catalog {
	return &domain.Catalog{
		Provider:  name,
		Services:  staticServices,
		Countries: staticCountries,
		FetchedAt: time.Now().UTC(),
		Fallback:  true,
	}
}
