package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/numrent/numrent/internal/rental_service/domain"
)

// SMSActivateProvider adapts the sms-activate.org handler API. Responses
// are plain text in the form "STATUS[:field[:field]]" rather than JSON.
type SMSActivateProvider struct {
	logger     *slog.Logger
	httpClient *http.Client
	apiURL     string
	apiKey     string
}

func NewSMSActivateProvider(logger *slog.Logger, apiURL, apiKey string, httpClient *http.Client) *SMSActivateProvider {
	return &SMSActivateProvider{
		logger:     logger.With("provider", "sms_activate"),
		httpClient: defaultedClient(httpClient),
		apiURL:     apiURL,
		apiKey:     apiKey,
	}
}

func (p *SMSActivateProvider) Name() domain.ProviderName { return domain.ProviderSMSActivate }

// sms-activate activations complete once the first code arrives, so a
// continuous auto-refresh tick has nothing further to deliver.
func (p *SMSActivateProvider) SupportsPolling() bool { return false }

func (p *SMSActivateProvider) call(ctx context.Context, params url.Values) (string, error) {
	params.Set("api_key", p.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", domain.NewProviderError(p.Name(), domain.ErrProviderUnavailable, err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError(p.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", domain.NewProviderError(p.Name(), domain.ErrProviderUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatusCode(p.Name(), resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200)))
	}

	text := strings.TrimSpace(string(body))
	switch text {
	case "BAD_KEY", "BAD_ACTION":
		return "", domain.NewProviderError(p.Name(), domain.ErrInvalidRental, fmt.Errorf("handler api: %s", text))
	case "NO_NUMBERS", "NO_BALANCE":
		return "", domain.NewProviderError(p.Name(), domain.ErrProviderUnavailable, fmt.Errorf("handler api: %s", text))
	}
	return text, nil
}

func (p *SMSActivateProvider) Rent(ctx context.Context, service, country string, duration time.Duration) (*domain.Rental, error) {
	params := url.Values{}
	params.Set("action", "getNumber")
	params.Set("service", service)
	params.Set("country", country)

	text, err := p.call(ctx, params)
	if err != nil {
		return nil, err
	}

	// Expected: ACCESS_NUMBER:<activation id>:<phone number>
	parts := strings.Split(text, ":")
	if len(parts) != 3 || parts[0] != "ACCESS_NUMBER" {
		return nil, domain.NewProviderError(p.Name(), domain.ErrParse, fmt.Errorf("unexpected getNumber reply %q", text))
	}

	rental := domain.NewRental(uuid.New(), parts[2], p.Name(), parts[1], time.Now().UTC().Add(duration))
	p.logger.InfoContext(ctx, "Rented number via sms-activate", "phone_number", rental.PhoneNumber, "external_ref", rental.ExternalRef)
	return rental, nil
}

func (p *SMSActivateProvider) Extend(ctx context.Context, rental *domain.Rental, duration time.Duration) (time.Time, error) {
	if rental.ExternalRef == "" {
		return time.Time{}, domain.NewProviderError(p.Name(), domain.ErrInvalidRental, nil)
	}
	params := url.Values{}
	params.Set("action", "setStatus")
	params.Set("status", "3") // request another SMS, which keeps the activation open
	params.Set("id", rental.ExternalRef)

	if _, err := p.call(ctx, params); err != nil {
		return time.Time{}, err
	}
	newEnd := rental.EndDate.Add(duration)
	p.logger.InfoContext(ctx, "Extended sms-activate activation", "external_ref", rental.ExternalRef, "new_end", newEnd)
	return newEnd, nil
}

func (p *SMSActivateProvider) Cancel(ctx context.Context, rental *domain.Rental) error {
	if rental.ExternalRef == "" {
		return domain.NewProviderError(p.Name(), domain.ErrInvalidRental, nil)
	}
	params := url.Values{}
	params.Set("action", "setStatus")
	params.Set("status", "8") // cancel activation
	params.Set("id", rental.ExternalRef)

	if _, err := p.call(ctx, params); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "Canceled sms-activate activation", "external_ref", rental.ExternalRef)
	return nil
}

func (p *SMSActivateProvider) FetchMessages(ctx context.Context, rental *domain.Rental) ([]domain.Message, error) {
	if rental.ExternalRef == "" {
		return nil, domain.NewProviderError(p.Name(), domain.ErrInvalidRental, nil)
	}
	params := url.Values{}
	params.Set("action", "getFullSms")
	params.Set("id", rental.ExternalRef)

	text, err := p.call(ctx, params)
	if err != nil {
		return nil, err
	}

	switch {
	case text == "STATUS_WAIT_CODE":
		// Nothing arrived yet; an empty fetch is not an error.
		return nil, nil
	case strings.HasPrefix(text, "FULL_SMS:"):
		body := strings.TrimPrefix(text, "FULL_SMS:")
		// The handler API does not expose the sender; the activation id is
		// the only stable label for the dedup key.
		msg := domain.NewMessage(rental.ID, rental.ExternalRef, body, time.Now().UTC(), domain.SourceAPI)
		return []domain.Message{*msg}, nil
	default:
		return nil, domain.NewProviderError(p.Name(), domain.ErrParse, fmt.Errorf("unexpected getFullSms reply %q", text))
	}
}

func (p *SMSActivateProvider) Catalog(ctx context.Context) (*domain.Catalog, error) {
	// The handler API's price dump is keyed by numeric country id with
	// per-service maps; the product only needs the static service table and
	// refreshes live pricing elsewhere.
	params := url.Values{}
	params.Set("action", "getNumbersStatus")
	if _, err := p.call(ctx, params); err != nil {
		return nil, err
	}
	catalog := StaticCatalog(p.Name())
	catalog.Fallback = false
	catalog.FetchedAt = time.Now().UTC()
	return catalog, nil
}
