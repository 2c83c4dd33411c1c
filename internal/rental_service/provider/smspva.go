package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/numrent/numrent/internal/rental_service/domain"
)

// SMSPVAProvider adapts the smspva.com rental API. All calls go to a single
// endpoint with a "metod" query parameter (the provider's own spelling).
type SMSPVAProvider struct {
	logger     *slog.Logger
	httpClient *http.Client
	apiURL     string
	apiKey     string
}

func NewSMSPVAProvider(logger *slog.Logger, apiURL, apiKey string, httpClient *http.Client) *SMSPVAProvider {
	return &SMSPVAProvider{
		logger:     logger.With("provider", "smspva"),
		httpClient: defaultedClient(httpClient),
		apiURL:     apiURL,
		apiKey:     apiKey,
	}
}

func (p *SMSPVAProvider) Name() domain.ProviderName { return domain.ProviderSMSPVA }

func (p *SMSPVAProvider) SupportsPolling() bool { return true }

type smspvaNumberResponse struct {
	Response string `json:"response"` // "1" on success
	Number   string `json:"number"`
	ID       int64  `json:"id"`
	Country  string `json:"country"`
}

type smspvaMessagesResponse struct {
	Response string             `json:"response"`
	Messages []smspvaSMSPayload `json:"messages"`
}

type smspvaSMSPayload struct {
	From string `json:"from"`
	Text string `json:"text"`
	Date string `json:"date"` // "2006-01-02 15:04:05"
}

func (p *SMSPVAProvider) call(ctx context.Context, params url.Values, out any) error {
	params.Set("apikey", p.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return domain.NewProviderError(p.Name(), domain.ErrProviderUnavailable, err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(p.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewProviderError(p.Name(), domain.ErrProviderUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatusCode(p.Name(), resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		p.logger.WarnContext(ctx, "Failed to parse smspva response", "error", err, "body", truncate(body, 200))
		return domain.NewProviderError(p.Name(), domain.ErrParse, err)
	}
	return nil
}

func (p *SMSPVAProvider) Rent(ctx context.Context, service, country string, duration time.Duration) (*domain.Rental, error) {
	params := url.Values{}
	params.Set("metod", "get_number")
	params.Set("service", service)
	params.Set("country", country)

	var out smspvaNumberResponse
	if err := p.call(ctx, params, &out); err != nil {
		return nil, err
	}
	if out.Response != "1" || out.Number == "" {
		return nil, domain.NewProviderError(p.Name(), domain.ErrInvalidRental, fmt.Errorf("rent rejected, response=%q", out.Response))
	}

	rental := domain.NewRental(uuid.New(), out.Number, p.Name(), strconv.FormatInt(out.ID, 10), time.Now().UTC().Add(duration))
	p.logger.InfoContext(ctx, "Rented number via smspva", "phone_number", rental.PhoneNumber, "external_ref", rental.ExternalRef)
	return rental, nil
}

func (p *SMSPVAProvider) Extend(ctx context.Context, rental *domain.Rental, duration time.Duration) (time.Time, error) {
	if rental.ExternalRef == "" {
		return time.Time{}, domain.NewProviderError(p.Name(), domain.ErrInvalidRental, nil)
	}
	params := url.Values{}
	params.Set("metod", "prolong")
	params.Set("id", rental.ExternalRef)

	var out smspvaNumberResponse
	if err := p.call(ctx, params, &out); err != nil {
		return time.Time{}, err
	}
	if out.Response != "1" {
		return time.Time{}, domain.NewProviderError(p.Name(), domain.ErrInvalidRental, fmt.Errorf("extend rejected, response=%q", out.Response))
	}
	newEnd := rental.EndDate.Add(duration)
	p.logger.InfoContext(ctx, "Extended smspva rental", "external_ref", rental.ExternalRef, "new_end", newEnd)
	return newEnd, nil
}

func (p *SMSPVAProvider) Cancel(ctx context.Context, rental *domain.Rental) error {
	if rental.ExternalRef == "" {
		return domain.NewProviderError(p.Name(), domain.ErrInvalidRental, nil)
	}
	params := url.Values{}
	params.Set("metod", "denial")
	params.Set("id", rental.ExternalRef)

	var out smspvaNumberResponse
	if err := p.call(ctx, params, &out); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "Canceled smspva rental", "external_ref", rental.ExternalRef)
	return nil
}

func (p *SMSPVAProvider) FetchMessages(ctx context.Context, rental *domain.Rental) ([]domain.Message, error) {
	if rental.ExternalRef == "" {
		return nil, domain.NewProviderError(p.Name(), domain.ErrInvalidRental, nil)
	}
	params := url.Values{}
	params.Set("metod", "get_sms")
	params.Set("id", rental.ExternalRef)

	var out smspvaMessagesResponse
	if err := p.call(ctx, params, &out); err != nil {
		return nil, err
	}

	msgs := make([]domain.Message, 0, len(out.Messages))
	for _, raw := range out.Messages {
		receivedAt := time.Now().UTC()
		if ts, err := time.Parse("2006-01-02 15:04:05", raw.Date); err == nil {
			receivedAt = ts.UTC()
		}
		msgs = append(msgs, *domain.NewMessage(rental.ID, raw.From, raw.Text, receivedAt, domain.SourceAPI))
	}
	return msgs, nil
}

func (p *SMSPVAProvider) Catalog(ctx context.Context) (*domain.Catalog, error) {
	params := url.Values{}
	params.Set("metod", "get_services")

	var out struct {
		Response string `json:"response"`
		Services []struct {
			Code  string  `json:"code"`
			Name  string  `json:"name"`
			Price float64 `json:"price"`
		} `json:"services"`
		Countries []struct {
			Code string `json:"code"`
			Name string `json:"name"`
		} `json:"countries"`
	}
	if err := p.call(ctx, params, &out); err != nil {
		return nil, err
	}

	catalog := &domain.Catalog{Provider: p.Name(), FetchedAt: time.Now().UTC()}
	for _, s := range out.Services {
		catalog.Services = append(catalog.Services, domain.CatalogService{Code: s.Code, Name: s.Name, Price: s.Price})
	}
	for _, c := range out.Countries {
		catalog.Countries = append(catalog.Countries, domain.CatalogCountry{Code: c.Code, Name: c.Name})
	}
	return catalog, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
