package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/numrent/numrent/internal/rental_service/domain"
)

// FiveSimProvider adapts the 5sim.net REST API (Bearer-token JSON).
type FiveSimProvider struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewFiveSimProvider(logger *slog.Logger, baseURL, apiKey string, httpClient *http.Client) *FiveSimProvider {
	return &FiveSimProvider{
		logger:     logger.With("provider", "five_sim"),
		httpClient: defaultedClient(httpClient),
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

func (p *FiveSimProvider) Name() domain.ProviderName { return domain.ProviderFiveSim }

func (p *FiveSimProvider) SupportsPolling() bool { return true }

type fiveSimOrder struct {
	ID        int64           `json:"id"`
	Phone     string          `json:"phone"`
	Status    string          `json:"status"`
	ExpiresAt time.Time       `json:"expires"`
	SMS       []fiveSimSMSRow `json:"sms"`
}

type fiveSimSMSRow struct {
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	Date   time.Time `json:"date"`
}

func (p *FiveSimProvider) call(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, nil)
	if err != nil {
		return domain.NewProviderError(p.Name(), domain.ErrProviderUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")

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
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		p.logger.WarnContext(ctx, "Failed to parse 5sim response", "error", err, "body", truncate(body, 200))
		return domain.NewProviderError(p.Name(), domain.ErrParse, err)
	}
	return nil
}

func (p *FiveSimProvider) Rent(ctx context.Context, service, country string, duration time.Duration) (*domain.Rental, error) {
	var order fiveSimOrder
	path := fmt.Sprintf("/user/buy/activation/%s/any/%s", country, service)
	if err := p.call(ctx, http.MethodGet, path, &order); err != nil {
		return nil, err
	}
	if order.Phone == "" || order.ID == 0 {
		return nil, domain.NewProviderError(p.Name(), domain.ErrInvalidRental, fmt.Errorf("buy returned no order"))
	}

	endDate := order.ExpiresAt
	if endDate.IsZero() {
		endDate = time.Now().UTC().Add(duration)
	}
	rental := domain.NewRental(uuid.New(), order.Phone, p.Name(), strconv.FormatInt(order.ID, 10), endDate)
	p.logger.InfoContext(ctx, "Rented number via 5sim", "phone_number", rental.PhoneNumber, "external_ref", rental.ExternalRef)
	return rental, nil
}

func (p *FiveSimProvider) Extend(ctx context.Context, rental *domain.Rental, duration time.Duration) (time.Time, error) {
	if rental.ExternalRef == "" {
		return time.Time{}, domain.NewProviderError(p.Name(), domain.ErrInvalidRental, nil)
	}
	var order fiveSimOrder
	if err := p.call(ctx, http.MethodGet, "/user/reuse/"+rental.ExternalRef, &order); err != nil {
		return time.Time{}, err
	}
	newEnd := order.ExpiresAt
	if newEnd.IsZero() {
		newEnd = rental.EndDate.Add(duration)
	}
	p.logger.InfoContext(ctx, "Extended 5sim rental", "external_ref", rental.ExternalRef, "new_end", newEnd)
	return newEnd, nil
}

func (p *FiveSimProvider) Cancel(ctx context.Context, rental *domain.Rental) error {
	if rental.ExternalRef == "" {
		return domain.NewProviderError(p.Name(), domain.ErrInvalidRental, nil)
	}
	if err := p.call(ctx, http.MethodGet, "/user/cancel/"+rental.ExternalRef, nil); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "Canceled 5sim rental", "external_ref", rental.ExternalRef)
	return nil
}

func (p *FiveSimProvider) FetchMessages(ctx context.Context, rental *domain.Rental) ([]domain.Message, error) {
	if rental.ExternalRef == "" {
		return nil, domain.NewProviderError(p.Name(), domain.ErrInvalidRental, nil)
	}
	var order fiveSimOrder
	if err := p.call(ctx, http.MethodGet, "/user/check/"+rental.ExternalRef, &order); err != nil {
		return nil, err
	}

	msgs := make([]domain.Message, 0, len(order.SMS))
	for _, row := range order.SMS {
		receivedAt := row.Date
		if receivedAt.IsZero() {
			receivedAt = time.Now().UTC()
		}
		msgs = append(msgs, *domain.NewMessage(rental.ID, row.Sender, row.Text, receivedAt, domain.SourceAPI))
	}
	return msgs, nil
}

func (p *FiveSimProvider) Catalog(ctx context.Context) (*domain.Catalog, error) {
	var out map[string]struct {
		Name  string `json:"name"`
		Price struct {
			Cost float64 `json:"cost"`
		} `json:"price"`
	}
	if err := p.call(ctx, http.MethodGet, "/guest/products/any/any", &out); err != nil {
		return nil, err
	}

	catalog := &domain.Catalog{Provider: p.Name(), FetchedAt: time.Now().UTC()}
	for code, s := range out {
		name := s.Name
		if name == "" {
			name = code
		}
		catalog.Services = append(catalog.Services, domain.CatalogService{Code: code, Name: name, Price: s.Price.Cost})
	}
	// 5sim's country list endpoint is separate and large; the static table
	// covers the countries the product actually offers.
	catalog.Countries = append(catalog.Countries, staticCountries...)
	return catalog, nil
}
