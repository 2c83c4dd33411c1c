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

// OnlineSimProvider adapts the onlinesim.io tariff API.
type OnlineSimProvider struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewOnlineSimProvider(logger *slog.Logger, baseURL, apiKey string, httpClient *http.Client) *OnlineSimProvider {
	return &OnlineSimProvider{
		logger:     logger.With("provider", "onlinesim"),
		httpClient: defaultedClient(httpClient),
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

func (p *OnlineSimProvider) Name() domain.ProviderName { return domain.ProviderOnlineSim }

func (p *OnlineSimProvider) SupportsPolling() bool { return true }

type onlineSimStateEntry struct {
	TZID    int64  `json:"tzid"`
	Number  string `json:"number"`
	Msg     string `json:"msg"`
	Service string `json:"service"`
	Time    int64  `json:"time"` // seconds left on the operation
}

func (p *OnlineSimProvider) call(ctx context.Context, path string, params url.Values, out any) error {
	params.Set("apikey", p.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path+"?"+params.Encode(), nil)
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
		p.logger.WarnContext(ctx, "Failed to parse onlinesim response", "error", err, "body", truncate(body, 200))
		return domain.NewProviderError(p.Name(), domain.ErrParse, err)
	}
	return nil
}

func (p *OnlineSimProvider) Rent(ctx context.Context, service, country string, duration time.Duration) (*domain.Rental, error) {
	params := url.Values{}
	params.Set("service", service)
	params.Set("country", country)

	var out struct {
		Response any   `json:"response"` // 1 on success, error string otherwise
		TZID     int64 `json:"tzid"`
	}
	if err := p.call(ctx, "/getNum.php", params, &out); err != nil {
		return nil, err
	}
	if out.TZID == 0 {
		return nil, domain.NewProviderError(p.Name(), domain.ErrInvalidRental, fmt.Errorf("getNum rejected, response=%v", out.Response))
	}

	// The number itself arrives via state; fetch it once so the rental row
	// is complete before it is persisted.
	entry, err := p.state(ctx, out.TZID)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Number == "" {
		return nil, domain.NewProviderError(p.Name(), domain.ErrParse, fmt.Errorf("no state for tzid %d", out.TZID))
	}

	endDate := time.Now().UTC().Add(duration)
	if entry.Time > 0 {
		endDate = time.Now().UTC().Add(time.Duration(entry.Time) * time.Second)
	}
	rental := domain.NewRental(uuid.New(), entry.Number, p.Name(), strconv.FormatInt(out.TZID, 10), endDate)
	p.logger.InfoContext(ctx, "Rented number via onlinesim", "phone_number", rental.PhoneNumber, "external_ref", rental.ExternalRef)
	return rental, nil
}

func (p *OnlineSimProvider) state(ctx context.Context, tzid int64) (*onlineSimStateEntry, error) {
	params := url.Values{}
	params.Set("message_to_code", "0")
	if tzid != 0 {
		params.Set("tzid", strconv.FormatInt(tzid, 10))
	}

	var entries []onlineSimStateEntry
	if err := p.call(ctx, "/getState.php", params, &entries); err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].TZID == tzid {
			return &entries[i], nil
		}
	}
	return nil, nil
}

func (p *OnlineSimProvider) Extend(ctx context.Context, rental *domain.Rental, duration time.Duration) (time.Time, error) {
	if rental.ExternalRef == "" {
		return time.Time{}, domain.NewProviderError(p.Name(), domain.ErrInvalidRental, nil)
	}
	params := url.Values{}
	params.Set("tzid", rental.ExternalRef)

	var out struct {
		Response any `json:"response"`
	}
	if err := p.call(ctx, "/setOperationRevise.php", params, &out); err != nil {
		return time.Time{}, err
	}
	newEnd := rental.EndDate.Add(duration)
	p.logger.InfoContext(ctx, "Extended onlinesim rental", "external_ref", rental.ExternalRef, "new_end", newEnd)
	return newEnd, nil
}

func (p *OnlineSimProvider) Cancel(ctx context.Context, rental *domain.Rental) error {
	if rental.ExternalRef == "" {
		return domain.NewProviderError(p.Name(), domain.ErrInvalidRental, nil)
	}
	params := url.Values{}
	params.Set("tzid", rental.ExternalRef)

	var out struct {
		Response any `json:"response"`
	}
	if err := p.call(ctx, "/setOperationOk.php", params, &out); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "Canceled onlinesim rental", "external_ref", rental.ExternalRef)
	return nil
}

func (p *OnlineSimProvider) FetchMessages(ctx context.Context, rental *domain.Rental) ([]domain.Message, error) {
	if rental.ExternalRef == "" {
		return nil, domain.NewProviderError(p.Name(), domain.ErrInvalidRental, nil)
	}
	tzid, err := strconv.ParseInt(rental.ExternalRef, 10, 64)
	if err != nil {
		return nil, domain.NewProviderError(p.Name(), domain.ErrInvalidRental, err)
	}

	entry, err := p.state(ctx, tzid)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Msg == "" {
		return nil, nil
	}

	// getState carries the latest message text only; the service name is the
	// closest thing to a sender label the API exposes.
	sender := entry.Service
	if sender == "" {
		sender = "onlinesim"
	}
	msg := domain.NewMessage(rental.ID, sender, entry.Msg, time.Now().UTC(), domain.SourceAPI)
	return []domain.Message{*msg}, nil
}

func (p *OnlineSimProvider) Catalog(ctx context.Context) (*domain.Catalog, error) {
	var out struct {
		Services map[string]struct {
			Name  string  `json:"name"`
			Price float64 `json:"price"`
		} `json:"services"`
		Countries map[string]string `json:"countries"`
	}
	if err := p.call(ctx, "/getNumbersStats.php", url.Values{}, &out); err != nil {
		return nil, err
	}

	catalog := &domain.Catalog{Provider: p.Name(), FetchedAt: time.Now().UTC()}
	for code, s := range out.Services {
		name := s.Name
		if name == "" {
			name = code
		}
		catalog.Services = append(catalog.Services, domain.CatalogService{Code: code, Name: name, Price: s.Price})
	}
	for code, name := range out.Countries {
		catalog.Countries = append(catalog.Countries, domain.CatalogCountry{Code: code, Name: name})
	}
	return catalog, nil
}
