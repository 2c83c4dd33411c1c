package provider

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/numrent/numrent/internal/rental_service/domain"
)

// ReceiveSMSOnlineProvider adapts receive-sms-online style public inbox
// pages. There is no API: numbers are listed on the landing page and each
// number has an inbox page whose table rows are the messages.
//
// Fetching runs through an ordered list of profiles: a plain server-side
// fetch first, then a browser-like profile for targets that reject
// non-browser clients. Both profiles parse to identical canonical output.
// All outbound requests share one token bucket so repeated syncs do not
// hammer the site.
type ReceiveSMSOnlineProvider struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

func NewReceiveSMSOnlineProvider(logger *slog.Logger, baseURL string, httpClient *http.Client) *ReceiveSMSOnlineProvider {
	return &ReceiveSMSOnlineProvider{
		logger:     logger.With("provider", "receive_sms_online"),
		httpClient: defaultedClient(httpClient),
		baseURL:    strings.TrimRight(baseURL, "/"),
		limiter:    rate.NewLimiter(rate.Every(2*time.Second), 2),
	}
}

func (p *ReceiveSMSOnlineProvider) Name() domain.ProviderName { return domain.ProviderReceiveSMSOnline }

func (p *ReceiveSMSOnlineProvider) SupportsPolling() bool { return true }

type fetchProfile struct {
	name    string
	headers map[string]string
}

// The first profile mirrors what a backend fetch looks like; the second
// imitates the client-side scrape path with browser headers.
var scrapeProfiles = []fetchProfile{
	{
		name: "server",
		headers: map[string]string{
			"Accept": "text/html",
		},
	},
	{
		name: "browser",
		headers: map[string]string{
			"User-Agent":      "Mozilla/5.0 (X11; Linux x86_64; rv:124.0) Gecko/20100101 Firefox/124.0",
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.5",
		},
	},
}

// fetchHTML runs the profile chain against one URL under a shared timeout
// budget, returning the first successful page or the last failure.
func (p *ReceiveSMSOnlineProvider) fetchHTML(ctx context.Context, url string) (*html.Node, error) {
	var lastErr error
	for _, profile := range scrapeProfiles {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, domain.NewProviderError(p.Name(), domain.ErrProviderUnavailable, err)
		}

		doc, err := p.fetchOnce(ctx, url, profile)
		if err == nil {
			return doc, nil
		}
		lastErr = err
		p.logger.WarnContext(ctx, "Scrape profile failed, trying next", "profile", profile.name, "url", url, "error", err)
	}
	return nil, lastErr
}

func (p *ReceiveSMSOnlineProvider) fetchOnce(ctx context.Context, url string, profile fetchProfile) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.NewProviderError(p.Name(), domain.ErrProviderUnavailable, err)
	}
	for k, v := range profile.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, classifyStatusCode(p.Name(), resp.StatusCode, fmt.Errorf("status %d from %s", resp.StatusCode, url))
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, domain.NewProviderError(p.Name(), domain.ErrParse, err)
	}
	return doc, nil
}

// Rent picks a currently listed free number. The number itself doubles as
// the external reference; nothing is reserved server-side.
func (p *ReceiveSMSOnlineProvider) Rent(ctx context.Context, service, country string, duration time.Duration) (*domain.Rental, error) {
	doc, err := p.fetchHTML(ctx, p.baseURL+"/")
	if err != nil {
		return nil, err
	}

	numbers := collectNumberLinks(doc)
	if len(numbers) == 0 {
		return nil, domain.NewProviderError(p.Name(), domain.ErrParse, fmt.Errorf("no numbers listed on landing page"))
	}

	number := numbers[0]
	rental := domain.NewRental(uuid.New(), number, p.Name(), number, time.Now().UTC().Add(duration))
	p.logger.InfoContext(ctx, "Picked free number from listing", "phone_number", number, "service", service, "country", country)
	return rental, nil
}

// Extend has no server-side effect for a public inbox; the new end date is
// purely local bookkeeping.
func (p *ReceiveSMSOnlineProvider) Extend(ctx context.Context, rental *domain.Rental, duration time.Duration) (time.Time, error) {
	if rental.ExternalRef == "" {
		return time.Time{}, domain.NewProviderError(p.Name(), domain.ErrInvalidRental, nil)
	}
	return rental.EndDate.Add(duration), nil
}

// Cancel is likewise local-only.
func (p *ReceiveSMSOnlineProvider) Cancel(ctx context.Context, rental *domain.Rental) error {
	if rental.ExternalRef == "" {
		return domain.NewProviderError(p.Name(), domain.ErrInvalidRental, nil)
	}
	return nil
}

func (p *ReceiveSMSOnlineProvider) FetchMessages(ctx context.Context, rental *domain.Rental) ([]domain.Message, error) {
	if rental.ExternalRef == "" {
		return nil, domain.NewProviderError(p.Name(), domain.ErrInvalidRental, nil)
	}

	doc, err := p.fetchHTML(ctx, fmt.Sprintf("%s/info/%s/", p.baseURL, rental.ExternalRef))
	if err != nil {
		return nil, err
	}

	rows := collectTableRows(doc)
	msgs := make([]domain.Message, 0, len(rows))
	dataRows := 0
	for _, row := range rows {
		if isHeaderRow(row) {
			continue
		}
		dataRows++
		cells := cellTexts(row)
		if len(cells) < 2 {
			continue
		}
		sender := strings.TrimSpace(cells[0])
		body := strings.TrimSpace(cells[1])
		if sender == "" || body == "" {
			continue
		}

		msg := domain.NewMessage(rental.ID, sender, body, time.Now().UTC(), domain.SourceScraping)
		msg.RawSnapshot = sql.NullString{String: renderNode(row), Valid: true}
		msgs = append(msgs, *msg)
	}

	if len(msgs) == 0 && dataRows > 0 {
		// The page had a table but nothing parseable: the markup likely
		// changed, which is a parse failure rather than an empty mailbox.
		return nil, domain.NewProviderError(p.Name(), domain.ErrParse, fmt.Errorf("no message rows recognized out of %d", dataRows))
	}
	return msgs, nil
}

func (p *ReceiveSMSOnlineProvider) Catalog(ctx context.Context) (*domain.Catalog, error) {
	// Public inbox numbers are service-agnostic; the static table is the
	// catalog.
	catalog := StaticCatalog(p.Name())
	catalog.Fallback = false
	return catalog, nil
}

// --- HTML helpers ---

func collectNumberLinks(doc *html.Node) []string {
	var numbers []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				// Inbox links look like /info/<number>/
				if rest, ok := strings.CutPrefix(attr.Val, "/info/"); ok {
					if num := strings.Trim(rest, "/"); num != "" {
						numbers = append(numbers, num)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return numbers
}

func collectTableRows(doc *html.Node) []*html.Node {
	var rows []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			rows = append(rows, n)
			return // do not descend into nested tables inside a row
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return rows
}

func isHeaderRow(row *html.Node) bool {
	for c := row.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "th" {
			return true
		}
	}
	return false
}

func cellTexts(row *html.Node) []string {
	var cells []string
	for c := row.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
			cells = append(cells, nodeText(c))
		}
	}
	return cells
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func renderNode(n *html.Node) string {
	var sb strings.Builder
	if err := html.Render(&sb, n); err != nil {
		return ""
	}
	return sb.String()
}
