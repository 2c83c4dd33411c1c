package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numrent/numrent/internal/rental_service/domain"
)

const inboxPage = `<!DOCTYPE html>
<html><body>
<table>
  <tr><th>Sender</th><th>Message</th><th>Received</th></tr>
  <tr><td>Google</td><td>G-123456 is your verification code</td><td>2 minutes ago</td></tr>
  <tr><td>WhatsApp</td><td>Your code is 777-888</td><td>1 hour ago</td></tr>
  <tr><td></td><td>orphan text without a sender</td><td>ignored</td></tr>
</table>
</body></html>`

const landingPage = `<!DOCTYPE html>
<html><body>
<div class="numbers">
  <a href="/info/447700900123/">+44 7700 900123</a>
  <a href="/info/12025550199/">+1 202 555 0199</a>
  <a href="/about/">About</a>
</div>
</body></html>`

func TestReceiveSMSOnlineFetchMessagesParsesInboxTable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/info/447700900123/", r.URL.Path)
		w.Write([]byte(inboxPage))
	}))
	defer server.Close()

	p := NewReceiveSMSOnlineProvider(testLogger(), server.URL, server.Client())
	msgs, err := p.FetchMessages(context.Background(), testRental(domain.ProviderReceiveSMSOnline, "447700900123"))
	require.NoError(t, err)
	require.Len(t, msgs, 2, "header row and senderless row must be skipped")

	assert.Equal(t, "Google", msgs[0].Sender)
	assert.Equal(t, "G-123456 is your verification code", msgs[0].Body)
	assert.Equal(t, domain.SourceScraping, msgs[0].Source)
	assert.True(t, msgs[0].RawSnapshot.Valid)
	assert.Contains(t, msgs[0].RawSnapshot.String, "<tr>")
	assert.True(t, msgs[0].LastScrapedAt.Valid)

	assert.Equal(t, "WhatsApp", msgs[1].Sender)
}

func TestReceiveSMSOnlineBrowserProfileFallback(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		// Reject anything that does not look like a browser.
		if !strings.Contains(r.UserAgent(), "Firefox") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(inboxPage))
	}))
	defer server.Close()

	p := NewReceiveSMSOnlineProvider(testLogger(), server.URL, server.Client())
	msgs, err := p.FetchMessages(context.Background(), testRental(domain.ProviderReceiveSMSOnline, "447700900123"))
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, int32(2), requests.Load(), "server profile first, then the browser profile")
}

func TestReceiveSMSOnlineEmptyInboxIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><table><tr><th>Sender</th><th>Message</th></tr></table></body></html>`))
	}))
	defer server.Close()

	p := NewReceiveSMSOnlineProvider(testLogger(), server.URL, server.Client())
	msgs, err := p.FetchMessages(context.Background(), testRental(domain.ProviderReceiveSMSOnline, "447700900123"))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestReceiveSMSOnlineUnrecognizedTableIsParseError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Data rows exist but carry only one cell each: the markup changed.
		w.Write([]byte(`<html><body><table><tr><td>just one column</td></tr></table></body></html>`))
	}))
	defer server.Close()

	p := NewReceiveSMSOnlineProvider(testLogger(), server.URL, server.Client())
	_, err := p.FetchMessages(context.Background(), testRental(domain.ProviderReceiveSMSOnline, "447700900123"))
	require.ErrorIs(t, err, domain.ErrParse)
}

func TestReceiveSMSOnlineRentPicksListedNumber(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(landingPage))
	}))
	defer server.Close()

	p := NewReceiveSMSOnlineProvider(testLogger(), server.URL, server.Client())
	rental, err := p.Rent(context.Background(), "any", "gb", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "447700900123", rental.PhoneNumber)
	// The number doubles as the provider-side reference.
	assert.Equal(t, "447700900123", rental.ExternalRef)
	assert.True(t, rental.Syncable())
}

func TestReceiveSMSOnlineExtendAndCancelAreLocal(t *testing.T) {
	p := NewReceiveSMSOnlineProvider(testLogger(), "http://unused", nil)
	rental := testRental(domain.ProviderReceiveSMSOnline, "447700900123")

	newEnd, err := p.Extend(context.Background(), rental, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, rental.EndDate.Add(30*time.Minute), newEnd)

	require.NoError(t, p.Cancel(context.Background(), rental))
}
