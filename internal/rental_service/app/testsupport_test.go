package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/numrent/numrent/internal/rental_service/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is an adjustable time source injected via SyncScheduler.now.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeRentalRepo struct {
	mu        sync.Mutex
	rentals   map[uuid.UUID]*domain.Rental
	createErr error
	listCalls int
}

func newFakeRentalRepo() *fakeRentalRepo {
	return &fakeRentalRepo{rentals: map[uuid.UUID]*domain.Rental{}}
}

func (r *fakeRentalRepo) put(rental *domain.Rental) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rental
	r.rentals[rental.ID] = &cp
}

func (r *fakeRentalRepo) Create(ctx context.Context, rental *domain.Rental) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	cp := *rental
	r.rentals[rental.ID] = &cp
	return nil
}

func (r *fakeRentalRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Rental, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rental, ok := r.rentals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rental
	return &cp, nil
}

func (r *fakeRentalRepo) ListActive(ctx context.Context) ([]domain.Rental, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	var out []domain.Rental
	for _, rental := range r.rentals {
		if rental.Status == domain.RentalStatusActive {
			out = append(out, *rental)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *fakeRentalRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.RentalStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rental, ok := r.rentals[id]
	if !ok {
		return domain.ErrNotFound
	}
	rental.Status = status
	return nil
}

func (r *fakeRentalRepo) TouchExpiry(ctx context.Context, id uuid.UUID, newEnd time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rental, ok := r.rentals[id]
	if !ok {
		return domain.ErrNotFound
	}
	rental.EndDate = newEnd
	return nil
}

func (r *fakeRentalRepo) status(id uuid.UUID) domain.RentalStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rental, ok := r.rentals[id]; ok {
		return rental.Status
	}
	return ""
}

func (r *fakeRentalRepo) endDate(id uuid.UUID) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rental, ok := r.rentals[id]; ok {
		return rental.EndDate
	}
	return time.Time{}
}

type fakeMessageRepo struct {
	mu          sync.Mutex
	rows        map[string]domain.Message
	failUpserts int // next N upserts fail with a persistence error
	upsertCalls int
	listErr     error
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{rows: map[string]domain.Message{}}
}

func messageKey(m *domain.Message) string {
	return fmt.Sprintf("%s|%s|%s", m.RentalID, m.Sender, m.Body)
}

func (r *fakeMessageRepo) Upsert(ctx context.Context, msg *domain.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertCalls++
	if r.failUpserts > 0 {
		r.failUpserts--
		return false, domain.NewProviderError("", domain.ErrPersistence, fmt.Errorf("simulated insert failure"))
	}
	key := messageKey(msg)
	if _, exists := r.rows[key]; exists {
		return false, nil
	}
	r.rows[key] = *msg
	return true, nil
}

func (r *fakeMessageRepo) ListByRental(ctx context.Context, rentalID uuid.UUID) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []domain.Message
	for _, m := range r.rows {
		if m.RentalID == rentalID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out, nil
}

func (r *fakeMessageRepo) count(rentalID uuid.UUID) int {
	msgs, _ := r.ListByRental(context.Background(), rentalID)
	return len(msgs)
}

// fakeAdapter is an in-memory SMSProvider.
type fakeAdapter struct {
	name      domain.ProviderName
	noPolling bool

	mu          sync.Mutex
	fetchCalls  int
	extendCalls int
	cancelCalls int

	fetchFunc   func(ctx context.Context, rental *domain.Rental) ([]domain.Message, error)
	rentFunc    func(ctx context.Context, service, country string, duration time.Duration) (*domain.Rental, error)
	extendErr   error
	cancelErr   error
	catalogFunc func(ctx context.Context) (*domain.Catalog, error)
}

func newFakeAdapter(name domain.ProviderName) *fakeAdapter {
	return &fakeAdapter{name: name}
}

func (a *fakeAdapter) Name() domain.ProviderName { return a.name }

func (a *fakeAdapter) SupportsPolling() bool { return !a.noPolling }

func (a *fakeAdapter) Rent(ctx context.Context, service, country string, duration time.Duration) (*domain.Rental, error) {
	if a.rentFunc != nil {
		return a.rentFunc(ctx, service, country, duration)
	}
	return domain.NewRental(uuid.New(), "+15550001111", a.name, "ext-1", time.Now().UTC().Add(duration)), nil
}

func (a *fakeAdapter) Extend(ctx context.Context, rental *domain.Rental, duration time.Duration) (time.Time, error) {
	a.mu.Lock()
	a.extendCalls++
	a.mu.Unlock()
	if a.extendErr != nil {
		return time.Time{}, a.extendErr
	}
	return rental.EndDate.Add(duration), nil
}

func (a *fakeAdapter) Cancel(ctx context.Context, rental *domain.Rental) error {
	a.mu.Lock()
	a.cancelCalls++
	a.mu.Unlock()
	return a.cancelErr
}

func (a *fakeAdapter) FetchMessages(ctx context.Context, rental *domain.Rental) ([]domain.Message, error) {
	a.mu.Lock()
	a.fetchCalls++
	a.mu.Unlock()
	if a.fetchFunc != nil {
		return a.fetchFunc(ctx, rental)
	}
	return nil, nil
}

func (a *fakeAdapter) Catalog(ctx context.Context) (*domain.Catalog, error) {
	if a.catalogFunc != nil {
		return a.catalogFunc(ctx)
	}
	return &domain.Catalog{Provider: a.name, FetchedAt: time.Now().UTC()}, nil
}

func (a *fakeAdapter) fetches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetchCalls
}

func (a *fakeAdapter) extends() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.extendCalls
}

func (a *fakeAdapter) cancels() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelCalls
}

// fakeCache is a map-backed Cache implementation.
type fakeCache struct {
	mu    sync.Mutex
	store map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{store: map[string][]byte{}}
}

func (c *fakeCache) Get(ctx context.Context, key string, dest any) bool {
	c.mu.Lock()
	data, ok := c.store[key]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return json.Unmarshal(data, dest) == nil
}

func (c *fakeCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.store[key] = data
	c.mu.Unlock()
}

func (c *fakeCache) Invalidate(ctx context.Context, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.store, key)
	}
}

func (c *fakeCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.store[key]
	return ok
}

// fakeBrokerPublisher records NATS mirror publishes.
type fakeBrokerPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakeBrokerPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}
