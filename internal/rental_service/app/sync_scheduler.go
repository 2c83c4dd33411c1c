package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/numrent/numrent/internal/rental_service/domain"
	"github.com/numrent/numrent/internal/rental_service/provider"
	"github.com/numrent/numrent/internal/rental_service/repository"
)

// SchedulerConfig holds the pacing knobs for the sync loop.
type SchedulerConfig struct {
	TickInterval        time.Duration // background sweep over all active rentals
	AutoRefreshInterval time.Duration // per-rental tick while auto-refresh is on
	MinSyncInterval     time.Duration // floor between two syncs of the same rental
	BackoffBase         time.Duration // backoff = failures * base, capped below
	MaxBackoff          time.Duration
	BatchSize           int           // bounded concurrency within one sweep
	BatchStagger        time.Duration // pause between batches to smooth outbound rate
	AutoRenewWindow     time.Duration // extend auto-renew rentals this close to expiry
	AutoRenewDuration   time.Duration // how far each auto-renew extension pushes the end date
}

func (c *SchedulerConfig) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Minute
	}
	if c.AutoRefreshInterval <= 0 {
		c.AutoRefreshInterval = 15 * time.Second
	}
	if c.MinSyncInterval <= 0 {
		c.MinSyncInterval = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Minute
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 15 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.BatchStagger <= 0 {
		c.BatchStagger = 500 * time.Millisecond
	}
	if c.AutoRenewWindow <= 0 {
		c.AutoRenewWindow = 10 * time.Minute
	}
	if c.AutoRenewDuration <= 0 {
		c.AutoRenewDuration = 24 * time.Hour
	}
}

// SyncState tracks one rental's operational history. It is the single
// authoritative cooldown/backoff record for that rental; nothing else in
// the engine keeps last-fetch timestamps.
type SyncState struct {
	LastAttempt  time.Time
	LastSuccess  time.Time
	Failures     int
	LastError    string
	BackoffUntil time.Time
}

// SyncResult is what one sync round produced.
type SyncResult struct {
	RentalID    uuid.UUID
	NewMessages int
}

type inflightSync struct {
	done   chan struct{}
	result SyncResult
	err    error
}

// SyncScheduler orchestrates when each active rental is polled: it drives
// the recurring background sweep, enforces the per-rental minimum interval
// and failure backoff, runs batches with bounded concurrency, and owns the
// per-rental auto-refresh tickers.
type SyncScheduler struct {
	rentals   repository.RentalRepository
	messages  repository.MessageRepository
	providers provider.Registry
	fanout    *Fanout
	logger    *slog.Logger
	cfg       SchedulerConfig

	now func() time.Time // injectable clock for tests

	mu          sync.Mutex
	states      map[uuid.UUID]*SyncState
	inflight    map[uuid.UUID]*inflightSync
	autoRefresh map[uuid.UUID]context.CancelFunc
}

func NewSyncScheduler(
	rentals repository.RentalRepository,
	messages repository.MessageRepository,
	providers provider.Registry,
	fanout *Fanout,
	logger *slog.Logger,
	cfg SchedulerConfig,
) *SyncScheduler {
	cfg.applyDefaults()
	return &SyncScheduler{
		rentals:     rentals,
		messages:    messages,
		providers:   providers,
		fanout:      fanout,
		logger:      logger.With("component", "sync_scheduler"),
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		states:      map[uuid.UUID]*SyncState{},
		inflight:    map[uuid.UUID]*inflightSync{},
		autoRefresh: map[uuid.UUID]context.CancelFunc{},
	}
}

// Run drives the background sweep until ctx is canceled.
func (s *SyncScheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Sync scheduler started",
		"tick_interval", s.cfg.TickInterval,
		"batch_size", s.cfg.BatchSize,
		"min_sync_interval", s.cfg.MinSyncInterval,
	)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAllAutoRefresh()
			s.logger.Info("Sync scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one scheduling pass: lifecycle maintenance, candidate
// selection, then batched parallel syncs.
func (s *SyncScheduler) Sweep(ctx context.Context) {
	active, err := s.rentals.ListActive(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list active rentals for sweep", "error", err)
		return
	}

	candidates := make([]domain.Rental, 0, len(active))
	for _, rental := range active {
		if s.maintainLifecycle(ctx, rental) {
			continue // rental expired out of the active set this pass
		}
		if !rental.Syncable() {
			// Never successfully rented: not a sync target at all.
			continue
		}
		if s.due(rental.ID) {
			candidates = append(candidates, rental)
		}
	}

	if len(candidates) == 0 {
		s.logger.DebugContext(ctx, "No rentals due for sync this tick", "active", len(active))
		return
	}
	s.logger.InfoContext(ctx, "Sweeping due rentals", "due", len(candidates), "active", len(active))

	for start := 0; start < len(candidates); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			rental := candidates[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.syncOne(ctx, &rental); err != nil {
					s.logger.WarnContext(ctx, "Background sync failed", "rental_id", rental.ID, "provider", rental.Provider, "error", err)
				}
			}()
		}
		wg.Wait()

		if end < len(candidates) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.BatchStagger):
			}
		}
	}
}

// maintainLifecycle expires rentals past their end date and auto-renews
// flagged ones approaching it. Returns true when the rental left the
// active set.
func (s *SyncScheduler) maintainLifecycle(ctx context.Context, rental domain.Rental) bool {
	now := s.now()

	if rental.EndDate.Before(now) {
		if err := s.rentals.UpdateStatus(ctx, rental.ID, domain.RentalStatusExpired); err != nil {
			s.logger.ErrorContext(ctx, "Failed to expire rental", "rental_id", rental.ID, "error", err)
			return false
		}
		s.logger.InfoContext(ctx, "Rental expired", "rental_id", rental.ID, "end_date", rental.EndDate)
		s.StopAutoRefresh(rental.ID)
		return true
	}

	if rental.AutoRenew && rental.EndDate.Sub(now) < s.cfg.AutoRenewWindow {
		adapter, ok := s.providers[rental.Provider]
		if !ok {
			return false
		}
		newEnd, err := adapter.Extend(ctx, &rental, s.cfg.AutoRenewDuration)
		if err != nil {
			s.logger.WarnContext(ctx, "Auto-renew extend failed", "rental_id", rental.ID, "provider", rental.Provider, "error", err)
			return false
		}
		if err := s.rentals.TouchExpiry(ctx, rental.ID, newEnd); err != nil {
			s.logger.ErrorContext(ctx, "Auto-renew persisted end date update failed", "rental_id", rental.ID, "error", err)
			return false
		}
		s.logger.InfoContext(ctx, "Rental auto-renewed", "rental_id", rental.ID, "new_end", newEnd)
	}
	return false
}

// due applies the minimum-interval and backoff windows to one rental.
func (s *SyncScheduler) due(id uuid.UUID) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inflight[id]; busy {
		return false
	}
	st, ok := s.states[id]
	if !ok {
		return true
	}
	if !st.BackoffUntil.IsZero() && now.Before(st.BackoffUntil) {
		return false
	}
	if !st.LastAttempt.IsZero() && now.Sub(st.LastAttempt) < s.cfg.MinSyncInterval {
		return false
	}
	return true
}

// SyncRental is the manual trigger. It bypasses the minimum-interval check
// but not the backoff window, runs immediately outside the tick's
// batching, and joins an already in-flight sync for the same rental
// instead of starting a second fetch.
func (s *SyncScheduler) SyncRental(ctx context.Context, id uuid.UUID) (SyncResult, error) {
	rental, err := s.rentals.GetByID(ctx, id)
	if err != nil {
		return SyncResult{}, err
	}
	if !rental.Syncable() {
		return SyncResult{}, domain.NewProviderError(rental.Provider, domain.ErrInvalidRental,
			fmt.Errorf("rental %s has status %s and external ref %q", id, rental.Status, rental.ExternalRef))
	}

	s.mu.Lock()
	st := s.stateLocked(id)
	if _, busy := s.inflight[id]; !busy && !st.BackoffUntil.IsZero() && s.now().Before(st.BackoffUntil) {
		until := st.BackoffUntil
		s.mu.Unlock()
		return SyncResult{}, fmt.Errorf("%w until %s", domain.ErrSyncBackoff, until.Format(time.RFC3339))
	}
	s.mu.Unlock()

	return s.syncOne(ctx, rental)
}

// State returns a copy of the rental's sync state for observability.
func (s *SyncScheduler) State(id uuid.UUID) SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[id]; ok {
		return *st
	}
	return SyncState{}
}

// stateLocked returns the rental's state, creating it if needed. Caller
// holds s.mu.
func (s *SyncScheduler) stateLocked(id uuid.UUID) *SyncState {
	st, ok := s.states[id]
	if !ok {
		st = &SyncState{}
		s.states[id] = st
	}
	return st
}

// syncOne runs (or joins) the single in-flight sync for a rental and
// records the outcome in its SyncState.
func (s *SyncScheduler) syncOne(ctx context.Context, rental *domain.Rental) (SyncResult, error) {
	s.mu.Lock()
	if fl, ok := s.inflight[rental.ID]; ok {
		s.mu.Unlock()
		select {
		case <-fl.done:
			return fl.result, fl.err
		case <-ctx.Done():
			return SyncResult{}, ctx.Err()
		}
	}
	fl := &inflightSync{done: make(chan struct{})}
	s.inflight[rental.ID] = fl
	st := s.stateLocked(rental.ID)
	st.LastAttempt = s.now()
	s.mu.Unlock()

	result, err := s.doSync(ctx, rental)

	s.mu.Lock()
	switch {
	case err == nil:
		st.Failures = 0
		st.LastError = ""
		st.BackoffUntil = time.Time{}
		st.LastSuccess = s.now()
	case domain.Retryable(err):
		st.Failures++
		st.LastError = err.Error()
		backoff := time.Duration(st.Failures) * s.cfg.BackoffBase
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
		st.BackoffUntil = s.now().Add(backoff)
	default:
		// Permanent failures (InvalidRental) surface immediately and gain
		// nothing from a backoff window.
		st.LastError = err.Error()
	}
	fl.result, fl.err = result, err
	delete(s.inflight, rental.ID)
	s.mu.Unlock()
	close(fl.done)

	return result, err
}

// doSync performs one fetch-persist-fanout round for a rental.
func (s *SyncScheduler) doSync(ctx context.Context, rental *domain.Rental) (SyncResult, error) {
	result := SyncResult{RentalID: rental.ID}
	providerLabel := string(rental.Provider)

	adapter, ok := s.providers[rental.Provider]
	if !ok {
		syncsTotalCounter.WithLabelValues(providerLabel, "error").Inc()
		return result, domain.NewProviderError(rental.Provider, domain.ErrInvalidRental,
			fmt.Errorf("no adapter registered for provider %s", rental.Provider))
	}

	timer := prometheus.NewTimer(syncDurationHist.WithLabelValues(providerLabel))
	msgs, err := adapter.FetchMessages(ctx, rental)
	timer.ObserveDuration()
	if err != nil {
		syncsTotalCounter.WithLabelValues(providerLabel, "error").Inc()
		return result, err
	}

	// A rental canceled or expired while the fetch was in flight keeps its
	// result discarded rather than persisted; the transports here expose no
	// mid-flight cancellation to abort sooner.
	current, err := s.rentals.GetByID(ctx, rental.ID)
	if err == nil && current.Status != domain.RentalStatusActive {
		s.logger.InfoContext(ctx, "Discarding sync result for inactive rental", "rental_id", rental.ID, "status", current.Status)
		syncsTotalCounter.WithLabelValues(providerLabel, "discarded").Inc()
		return result, nil
	}

	for i := range msgs {
		msg := msgs[i]
		inserted, err := s.messages.Upsert(ctx, &msg)
		if err != nil {
			// One immediate retry for store writes, then surface.
			inserted, err = s.messages.Upsert(ctx, &msg)
			if err != nil {
				syncsTotalCounter.WithLabelValues(providerLabel, "error").Inc()
				return result, err
			}
		}
		if inserted {
			result.NewMessages++
			messagesInsertedCounter.WithLabelValues(providerLabel, string(msg.Source)).Inc()
			s.fanout.Publish(ctx, msg)
		}
	}

	syncsTotalCounter.WithLabelValues(providerLabel, "success").Inc()
	s.logger.DebugContext(ctx, "Sync round complete", "rental_id", rental.ID, "fetched", len(msgs), "inserted", result.NewMessages)
	return result, nil
}

// ToggleAutoRefresh starts or stops the 15 second manual-mode tick for one
// rental. Toggling on twice restarts the ticker; toggling off is
// idempotent.
func (s *SyncScheduler) ToggleAutoRefresh(ctx context.Context, id uuid.UUID, on bool) error {
	if !on {
		s.StopAutoRefresh(id)
		return nil
	}

	rental, err := s.rentals.GetByID(ctx, id)
	if err != nil {
		return err
	}
	adapter, ok := s.providers[rental.Provider]
	if !ok {
		return domain.NewProviderError(rental.Provider, domain.ErrInvalidRental,
			fmt.Errorf("no adapter registered for provider %s", rental.Provider))
	}
	if !adapter.SupportsPolling() {
		return fmt.Errorf("provider %s does not support continuous polling", rental.Provider)
	}
	if !rental.Syncable() {
		return domain.NewProviderError(rental.Provider, domain.ErrInvalidRental,
			fmt.Errorf("rental %s is not a sync target", id))
	}

	refreshCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if prev, ok := s.autoRefresh[id]; ok {
		prev()
	}
	s.autoRefresh[id] = cancel
	s.mu.Unlock()

	go s.autoRefreshLoop(refreshCtx, id)
	s.logger.InfoContext(ctx, "Auto-refresh enabled", "rental_id", id, "interval", s.cfg.AutoRefreshInterval)
	return nil
}

// StopAutoRefresh cancels the rental's auto-refresh ticker if one runs.
func (s *SyncScheduler) StopAutoRefresh(id uuid.UUID) {
	s.mu.Lock()
	cancel, ok := s.autoRefresh[id]
	if ok {
		delete(s.autoRefresh, id)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *SyncScheduler) stopAllAutoRefresh() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.autoRefresh))
	for id, cancel := range s.autoRefresh {
		cancels = append(cancels, cancel)
		delete(s.autoRefresh, id)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *SyncScheduler) autoRefreshLoop(ctx context.Context, id uuid.UUID) {
	ticker := time.NewTicker(s.cfg.AutoRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := s.SyncRental(ctx, id)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrSyncBackoff):
				s.logger.DebugContext(ctx, "Auto-refresh tick skipped, rental in backoff", "rental_id", id)
			case errors.Is(err, domain.ErrInvalidRental), errors.Is(err, domain.ErrNotFound):
				s.logger.InfoContext(ctx, "Auto-refresh stopping, rental no longer a sync target", "rental_id", id, "error", err)
				s.StopAutoRefresh(id)
				return
			default:
				s.logger.WarnContext(ctx, "Auto-refresh sync failed", "rental_id", id, "error", err)
			}
		}
	}
}
