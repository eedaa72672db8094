package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/datalift-hq/datalift-go/internal/domain"
)

func TestMemoryLedgerReserveIncrementsAllCounters(t *testing.T) {
	ledger := NewMemoryLedger(time.Hour)
	limits := domain.TenantLimits{Daily: 10, Monthly: 100, Concurrent: 5}

	reservation, err := ledger.TryReserve(context.Background(), "acme", limits)
	if err != nil {
		t.Fatalf("expected reservation, got %v", err)
	}
	if reservation.ID == "" || reservation.TenantID != "acme" {
		t.Fatalf("unexpected reservation %+v", reservation)
	}

	counter := ledger.Counter("acme")
	if counter.DailyCount != 1 || counter.MonthlyCount != 1 || counter.ConcurrentCount != 1 {
		t.Fatalf("expected all counters at 1, got %+v", counter)
	}
}

func TestMemoryLedgerReleaseDecrementsConcurrentOnly(t *testing.T) {
	ledger := NewMemoryLedger(time.Hour)
	limits := domain.TenantLimits{Daily: 10, Monthly: 100, Concurrent: 5}

	reservation, err := ledger.TryReserve(context.Background(), "acme", limits)
	if err != nil {
		t.Fatalf("expected reservation, got %v", err)
	}
	if err := ledger.Release(context.Background(), reservation); err != nil {
		t.Fatalf("release: %v", err)
	}

	counter := ledger.Counter("acme")
	if counter.ConcurrentCount != 0 {
		t.Fatalf("expected concurrent back to 0, got %d", counter.ConcurrentCount)
	}
	if counter.DailyCount != 1 || counter.MonthlyCount != 1 {
		t.Fatalf("expected daily and monthly to remain at 1, got %+v", counter)
	}
}

func TestMemoryLedgerReleaseIsIdempotent(t *testing.T) {
	ledger := NewMemoryLedger(time.Hour)
	limits := domain.TenantLimits{Daily: 10, Monthly: 100, Concurrent: 5}

	reservation, err := ledger.TryReserve(context.Background(), "acme", limits)
	if err != nil {
		t.Fatalf("expected reservation, got %v", err)
	}
	for range 3 {
		if err := ledger.Release(context.Background(), reservation); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
	if counter := ledger.Counter("acme"); counter.ConcurrentCount != 0 {
		t.Fatalf("expected concurrent at 0, got %d", counter.ConcurrentCount)
	}
}

func TestMemoryLedgerClassifiesExhaustedLimit(t *testing.T) {
	cases := []struct {
		name   string
		seed   domain.QuotaCounter
		limits domain.TenantLimits
		want   string
	}{
		{
			name:   "daily first",
			seed:   domain.QuotaCounter{TenantID: "acme", DailyCount: 10, MonthlyCount: 100, ConcurrentCount: 5},
			limits: domain.TenantLimits{Daily: 10, Monthly: 100, Concurrent: 5},
			want:   domain.LimitDaily,
		},
		{
			name:   "monthly before concurrent",
			seed:   domain.QuotaCounter{TenantID: "acme", DailyCount: 3, MonthlyCount: 100, ConcurrentCount: 5},
			limits: domain.TenantLimits{Daily: 10, Monthly: 100, Concurrent: 5},
			want:   domain.LimitMonthly,
		},
		{
			name:   "concurrent last",
			seed:   domain.QuotaCounter{TenantID: "acme", DailyCount: 3, MonthlyCount: 30, ConcurrentCount: 5},
			limits: domain.TenantLimits{Daily: 10, Monthly: 100, Concurrent: 5},
			want:   domain.LimitConcurrent,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger := NewMemoryLedger(time.Hour)
			ledger.Seed(tc.seed)

			_, err := ledger.TryReserve(context.Background(), "acme", tc.limits)
			var quotaErr *domain.QuotaExceededError
			if !errors.As(err, &quotaErr) {
				t.Fatalf("expected quota error, got %v", err)
			}
			if quotaErr.Limit != tc.want {
				t.Fatalf("expected limit %q, got %q", tc.want, quotaErr.Limit)
			}
		})
	}
}

func TestMemoryLedgerReapsStaleReservations(t *testing.T) {
	ledger := NewMemoryLedger(time.Hour)
	limits := domain.TenantLimits{Daily: 100, Monthly: 1000, Concurrent: 1}

	clock := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return clock }

	if _, err := ledger.TryReserve(context.Background(), "acme", limits); err != nil {
		t.Fatalf("expected first reservation, got %v", err)
	}

	// Concurrent slot is taken; a second reservation must be refused.
	_, err := ledger.TryReserve(context.Background(), "acme", limits)
	var quotaErr *domain.QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if quotaErr.Limit != domain.LimitConcurrent {
		t.Fatalf("expected concurrent limit, got %q", quotaErr.Limit)
	}

	clock = clock.Add(2 * time.Hour)
	if _, err := ledger.TryReserve(context.Background(), "acme", limits); err != nil {
		t.Fatalf("expected reservation after stale cleanup, got %v", err)
	}
	if counter := ledger.Counter("acme"); counter.ConcurrentCount != 1 {
		t.Fatalf("expected concurrent at 1 after cleanup, got %d", counter.ConcurrentCount)
	}
}

func TestMemoryLedgerReleaseAfterReapDoesNotDoubleDecrement(t *testing.T) {
	ledger := NewMemoryLedger(time.Hour)
	limits := domain.TenantLimits{Daily: 100, Monthly: 1000, Concurrent: 2}

	clock := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return clock }

	stale, err := ledger.TryReserve(context.Background(), "acme", limits)
	if err != nil {
		t.Fatalf("expected reservation, got %v", err)
	}

	clock = clock.Add(2 * time.Hour)
	fresh, err := ledger.TryReserve(context.Background(), "acme", limits)
	if err != nil {
		t.Fatalf("expected reservation, got %v", err)
	}

	// The first reservation was reaped during the second reserve; releasing
	// it now must not touch the counter again.
	if err := ledger.Release(context.Background(), stale); err != nil {
		t.Fatalf("release stale: %v", err)
	}
	if counter := ledger.Counter("acme"); counter.ConcurrentCount != 1 {
		t.Fatalf("expected concurrent at 1, got %d", counter.ConcurrentCount)
	}

	if err := ledger.Release(context.Background(), fresh); err != nil {
		t.Fatalf("release fresh: %v", err)
	}
	if counter := ledger.Counter("acme"); counter.ConcurrentCount != 0 {
		t.Fatalf("expected concurrent at 0, got %d", counter.ConcurrentCount)
	}
}

func TestMemoryLedgerConcurrentReservations(t *testing.T) {
	ledger := NewMemoryLedger(time.Hour)
	limits := domain.TenantLimits{Daily: 1000, Monthly: 10000, Concurrent: 7}

	const workers = 50
	var wg sync.WaitGroup
	granted := make(chan domain.Reservation, workers)

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reservation, err := ledger.TryReserve(context.Background(), "acme", limits); err == nil {
				granted <- reservation
			}
		}()
	}
	wg.Wait()
	close(granted)

	reservations := make([]domain.Reservation, 0, workers)
	for reservation := range granted {
		reservations = append(reservations, reservation)
	}
	if len(reservations) != limits.Concurrent {
		t.Fatalf("expected exactly %d grants, got %d", limits.Concurrent, len(reservations))
	}

	counter := ledger.Counter("acme")
	if counter.ConcurrentCount != limits.Concurrent {
		t.Fatalf("expected concurrent at %d, got %d", limits.Concurrent, counter.ConcurrentCount)
	}
	if counter.DailyCount != limits.Concurrent || counter.MonthlyCount != limits.Concurrent {
		t.Fatalf("expected usage counters to match grants, got %+v", counter)
	}

	for _, reservation := range reservations {
		if err := ledger.Release(context.Background(), reservation); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
	if counter := ledger.Counter("acme"); counter.ConcurrentCount != 0 {
		t.Fatalf("expected concurrent drained to 0, got %d", counter.ConcurrentCount)
	}
}

func TestMemoryLedgerIsolatesTenants(t *testing.T) {
	ledger := NewMemoryLedger(time.Hour)
	limits := domain.TenantLimits{Daily: 1, Monthly: 10, Concurrent: 1}

	if _, err := ledger.TryReserve(context.Background(), "acme", limits); err != nil {
		t.Fatalf("expected reservation for acme, got %v", err)
	}
	if _, err := ledger.TryReserve(context.Background(), "globex", limits); err != nil {
		t.Fatalf("expected reservation for globex, got %v", err)
	}
}
