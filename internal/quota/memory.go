package quota

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datalift-hq/datalift-go/internal/domain"
)

// MemoryLedger is a mutex-guarded ledger for dev mode and tests. It applies
// the same reserve/release discipline as the postgres ledger, including the
// inline stale-reservation cleanup.
type MemoryLedger struct {
	mu             sync.Mutex
	maxRunLifetime time.Duration
	now            func() time.Time
	counters       map[string]*domain.QuotaCounter
	reservations   map[string]domain.Reservation
}

func NewMemoryLedger(maxRunLifetime time.Duration) *MemoryLedger {
	if maxRunLifetime <= 0 {
		maxRunLifetime = DefaultMaxRunLifetime
	}
	return &MemoryLedger{
		maxRunLifetime: maxRunLifetime,
		now:            time.Now,
		counters:       make(map[string]*domain.QuotaCounter),
		reservations:   make(map[string]domain.Reservation),
	}
}

func (l *MemoryLedger) TryReserve(_ context.Context, tenantID string, limits domain.TenantLimits) (domain.Reservation, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.Reservation{}, fmt.Errorf("tenant id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	counter := l.counter(tenantID, now)
	l.reapStaleLocked(tenantID, now)

	if counter.ConcurrentCount >= limits.Concurrent ||
		counter.DailyCount >= limits.Daily ||
		counter.MonthlyCount >= limits.Monthly {
		return domain.Reservation{}, &domain.QuotaExceededError{
			TenantID: tenantID,
			Limit:    classifyLimit(*counter, limits),
		}
	}

	counter.ConcurrentCount++
	counter.DailyCount++
	counter.MonthlyCount++

	reservation := domain.Reservation{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		ReservedAt: now,
	}
	l.reservations[reservation.ID] = reservation
	return reservation, nil
}

func (l *MemoryLedger) Release(_ context.Context, reservation domain.Reservation) error {
	if strings.TrimSpace(reservation.ID) == "" {
		return fmt.Errorf("reservation id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.reservations[reservation.ID]; !held {
		return nil
	}
	delete(l.reservations, reservation.ID)

	if counter, ok := l.counters[reservation.TenantID]; ok && counter.ConcurrentCount > 0 {
		counter.ConcurrentCount--
	}
	return nil
}

// Counter returns a copy of the tenant's counter, for status inspection and
// tests.
func (l *MemoryLedger) Counter(tenantID string) domain.QuotaCounter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if counter, ok := l.counters[tenantID]; ok {
		return *counter
	}
	return domain.QuotaCounter{TenantID: tenantID}
}

// Seed preloads a tenant's counters, for dev mode and tests.
func (l *MemoryLedger) Seed(counter domain.QuotaCounter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seeded := counter
	l.counters[counter.TenantID] = &seeded
}

func (l *MemoryLedger) counter(tenantID string, now time.Time) *domain.QuotaCounter {
	counter, ok := l.counters[tenantID]
	if !ok {
		counter = &domain.QuotaCounter{TenantID: tenantID, PeriodStart: now}
		l.counters[tenantID] = counter
	}
	return counter
}

func (l *MemoryLedger) reapStaleLocked(tenantID string, now time.Time) {
	staleBefore := now.Add(-l.maxRunLifetime)
	for id, reservation := range l.reservations {
		if reservation.TenantID != tenantID || !reservation.ReservedAt.Before(staleBefore) {
			continue
		}
		delete(l.reservations, id)
		if counter, ok := l.counters[tenantID]; ok && counter.ConcurrentCount > 0 {
			counter.ConcurrentCount--
		}
	}
}
