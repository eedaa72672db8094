package quota

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/datalift-hq/datalift-go/internal/domain"
)

const (
	ensureCounterQuery = `INSERT INTO tenant_quota_counters (tenant_id, daily_count, monthly_count, concurrent_count, period_start)
	 VALUES ($1, 0, 0, 0, $2)
	 ON CONFLICT (tenant_id) DO NOTHING`

	reapStaleReservationsQuery = `WITH stale AS (
		DELETE FROM quota_reservations
		WHERE tenant_id = $1 AND reserved_at < $2
		RETURNING reservation_id
	)
	UPDATE tenant_quota_counters
	SET concurrent_count = GREATEST(concurrent_count - (SELECT COUNT(*) FROM stale), 0)
	WHERE tenant_id = $1 AND (SELECT COUNT(*) FROM stale) > 0`

	reserveQuery = `UPDATE tenant_quota_counters
	SET concurrent_count = concurrent_count + 1,
	    daily_count = daily_count + 1,
	    monthly_count = monthly_count + 1
	WHERE tenant_id = $1
	  AND concurrent_count < $2
	  AND daily_count < $3
	  AND monthly_count < $4`

	selectCounterQuery = `SELECT daily_count, monthly_count, concurrent_count
	 FROM tenant_quota_counters
	 WHERE tenant_id = $1`

	insertReservationQuery = `INSERT INTO quota_reservations (reservation_id, tenant_id, reserved_at)
	 VALUES ($1, $2, $3)`

	deleteReservationQuery = `DELETE FROM quota_reservations WHERE reservation_id = $1`

	releaseCounterQuery = `UPDATE tenant_quota_counters
	SET concurrent_count = GREATEST(concurrent_count - 1, 0)
	WHERE tenant_id = $1`
)

// PostgresLedger backs the quota ledger with transactional conditional
// updates against tenant_quota_counters and quota_reservations.
type PostgresLedger struct {
	db             *sql.DB
	maxRunLifetime time.Duration
	now            func() time.Time
}

func NewPostgresLedger(db *sql.DB, maxRunLifetime time.Duration) *PostgresLedger {
	if db == nil {
		return nil
	}
	if maxRunLifetime <= 0 {
		maxRunLifetime = DefaultMaxRunLifetime
	}
	return &PostgresLedger{
		db:             db,
		maxRunLifetime: maxRunLifetime,
		now:            time.Now,
	}
}

func (l *PostgresLedger) TryReserve(ctx context.Context, tenantID string, limits domain.TenantLimits) (domain.Reservation, error) {
	if l == nil || l.db == nil {
		return domain.Reservation{}, fmt.Errorf("quota ledger not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.Reservation{}, fmt.Errorf("tenant id is required")
	}

	now := l.now().UTC()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, ensureCounterQuery, tenantID, now); err != nil {
		return domain.Reservation{}, fmt.Errorf("ensure counter: %w", err)
	}

	staleBefore := now.Add(-l.maxRunLifetime)
	if _, err := tx.ExecContext(ctx, reapStaleReservationsQuery, tenantID, staleBefore); err != nil {
		return domain.Reservation{}, fmt.Errorf("reap stale reservations: %w", err)
	}

	res, err := tx.ExecContext(ctx, reserveQuery, tenantID, limits.Concurrent, limits.Daily, limits.Monthly)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("reserve: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("reserve: %w", err)
	}
	if affected == 0 {
		var counter domain.QuotaCounter
		if err := tx.QueryRowContext(ctx, selectCounterQuery, tenantID).Scan(
			&counter.DailyCount, &counter.MonthlyCount, &counter.ConcurrentCount,
		); err != nil {
			return domain.Reservation{}, fmt.Errorf("read counter: %w", err)
		}
		return domain.Reservation{}, &domain.QuotaExceededError{
			TenantID: tenantID,
			Limit:    classifyLimit(counter, limits),
		}
	}

	reservation := domain.Reservation{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		ReservedAt: now,
	}
	if _, err := tx.ExecContext(ctx, insertReservationQuery, reservation.ID, tenantID, now); err != nil {
		return domain.Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Reservation{}, fmt.Errorf("commit reserve: %w", err)
	}
	return reservation, nil
}

func (l *PostgresLedger) Release(ctx context.Context, reservation domain.Reservation) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("quota ledger not initialized")
	}
	if strings.TrimSpace(reservation.ID) == "" {
		return fmt.Errorf("reservation id is required")
	}
	if strings.TrimSpace(reservation.TenantID) == "" {
		return fmt.Errorf("tenant id is required")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, deleteReservationQuery, reservation.ID)
	if err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	// A reservation already reclaimed by the stale-cleanup pass has had its
	// concurrent slot returned; decrementing again would double-release.
	if affected == 0 {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, releaseCounterQuery, reservation.TenantID); err != nil {
		return fmt.Errorf("release counter: %w", err)
	}
	return tx.Commit()
}

// classifyLimit names the first limit the counter has exhausted, checked in
// daily, monthly, concurrent order.
func classifyLimit(counter domain.QuotaCounter, limits domain.TenantLimits) string {
	switch {
	case counter.DailyCount >= limits.Daily:
		return domain.LimitDaily
	case counter.MonthlyCount >= limits.Monthly:
		return domain.LimitMonthly
	default:
		return domain.LimitConcurrent
	}
}
