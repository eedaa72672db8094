// Package quota enforces per-tenant run quotas. All counter mutations go
// through a ledger's single atomic conditional update; callers never
// read-then-write counter fields.
package quota

import (
	"context"
	"time"

	"github.com/datalift-hq/datalift-go/internal/domain"
)

// DefaultMaxRunLifetime bounds how long a reservation may be held before the
// inline cleanup pass treats it as orphaned by a crashed worker.
const DefaultMaxRunLifetime = 2 * time.Hour

// Ledger reserves and releases run capacity for tenants.
//
// TryReserve increments concurrent, daily and monthly counters together,
// only if all three are under their limits; otherwise it returns
// *domain.QuotaExceededError naming the exceeded limit and mutates nothing.
// It never blocks waiting for capacity. Each attempt first reclaims
// reservations older than the maximum run lifetime, so counters self-correct
// without an external sweep.
//
// Release returns a reservation's concurrent slot; daily and monthly counts
// are cumulative and reset only by the external period-reset job.
type Ledger interface {
	TryReserve(ctx context.Context, tenantID string, limits domain.TenantLimits) (domain.Reservation, error)
	Release(ctx context.Context, reservation domain.Reservation) error
}
