package domain

import "time"

// BillingState is a tenant's subscription standing, owned by the external
// tenant directory. Only active and trial tenants may start runs.
type BillingState string

const (
	BillingStateActive    BillingState = "active"
	BillingStateTrial     BillingState = "trial"
	BillingStateSuspended BillingState = "suspended"
	BillingStateCancelled BillingState = "cancelled"
)

// MayRun reports whether the billing state permits quota reservation.
func (s BillingState) MayRun() bool {
	return s == BillingStateActive || s == BillingStateTrial
}

// TenantLimits are the plan limits the quota ledger enforces. Zero or
// negative values mean the limit is never satisfiable.
type TenantLimits struct {
	Daily      int
	Monthly    int
	Concurrent int
}

// QuotaCounter is the per-tenant usage state. It is mutated exclusively by
// the quota ledger through atomic conditional updates; no caller may
// read-then-write its fields.
type QuotaCounter struct {
	TenantID        string
	DailyCount      int
	MonthlyCount    int
	ConcurrentCount int
	PeriodStart     time.Time
}

// Reservation is a successful quota allocation, held for the duration of one
// run and returned through Release. Reservations that outlive the maximum
// run lifetime are reclaimed by the ledger's inline cleanup pass.
type Reservation struct {
	ID         string
	TenantID   string
	ReservedAt time.Time
}
