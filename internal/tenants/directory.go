// Package tenants reads billing state and plan limits from the external
// tenant directory. The engine never writes to it.
package tenants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/datalift-hq/datalift-go/internal/domain"
)

// ErrUnknownTenant is returned when the directory has no record of the
// tenant.
var ErrUnknownTenant = errors.New("unknown tenant")

// Account is a tenant's billing standing and plan limits.
type Account struct {
	TenantID string
	State    domain.BillingState
	Limits   domain.TenantLimits
}

type Directory interface {
	BillingState(ctx context.Context, tenantID string) (Account, error)
}

// HTTPDirectory calls the tenant directory service.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDirectory(baseURL string, timeout time.Duration) (*HTTPDirectory, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("directory base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("directory base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDirectory{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type billingResponse struct {
	Status string `json:"status"`
	Limits struct {
		Daily      int `json:"daily"`
		Monthly    int `json:"monthly"`
		Concurrent int `json:"concurrent"`
	} `json:"limits"`
}

func (d *HTTPDirectory) BillingState(ctx context.Context, tenantID string) (Account, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Account{}, errors.New("tenant id is required")
	}

	endpoint := fmt.Sprintf("%s/tenants/%s/billing", d.baseURL, url.PathEscape(tenantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Account{}, fmt.Errorf("build billing request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return Account{}, fmt.Errorf("billing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Account{}, ErrUnknownTenant
	default:
		return Account{}, fmt.Errorf("billing request: unexpected status %d", resp.StatusCode)
	}

	var body billingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Account{}, fmt.Errorf("decode billing response: %w", err)
	}
	return Account{
		TenantID: tenantID,
		State:    domain.BillingState(strings.ToLower(strings.TrimSpace(body.Status))),
		Limits: domain.TenantLimits{
			Daily:      body.Limits.Daily,
			Monthly:    body.Limits.Monthly,
			Concurrent: body.Limits.Concurrent,
		},
	}, nil
}

// StaticDirectory serves accounts from memory, for dev mode and tests.
type StaticDirectory struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewStaticDirectory(accounts ...Account) *StaticDirectory {
	d := &StaticDirectory{accounts: make(map[string]Account, len(accounts))}
	for _, account := range accounts {
		d.accounts[account.TenantID] = account
	}
	return d
}

func (d *StaticDirectory) Upsert(account Account) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[account.TenantID] = account
}

func (d *StaticDirectory) BillingState(_ context.Context, tenantID string) (Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	account, ok := d.accounts[strings.TrimSpace(tenantID)]
	if !ok {
		return Account{}, ErrUnknownTenant
	}
	return account, nil
}
