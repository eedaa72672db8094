package tenants

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/datalift-hq/datalift-go/internal/domain"
)

func TestHTTPDirectoryBillingState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tenants/acme/billing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"Active","limits":{"daily":25,"monthly":500,"concurrent":4}}`))
	}))
	defer server.Close()

	directory, err := NewHTTPDirectory(server.URL, time.Second)
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}

	account, err := directory.BillingState(context.Background(), "acme")
	if err != nil {
		t.Fatalf("billing state: %v", err)
	}
	if account.State != domain.BillingStateActive {
		t.Fatalf("expected active, got %s", account.State)
	}
	if account.Limits.Daily != 25 || account.Limits.Monthly != 500 || account.Limits.Concurrent != 4 {
		t.Fatalf("unexpected limits %+v", account.Limits)
	}

	_, err = directory.BillingState(context.Background(), "globex")
	if !errors.Is(err, ErrUnknownTenant) {
		t.Fatalf("expected unknown tenant, got %v", err)
	}
}

func TestHTTPDirectoryServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	directory, err := NewHTTPDirectory(server.URL, time.Second)
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}

	if _, err := directory.BillingState(context.Background(), "acme"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestNewHTTPDirectoryRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPDirectory("  ", time.Second); err == nil {
		t.Fatal("expected error for empty base url")
	}
}

func TestStaticDirectory(t *testing.T) {
	directory := NewStaticDirectory(Account{
		TenantID: "acme",
		State:    domain.BillingStateTrial,
		Limits:   domain.TenantLimits{Daily: 5, Monthly: 50, Concurrent: 2},
	})

	account, err := directory.BillingState(context.Background(), "acme")
	if err != nil {
		t.Fatalf("billing state: %v", err)
	}
	if account.State != domain.BillingStateTrial {
		t.Fatalf("expected trial, got %s", account.State)
	}

	if _, err := directory.BillingState(context.Background(), "globex"); !errors.Is(err, ErrUnknownTenant) {
		t.Fatalf("expected unknown tenant, got %v", err)
	}

	directory.Upsert(Account{TenantID: "globex", State: domain.BillingStateActive})
	if _, err := directory.BillingState(context.Background(), "globex"); err != nil {
		t.Fatalf("expected upserted tenant, got %v", err)
	}
}
