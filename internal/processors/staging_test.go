package processors

import (
	"context"
	"testing"

	"github.com/datalift-hq/datalift-go/internal/domain"
	"github.com/datalift-hq/datalift-go/internal/executor"
)

func TestStagingObjectKey(t *testing.T) {
	key := domain.LineageKey{
		TenantID:     "acme",
		PipelineID:   "cost-report",
		CredentialID: "primary",
		RunDate:      "2026-08-25",
	}
	want := "raw/acme/cost-report/primary/2026-08-25/batch.json"
	if got := stagingObjectKey(key); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestWarehouseTransformRejectsBadRoutineNames(t *testing.T) {
	p := &WarehouseTransform{}
	ec := executor.ExecutionContext{TenantID: "acme", RunID: "run-1"}

	if _, err := p.Run(context.Background(), map[string]string{}, ec); err == nil {
		t.Fatal("expected error for missing routine")
	}

	bad := []string{
		"drop table; --",
		"Routine",
		"1_starts_with_digit",
		"has space",
		"has-dash",
	}
	for _, routine := range bad {
		if _, err := p.Run(context.Background(), map[string]string{"routine": routine}, ec); err == nil {
			t.Fatalf("expected %q to be rejected", routine)
		}
	}
}

func TestNewHTTPExtractRequiresStoreAndBucket(t *testing.T) {
	if NewHTTPExtract(nil, "staging", 0) != nil {
		t.Fatal("expected nil without a client")
	}
}

func TestNewWarehouseTransformRequiresDatabase(t *testing.T) {
	if NewWarehouseTransform(nil) != nil {
		t.Fatal("expected nil without a database")
	}
}
