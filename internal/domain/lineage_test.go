package domain

import "testing"

func TestLineageKeyValidate(t *testing.T) {
	valid := LineageKey{
		TenantID:     "acme",
		PipelineID:   "cost-report",
		CredentialID: "primary",
		RunDate:      "2026-08-25",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid key, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*LineageKey)
	}{
		{"missing tenant", func(k *LineageKey) { k.TenantID = "" }},
		{"missing pipeline", func(k *LineageKey) { k.PipelineID = " " }},
		{"missing credential", func(k *LineageKey) { k.CredentialID = "" }},
		{"missing run date", func(k *LineageKey) { k.RunDate = "" }},
		{"bad run date", func(k *LineageKey) { k.RunDate = "25/08/2026" }},
	}
	for _, tc := range cases {
		key := valid
		tc.mutate(&key)
		if err := key.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestLineageKeyString(t *testing.T) {
	key := LineageKey{
		TenantID:     "acme",
		PipelineID:   "cost-report",
		CredentialID: "primary",
		RunDate:      "2026-08-25",
	}
	want := "acme/cost-report/primary/2026-08-25"
	if got := key.String(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestBillingStateMayRun(t *testing.T) {
	for _, state := range []BillingState{BillingStateActive, BillingStateTrial} {
		if !state.MayRun() {
			t.Fatalf("expected %s to permit runs", state)
		}
	}
	for _, state := range []BillingState{BillingStateSuspended, BillingStateCancelled, BillingState("unknown")} {
		if state.MayRun() {
			t.Fatalf("expected %s to deny runs", state)
		}
	}
}
