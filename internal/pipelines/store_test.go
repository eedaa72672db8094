package pipelines

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/datalift-hq/datalift-go/internal/domain"
	"github.com/datalift-hq/datalift-go/internal/repo"
)

func TestLoadFromDirectory(t *testing.T) {
	store := NewStore("testdata")
	if err := store.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	keys := store.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected two definitions, got %d", len(keys))
	}

	def, err := store.Get(domain.DefinitionKey{Provider: "gcp", Domain: "billing", PipelineID: "cost-report"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(def.Steps) != 3 {
		t.Fatalf("expected three steps, got %d", len(def.Steps))
	}
	if def.Steps[0].Timeout() != 120*time.Second {
		t.Fatalf("expected 120s timeout, got %v", def.Steps[0].Timeout())
	}
	if def.Steps[0].Retry.MaxAttempts != 3 {
		t.Fatalf("expected three attempts, got %d", def.Steps[0].Retry.MaxAttempts)
	}
	if def.Steps[1].DependsOn[0] != "extract" {
		t.Fatalf("expected transform to depend on extract, got %v", def.Steps[1].DependsOn)
	}
}

func TestGetUnknownDefinition(t *testing.T) {
	store := NewStore("testdata")
	if err := store.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	_, err := store.Get(domain.DefinitionKey{Provider: "gcp", Domain: "billing", PipelineID: "nonexistent"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLoadRejectsInvalidDefinition(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "broken.yaml", `
provider: gcp
domain: billing
pipeline_id: cost-report
steps: []
`)

	store := NewStore(dir)
	if err := store.Load(); err == nil {
		t.Fatal("expected load to fail for a definition with no steps")
	}
}

func TestLoadRejectsDuplicateKeys(t *testing.T) {
	dir := t.TempDir()
	def := `
provider: gcp
domain: billing
pipeline_id: cost-report
steps:
  - step_id: extract
    processor_type: http_extract
`
	writeDefinition(t, dir, "one.yaml", def)
	writeDefinition(t, dir, "two.yaml", def)

	store := NewStore(dir)
	if err := store.Load(); err == nil {
		t.Fatal("expected load to fail for duplicate definition keys")
	}
}

func TestReloadKeepsPreviousCacheOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "good.yaml", `
provider: gcp
domain: billing
pipeline_id: cost-report
steps:
  - step_id: extract
    processor_type: http_extract
`)

	store := NewStore(dir)
	if err := store.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	writeDefinition(t, dir, "bad.yaml", "provider: [")
	if err := store.Reload(); err == nil {
		t.Fatal("expected reload to fail")
	}

	// The pre-failure definitions must still be served.
	if _, err := store.Get(domain.DefinitionKey{Provider: "gcp", Domain: "billing", PipelineID: "cost-report"}); err != nil {
		t.Fatalf("expected previous cache to survive, got %v", err)
	}
}

func TestReloadPicksUpNewDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "first.yaml", `
provider: gcp
domain: billing
pipeline_id: cost-report
steps:
  - step_id: extract
    processor_type: http_extract
`)

	store := NewStore(dir)
	if err := store.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	writeDefinition(t, dir, "second.yaml", `
provider: aws
domain: usage
pipeline_id: daily-usage
steps:
  - step_id: extract
    processor_type: http_extract
`)
	if err := store.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(store.Keys()) != 2 {
		t.Fatalf("expected two definitions after reload, got %d", len(store.Keys()))
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	if _, err := Parse([]byte("provider: [")); err == nil {
		t.Fatal("expected parse error")
	}
}

func writeDefinition(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}
