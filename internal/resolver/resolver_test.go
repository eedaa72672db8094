package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datalift-hq/datalift-go/internal/domain"
)

func testVariables() Variables {
	return Variables{
		TenantID:     "acme",
		CredentialID: "primary",
		RunID:        "run-1",
		RunDate:      "2026-08-25",
		DateStart:    "2026-08-24",
		DateEnd:      "2026-08-25",
		Dataset:      "acme_gcp_billing",
	}
}

func definition(steps ...domain.StepDefinition) domain.PipelineDefinition {
	return domain.PipelineDefinition{
		Provider:   "gcp",
		Domain:     "billing",
		PipelineID: "cost-report",
		Steps:      steps,
	}
}

func waveIDs(wave Wave) []string {
	ids := make([]string, 0, len(wave))
	for _, step := range wave {
		ids = append(ids, step.StepID)
	}
	return ids
}

func TestResolveDiamondIntoWaves(t *testing.T) {
	def := definition(
		domain.StepDefinition{StepID: "extract", ProcessorType: "http_extract"},
		domain.StepDefinition{StepID: "transform_cost", ProcessorType: "warehouse_transform", DependsOn: []string{"extract"}},
		domain.StepDefinition{StepID: "transform_usage", ProcessorType: "warehouse_transform", DependsOn: []string{"extract"}},
		domain.StepDefinition{StepID: "load", ProcessorType: "warehouse_load", DependsOn: []string{"transform_cost", "transform_usage"}},
	)

	plan, err := Resolve(def, testVariables())
	require.NoError(t, err)
	require.Len(t, plan.Waves, 3)
	require.Equal(t, []string{"extract"}, waveIDs(plan.Waves[0]))
	require.Equal(t, []string{"transform_cost", "transform_usage"}, waveIDs(plan.Waves[1]))
	require.Equal(t, []string{"load"}, waveIDs(plan.Waves[2]))
	require.Equal(t, "run-1", plan.RunID)
	require.Equal(t, "cost-report", plan.PipelineID)
	require.Len(t, plan.Steps(), 4)
}

func TestResolveIndependentStepsShareOneWave(t *testing.T) {
	def := definition(
		domain.StepDefinition{StepID: "b", ProcessorType: "http_extract"},
		domain.StepDefinition{StepID: "a", ProcessorType: "http_extract"},
		domain.StepDefinition{StepID: "c", ProcessorType: "http_extract"},
	)

	plan, err := Resolve(def, testVariables())
	require.NoError(t, err)
	require.Len(t, plan.Waves, 1)
	require.Equal(t, []string{"a", "b", "c"}, waveIDs(plan.Waves[0]))
}

func TestResolveIsDeterministic(t *testing.T) {
	def := definition(
		domain.StepDefinition{StepID: "z", ProcessorType: "http_extract"},
		domain.StepDefinition{StepID: "m", ProcessorType: "http_extract"},
		domain.StepDefinition{StepID: "load", ProcessorType: "warehouse_load", DependsOn: []string{"z", "m"}},
	)

	first, err := Resolve(def, testVariables())
	require.NoError(t, err)
	for range 10 {
		again, err := Resolve(def, testVariables())
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestResolveRejectsCycle(t *testing.T) {
	def := definition(
		domain.StepDefinition{StepID: "a", ProcessorType: "http_extract", DependsOn: []string{"c"}},
		domain.StepDefinition{StepID: "b", ProcessorType: "http_extract", DependsOn: []string{"a"}},
		domain.StepDefinition{StepID: "c", ProcessorType: "http_extract", DependsOn: []string{"b"}},
	)

	_, err := Resolve(def, testVariables())
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Contains(t, cfgErr.Error(), "cycle")
}

func TestResolveRejectsDanglingDependency(t *testing.T) {
	def := definition(
		domain.StepDefinition{StepID: "load", ProcessorType: "warehouse_load", DependsOn: []string{"extract"}},
	)

	_, err := Resolve(def, testVariables())
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Contains(t, cfgErr.Error(), "unknown step")
}

func TestResolveRejectsSelfDependency(t *testing.T) {
	def := definition(
		domain.StepDefinition{StepID: "extract", ProcessorType: "http_extract", DependsOn: []string{"extract"}},
	)

	_, err := Resolve(def, testVariables())
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Contains(t, cfgErr.Error(), "depends on itself")
}

func TestResolveRejectsDuplicateStepID(t *testing.T) {
	def := definition(
		domain.StepDefinition{StepID: "extract", ProcessorType: "http_extract"},
		domain.StepDefinition{StepID: "extract", ProcessorType: "http_extract"},
	)

	_, err := Resolve(def, testVariables())
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Contains(t, cfgErr.Error(), "duplicate step_id")
}

func TestResolveCollectsAllIssues(t *testing.T) {
	def := definition(
		domain.StepDefinition{StepID: "a", ProcessorType: "http_extract", DependsOn: []string{"a"}},
		domain.StepDefinition{StepID: "b", ProcessorType: "http_extract", DependsOn: []string{"ghost"}},
	)

	_, err := Resolve(def, testVariables())
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Len(t, cfgErr.Issues, 2)
}

func TestResolveSubstitutesTemplates(t *testing.T) {
	def := definition(
		domain.StepDefinition{
			StepID:        "extract",
			ProcessorType: "http_extract",
			Config: map[string]string{
				"source_url": "https://api.example.com/{{ tenant_id }}/export?from={{date_start}}&to={{ date_end }}",
				"target":     "{{dataset}}.raw_costs",
				"static":     "unchanged",
			},
		},
	)

	plan, err := Resolve(def, testVariables())
	require.NoError(t, err)

	config := plan.Waves[0][0].Config
	require.Equal(t, "https://api.example.com/acme/export?from=2026-08-24&to=2026-08-25", config["source_url"])
	require.Equal(t, "acme_gcp_billing.raw_costs", config["target"])
	require.Equal(t, "unchanged", config["static"])
}

func TestResolveRejectsUnknownVariable(t *testing.T) {
	def := definition(
		domain.StepDefinition{
			StepID:        "extract",
			ProcessorType: "http_extract",
			Config:        map[string]string{"source_url": "https://example.com/{{ mystery }}"},
		},
	)

	_, err := Resolve(def, testVariables())
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Contains(t, cfgErr.Error(), "unknown variable")
}

func TestResolveRejectsEmptyVariable(t *testing.T) {
	def := definition(
		domain.StepDefinition{
			StepID:        "extract",
			ProcessorType: "http_extract",
			Config:        map[string]string{"target": "{{ dataset }}.raw"},
		},
	)

	vars := testVariables()
	vars.Dataset = ""
	_, err := Resolve(def, vars)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Contains(t, cfgErr.Error(), "is empty")
}

func TestResolveAppliesTimeoutAndRetryDefaults(t *testing.T) {
	def := definition(
		domain.StepDefinition{StepID: "extract", ProcessorType: "http_extract"},
		domain.StepDefinition{
			StepID:         "load",
			ProcessorType:  "warehouse_load",
			DependsOn:      []string{"extract"},
			TimeoutSeconds: 45,
			Retry:          domain.RetryPolicy{MaxAttempts: 4, BackoffSeconds: 10},
		},
	)

	plan, err := Resolve(def, testVariables())
	require.NoError(t, err)

	extract := plan.Waves[0][0]
	require.Equal(t, domain.DefaultStepTimeout, extract.Timeout)
	require.Equal(t, 1, extract.Retry.MaxAttempts)

	load := plan.Waves[1][0]
	require.Equal(t, 45*time.Second, load.Timeout)
	require.Equal(t, 4, load.Retry.MaxAttempts)
	require.Equal(t, 10*time.Second, load.Retry.Backoff())
}
