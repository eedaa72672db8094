// Package resolver turns a declarative pipeline definition into a concrete
// execution plan: template variables substituted, dependency graph
// validated, steps grouped into waves that may run concurrently.
package resolver

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dominikbraun/graph"

	"github.com/datalift-hq/datalift-go/internal/domain"
)

// Variables are the runtime values substituted into step configs. All
// placeholders must resolve; no templating survives into the plan.
type Variables struct {
	TenantID     string
	CredentialID string
	RunID        string
	RunDate      string
	DateStart    string
	DateEnd      string
	Dataset      string
}

func (v Variables) lookup() map[string]string {
	return map[string]string{
		"tenant_id":     v.TenantID,
		"credential_id": v.CredentialID,
		"run_id":        v.RunID,
		"run_date":      v.RunDate,
		"date_start":    v.DateStart,
		"date_end":      v.DateEnd,
		"dataset":       v.Dataset,
	}
}

// PlanStep is one fully resolved step, ready for the executor.
type PlanStep struct {
	StepID        string
	ProcessorType string
	Config        map[string]string
	Timeout       time.Duration
	Retry         domain.RetryPolicy
}

// Wave is a maximal set of steps with no dependency ordering among them,
// eligible to run concurrently. Waves execute strictly in order.
type Wave []PlanStep

// ExecutionPlan is the ordered wave list for one run.
type ExecutionPlan struct {
	RunID      string
	TenantID   string
	PipelineID string
	Waves      []Wave
}

// Steps returns all plan steps in wave order.
func (p ExecutionPlan) Steps() []PlanStep {
	steps := make([]PlanStep, 0)
	for _, wave := range p.Waves {
		steps = append(steps, wave...)
	}
	return steps
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-z_]+)\s*\}\}`)

// Resolve validates the definition's dependency graph and substitutes
// runtime variables into every step config. Any failure returns a
// *ConfigError; no partial plan is produced.
func Resolve(def domain.PipelineDefinition, vars Variables) (ExecutionPlan, error) {
	issues := &ConfigError{}

	if err := def.ValidateBasicShape(); err != nil {
		issues.Add(err.Error())
		return ExecutionPlan{}, issues
	}

	steps := make(map[string]domain.StepDefinition, len(def.Steps))
	order := make([]string, 0, len(def.Steps))
	for _, step := range def.Steps {
		if _, exists := steps[step.StepID]; exists {
			issues.Add(fmt.Sprintf("duplicate step_id %q", step.StepID))
			continue
		}
		steps[step.StepID] = step
		order = append(order, step.StepID)
	}

	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	for _, stepID := range order {
		if err := g.AddVertex(stepID); err != nil {
			issues.Add(fmt.Sprintf("step %q: %v", stepID, err))
		}
	}
	for _, stepID := range order {
		for _, dep := range steps[stepID].DependsOn {
			dep = strings.TrimSpace(dep)
			if dep == stepID {
				issues.Add(fmt.Sprintf("step %q depends on itself", stepID))
				continue
			}
			if _, ok := steps[dep]; !ok {
				issues.Add(fmt.Sprintf("step %q depends on unknown step %q", stepID, dep))
				continue
			}
			err := g.AddEdge(dep, stepID)
			switch {
			case err == nil:
			case errors.Is(err, graph.ErrEdgeAlreadyExists):
			case errors.Is(err, graph.ErrEdgeCreatesCycle):
				issues.Add(fmt.Sprintf("dependency %q -> %q creates a cycle", dep, stepID))
			default:
				issues.Add(fmt.Sprintf("dependency %q -> %q: %v", dep, stepID, err))
			}
		}
	}

	if err := issues.OrNil(); err != nil {
		return ExecutionPlan{}, err
	}

	waves, err := buildWaves(steps, order, vars)
	if err != nil {
		return ExecutionPlan{}, err
	}

	return ExecutionPlan{
		RunID:      vars.RunID,
		TenantID:   vars.TenantID,
		PipelineID: def.PipelineID,
		Waves:      waves,
	}, nil
}

// buildWaves strips zero-in-degree steps in rounds. Each round is one wave;
// step order within a wave is sorted for determinism.
func buildWaves(steps map[string]domain.StepDefinition, order []string, vars Variables) ([]Wave, error) {
	issues := &ConfigError{}
	lookup := vars.lookup()

	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, stepID := range order {
		inDegree[stepID] = 0
	}
	for _, stepID := range order {
		for _, dep := range steps[stepID].DependsOn {
			dependents[dep] = append(dependents[dep], stepID)
			inDegree[stepID]++
		}
	}

	remaining := len(steps)
	ready := make([]string, 0, len(steps))
	for _, stepID := range order {
		if inDegree[stepID] == 0 {
			ready = append(ready, stepID)
		}
	}

	waves := make([]Wave, 0)
	for len(ready) > 0 {
		sort.Strings(ready)
		wave := make(Wave, 0, len(ready))
		next := make([]string, 0)
		for _, stepID := range ready {
			step := steps[stepID]
			config, err := resolveConfig(stepID, step.Config, lookup)
			if err != nil {
				issues.Add(err.Error())
			}
			wave = append(wave, PlanStep{
				StepID:        stepID,
				ProcessorType: step.ProcessorType,
				Config:        config,
				Timeout:       step.Timeout(),
				Retry:         step.Retry.Normalize(),
			})
			remaining--
			for _, dependent := range dependents[stepID] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		waves = append(waves, wave)
		ready = next
	}

	// Cycles are caught during graph construction; this guards the wave
	// builder against drifting from that invariant.
	if remaining != 0 {
		issues.Add("dependency graph contains a cycle")
	}
	if err := issues.OrNil(); err != nil {
		return nil, err
	}
	return waves, nil
}

func resolveConfig(stepID string, config map[string]string, lookup map[string]string) (map[string]string, error) {
	issues := &ConfigError{}
	resolved := make(map[string]string, len(config))
	for key, value := range config {
		resolved[key] = placeholderPattern.ReplaceAllStringFunc(value, func(match string) string {
			name := placeholderPattern.FindStringSubmatch(match)[1]
			replacement, ok := lookup[name]
			if !ok {
				issues.Add(fmt.Sprintf("step %q config %q references unknown variable %q", stepID, key, name))
				return match
			}
			if strings.TrimSpace(replacement) == "" {
				issues.Add(fmt.Sprintf("step %q config %q variable %q is empty", stepID, key, name))
				return match
			}
			return replacement
		})
	}
	if err := issues.OrNil(); err != nil {
		return nil, err
	}
	return resolved, nil
}
