package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefinitionKey addresses a pipeline definition in the configuration store.
type DefinitionKey struct {
	Provider   string
	Domain     string
	PipelineID string
}

func (k DefinitionKey) Validate() error {
	if strings.TrimSpace(k.Provider) == "" {
		return errors.New("provider is required")
	}
	if strings.TrimSpace(k.Domain) == "" {
		return errors.New("domain is required")
	}
	if strings.TrimSpace(k.PipelineID) == "" {
		return errors.New("pipeline id is required")
	}
	return nil
}

func (k DefinitionKey) String() string {
	return k.Provider + "/" + k.Domain + "/" + k.PipelineID
}

// PipelineDefinition is the declarative step graph for one pipeline, loaded
// from configuration and immutable at runtime.
type PipelineDefinition struct {
	Provider   string
	Domain     string
	PipelineID string
	Steps      []StepDefinition
}

// StepDefinition declares one step of a pipeline. Config values may contain
// template placeholders that the resolver substitutes before execution.
type StepDefinition struct {
	StepID         string
	ProcessorType  string
	Config         map[string]string
	DependsOn      []string
	TimeoutSeconds int
	Retry          RetryPolicy
}

// Timeout returns the step timeout with the default applied.
func (s StepDefinition) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return DefaultStepTimeout
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// DefaultStepTimeout bounds a step whose definition omits a timeout.
const DefaultStepTimeout = 5 * time.Minute

// RetryPolicy is a fixed-delay retry budget for one step.
type RetryPolicy struct {
	MaxAttempts    int
	BackoffSeconds int
}

// Normalize applies defaults: at least one attempt, non-negative backoff.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffSeconds < 0 {
		p.BackoffSeconds = 0
	}
	return p
}

// Backoff returns the fixed delay between attempts.
func (p RetryPolicy) Backoff() time.Duration {
	if p.BackoffSeconds <= 0 {
		return 0
	}
	return time.Duration(p.BackoffSeconds) * time.Second
}

// Key returns the definition's address in the configuration store.
func (d PipelineDefinition) Key() DefinitionKey {
	return DefinitionKey{Provider: d.Provider, Domain: d.Domain, PipelineID: d.PipelineID}
}

// ValidateBasicShape performs lightweight structural checks without DAG
// traversal; graph-level validation belongs to the resolver.
func (d PipelineDefinition) ValidateBasicShape() error {
	if err := d.Key().Validate(); err != nil {
		return err
	}
	if len(d.Steps) == 0 {
		return errors.New("steps must contain at least one step")
	}
	for i, step := range d.Steps {
		if strings.TrimSpace(step.StepID) == "" {
			return fmt.Errorf("step[%d] step_id is required", i)
		}
		if strings.TrimSpace(step.ProcessorType) == "" {
			return fmt.Errorf("step[%s] processor_type is required", step.StepID)
		}
		if step.TimeoutSeconds < 0 {
			return fmt.Errorf("step[%s] timeout_seconds must be >= 0", step.StepID)
		}
		if step.Retry.MaxAttempts < 0 {
			return fmt.Errorf("step[%s] retry.max_attempts must be >= 0", step.StepID)
		}
		if step.Retry.BackoffSeconds < 0 {
			return fmt.Errorf("step[%s] retry.backoff_seconds must be >= 0", step.StepID)
		}
	}
	return nil
}
