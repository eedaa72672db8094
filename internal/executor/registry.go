package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Output is the opaque result a processor hands back, recorded for
// observability only.
type Output map[string]any

// Processor runs one step. Implementations are supplied by extractors,
// transformers and loaders; the executor treats them as opaque and only
// enforces timeout and retry policy around them. Run must honor ctx
// cancellation.
type Processor interface {
	Run(ctx context.Context, config map[string]string, ec ExecutionContext) (Output, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, config map[string]string, ec ExecutionContext) (Output, error)

func (f ProcessorFunc) Run(ctx context.Context, config map[string]string, ec ExecutionContext) (Output, error) {
	return f(ctx, config, ec)
}

// Registry maps processor_type values to implementations. Registration is
// explicit at startup; there is no reflective lookup.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

func (r *Registry) Register(processorType string, processor Processor) error {
	processorType = strings.TrimSpace(processorType)
	if processorType == "" {
		return fmt.Errorf("processor type is required")
	}
	if processor == nil {
		return fmt.Errorf("processor %q is nil", processorType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.processors[processorType]; exists {
		return fmt.Errorf("processor %q already registered", processorType)
	}
	r.processors[processorType] = processor
	return nil
}

func (r *Registry) Get(processorType string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	processor, ok := r.processors[strings.TrimSpace(processorType)]
	return processor, ok
}

// Types lists registered processor types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.processors))
	for processorType := range r.processors {
		types = append(types, processorType)
	}
	sort.Strings(types)
	return types
}
