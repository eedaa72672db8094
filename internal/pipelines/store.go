// Package pipelines loads declarative pipeline definitions from YAML files
// and serves them from an in-memory cache keyed by (provider, domain,
// pipeline_id). The cache is invalidated only by explicit Reload.
package pipelines

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/datalift-hq/datalift-go/internal/domain"
	"github.com/datalift-hq/datalift-go/internal/repo"
)

type definitionFile struct {
	Provider   string     `yaml:"provider"`
	Domain     string     `yaml:"domain"`
	PipelineID string     `yaml:"pipeline_id"`
	Steps      []stepFile `yaml:"steps"`
}

type stepFile struct {
	StepID         string            `yaml:"step_id"`
	ProcessorType  string            `yaml:"processor_type"`
	Config         map[string]string `yaml:"config"`
	DependsOn      []string          `yaml:"depends_on"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Retry          retryFile         `yaml:"retry"`
}

type retryFile struct {
	MaxAttempts    int `yaml:"max_attempts"`
	BackoffSeconds int `yaml:"backoff_seconds"`
}

type Store struct {
	dir  string
	mu   sync.RWMutex
	defs map[domain.DefinitionKey]domain.PipelineDefinition
}

func NewStore(dir string) *Store {
	return &Store{dir: dir, defs: make(map[domain.DefinitionKey]domain.PipelineDefinition)}
}

// Load walks the definition directory and replaces the cache with the parsed
// definitions. Any invalid file fails the whole load; the previous cache
// stays in place.
func (s *Store) Load() error {
	if s == nil {
		return fmt.Errorf("definition store not initialized")
	}
	defs := make(map[domain.DefinitionKey]domain.PipelineDefinition)
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		def, err := parseFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		key := def.Key()
		if _, exists := defs[key]; exists {
			return fmt.Errorf("%s: duplicate definition for %s", path, key)
		}
		defs[key] = def
		return nil
	})
	if err != nil {
		return fmt.Errorf("load pipeline definitions: %w", err)
	}

	s.mu.Lock()
	s.defs = defs
	s.mu.Unlock()
	return nil
}

// Reload re-reads the definition directory. It is the only cache
// invalidation path.
func (s *Store) Reload() error {
	return s.Load()
}

func (s *Store) Get(key domain.DefinitionKey) (domain.PipelineDefinition, error) {
	if err := key.Validate(); err != nil {
		return domain.PipelineDefinition{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[key]
	if !ok {
		return domain.PipelineDefinition{}, repo.ErrNotFound
	}
	return def, nil
}

// Keys lists the cached definition keys in no particular order.
func (s *Store) Keys() []domain.DefinitionKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]domain.DefinitionKey, 0, len(s.defs))
	for key := range s.defs {
		keys = append(keys, key)
	}
	return keys
}

func parseFile(path string) (domain.PipelineDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.PipelineDefinition{}, err
	}
	return Parse(raw)
}

// Parse decodes one YAML pipeline definition and checks its basic shape.
func Parse(raw []byte) (domain.PipelineDefinition, error) {
	var file definitionFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("decode definition: %w", err)
	}

	def := domain.PipelineDefinition{
		Provider:   strings.TrimSpace(file.Provider),
		Domain:     strings.TrimSpace(file.Domain),
		PipelineID: strings.TrimSpace(file.PipelineID),
		Steps:      make([]domain.StepDefinition, 0, len(file.Steps)),
	}
	for _, step := range file.Steps {
		config := step.Config
		if config == nil {
			config = map[string]string{}
		}
		def.Steps = append(def.Steps, domain.StepDefinition{
			StepID:         strings.TrimSpace(step.StepID),
			ProcessorType:  strings.TrimSpace(step.ProcessorType),
			Config:         config,
			DependsOn:      step.DependsOn,
			TimeoutSeconds: step.TimeoutSeconds,
			Retry: domain.RetryPolicy{
				MaxAttempts:    step.Retry.MaxAttempts,
				BackoffSeconds: step.Retry.BackoffSeconds,
			}.Normalize(),
		})
	}
	if err := def.ValidateBasicShape(); err != nil {
		return domain.PipelineDefinition{}, err
	}
	return def, nil
}
