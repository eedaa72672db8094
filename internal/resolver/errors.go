package resolver

import "strings"

// ConfigError aggregates pipeline graph and template resolution issues. It
// is fatal to a run before any step executes.
type ConfigError struct {
	Issues []string
}

func (e *ConfigError) Error() string {
	if len(e.Issues) == 0 {
		return "pipeline configuration invalid"
	}
	return "pipeline configuration invalid: " + strings.Join(e.Issues, "; ")
}

func (e *ConfigError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ConfigError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}
