package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunDateLayout is the wire format for lineage run dates.
const RunDateLayout = "2006-01-02"

// LineageKey identifies one logical unit of pipeline output. All rows a
// pipeline produces carry it, and re-running a pipeline for the same key
// replaces the previous row set rather than appending to it.
type LineageKey struct {
	TenantID     string
	PipelineID   string
	CredentialID string
	RunDate      string
}

func (k LineageKey) Validate() error {
	if strings.TrimSpace(k.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(k.PipelineID) == "" {
		return errors.New("pipeline id is required")
	}
	if strings.TrimSpace(k.CredentialID) == "" {
		return errors.New("credential id is required")
	}
	if strings.TrimSpace(k.RunDate) == "" {
		return errors.New("run date is required")
	}
	if _, err := time.Parse(RunDateLayout, k.RunDate); err != nil {
		return fmt.Errorf("run date must be %s: %w", RunDateLayout, err)
	}
	return nil
}

// String renders the key as a stable path fragment, used for staging object
// keys and log attributes.
func (k LineageKey) String() string {
	return strings.Join([]string{k.TenantID, k.PipelineID, k.CredentialID, k.RunDate}, "/")
}
