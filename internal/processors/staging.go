// Package processors provides the built-in step processors: extraction into
// the staging object store, warehouse transform invocation, and idempotent
// load through the output writer. Provider-specific processors register
// alongside these at startup.
package processors

import (
	"github.com/datalift-hq/datalift-go/internal/domain"
)

// Processor type names used in pipeline definitions.
const (
	TypeHTTPExtract        = "http_extract"
	TypeWarehouseTransform = "warehouse_transform"
	TypeWarehouseLoad      = "warehouse_load"
)

// stagingObjectKey is the conventional location of a run's staged raw batch.
// Extract writes it, load reads it; the lineage key keeps re-runs landing on
// the same object.
func stagingObjectKey(key domain.LineageKey) string {
	return "raw/" + key.String() + "/batch.json"
}
