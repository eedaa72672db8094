package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/datalift-hq/datalift-go/internal/executor"
	"github.com/datalift-hq/datalift-go/internal/output"
)

// WarehouseLoad reads the staged batch for the run's lineage key and
// materializes it in the analytical store through the output writer. The
// write replaces any rows a previous run left for the key, so the step is
// safe to retry.
type WarehouseLoad struct {
	store  *minio.Client
	bucket string
	writer *output.Writer
}

func NewWarehouseLoad(store *minio.Client, bucket string, writer *output.Writer) *WarehouseLoad {
	if store == nil || strings.TrimSpace(bucket) == "" || writer == nil {
		return nil
	}
	return &WarehouseLoad{store: store, bucket: bucket, writer: writer}
}

func (p *WarehouseLoad) Run(ctx context.Context, _ map[string]string, ec executor.ExecutionContext) (executor.Output, error) {
	objectKey := stagingObjectKey(ec.Key)
	object, err := p.store.GetObject(ctx, p.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("open staged batch %s: %w", objectKey, err)
	}
	defer func() { _ = object.Close() }()

	raw, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("read staged batch %s: %w", objectKey, err)
	}

	var rows []output.Row
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode staged batch %s: %w", objectKey, err)
	}

	result, err := p.writer.Write(ctx, ec.Key, ec.RunID, rows)
	if err != nil {
		return nil, err
	}
	return executor.Output{
		"rows_deleted":  result.RowsDeleted,
		"rows_inserted": result.RowsInserted,
	}, nil
}
