package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/datalift-hq/datalift-go/internal/executor"
)

const maxExtractBytes = 64 << 20

// HTTPExtract pulls a JSON batch from a provider endpoint and stages it in
// the object store under the run's lineage key. Config:
//
//	source_url   endpoint to fetch (templated in the definition)
//	auth_header  optional Authorization header value
type HTTPExtract struct {
	store  *minio.Client
	bucket string
	client *http.Client
}

func NewHTTPExtract(store *minio.Client, bucket string, timeout time.Duration) *HTTPExtract {
	if store == nil || strings.TrimSpace(bucket) == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExtract{
		store:  store,
		bucket: bucket,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPExtract) Run(ctx context.Context, config map[string]string, ec executor.ExecutionContext) (executor.Output, error) {
	sourceURL := strings.TrimSpace(config["source_url"])
	if sourceURL == "" {
		return nil, fmt.Errorf("source_url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if auth := strings.TrimSpace(config["auth_header"]); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extract request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extract request: unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxExtractBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read extract response: %w", err)
	}
	if len(raw) > maxExtractBytes {
		return nil, fmt.Errorf("extract response exceeds %d bytes", maxExtractBytes)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("extract response is not valid JSON")
	}

	objectKey := stagingObjectKey(ec.Key)
	_, err = p.store.PutObject(ctx, p.bucket, objectKey, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"run-id": ec.RunID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("stage extract batch: %w", err)
	}

	return executor.Output{
		"object_key": objectKey,
		"bytes":      len(raw),
	}, nil
}
