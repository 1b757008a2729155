// Package engine adapts the remote SMC analytic service to the HintEngine
// port. The engine is a pure function from snapshot to hint; this client
// only moves bytes.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"smc-systemv1/internal/model"
)

const maxResponseBytes = 8 << 20

// HTTPClient calls the engine's /compute endpoint.
type HTTPClient struct {
	url    string
	client *http.Client
}

// NewHTTPClient creates a client with a hard per-call timeout.
func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// ComputeHint posts the snapshot and decodes the hint.
func (c *HTTPClient) ComputeHint(ctx context.Context, snap model.ComputeSnapshot) (*model.Hint, error) {
	body, err := json.Marshal(&snap)
	if err != nil {
		return nil, fmt.Errorf("engine encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine call %s/%s: %w", snap.Symbol, snap.TF, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("engine read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine status %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var hint model.Hint
	if err := json.Unmarshal(data, &hint); err != nil {
		return nil, fmt.Errorf("engine decode: %w", err)
	}
	return &hint, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
