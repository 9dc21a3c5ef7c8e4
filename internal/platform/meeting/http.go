package meeting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const maxErrorBody = 1024

type apiRequest struct {
	method         string
	url            string
	body           interface{}
	header         http.Header
	idempotencyKey string
}

// doJSON sends req and decodes a 2xx JSON response into out (when non-nil).
// Non-2xx responses return a *ProviderError carrying at most 1KB of the body.
func doJSON(ctx context.Context, client *http.Client, kind Kind, op string, req apiRequest, out interface{}) (int, error) {
	var body io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return 0, &ProviderError{Provider: kind, Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return 0, &ProviderError{Provider: kind, Op: op, Err: err}
	}
	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.idempotencyKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, &ProviderError{Provider: kind, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &ProviderError{
			Provider:   kind,
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       string(errBody),
		}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, &ProviderError{Provider: kind, Op: op, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return resp.StatusCode, nil
}
