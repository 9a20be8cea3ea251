// Package reliability classifies transient upstream failures and retries
// the HTTP calls made by the embedding and generation clients.
package reliability

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// PostJSON posts a JSON payload, retrying transport errors and retryable
// status codes with capped exponential backoff. The payload is replayed
// from memory on each attempt, so callers must only pass idempotent
// requests. A non-retryable response is returned as-is with its body
// open.
func PostJSON(ctx context.Context, client *http.Client, endpoint string, payload []byte, maxAttempts int, base, cap time.Duration) (*http.Response, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(ExponentialBackoff(attempt-1, base, cap)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if IsRetryableHTTPStatus(res.StatusCode) && attempt < maxAttempts-1 {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
			res.Body.Close()
			lastErr = fmt.Errorf("status %d: %s", res.StatusCode, string(body))
			continue
		}
		return res, nil
	}
	return nil, lastErr
}
