// Package relay implements signal delivery: a consumer-group worker over
// the durable signals stream that materializes missions via HTTP, a
// dead-letter path for poisoned entries, and the legacy dual-run relay used
// during cutover.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// Mission endpoint call budget, per spec: 5 s connect, 10 s total, up to
// 5 attempts with exponential backoff and full jitter.
const (
	ConnectTimeout = 5 * time.Second
	RequestTimeout = 10 * time.Second
	MaxAttempts    = 5

	backoffBase = 500 * time.Millisecond
	backoffCap  = 10 * time.Second
)

// IdempotencyHeader carries the signal ID so the mission endpoint enforces
// at-most-once creation across delivery paths.
const IdempotencyHeader = "Idempotency-Key"

// Poster posts signal payloads to the mission materialization endpoint.
type Poster struct {
	endpoint string
	client   *http.Client
}

// NewPoster builds a poster for the given endpoint URL.
func NewPoster(endpoint string) *Poster {
	dialer := &net.Dialer{Timeout: ConnectTimeout}
	return &Poster{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: RequestTimeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConnsPerHost: 4,
			},
		},
	}
}

// Post sends one signal payload with the given idempotency key. A non-2xx
// status is returned as an error so callers share one retry decision.
func (p *Poster) Post(ctx context.Context, idemKey string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build mission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, idemKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post mission: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("mission endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Backoff returns the sleep before retry attempt n (0-based), exponential
// with full jitter.
func Backoff(attempt int) time.Duration {
	d := backoffBase << uint(attempt)
	if d > backoffCap {
		d = backoffCap
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
