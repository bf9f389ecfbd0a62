// Package workerclient pushes HTTP requests to worker containers on behalf
// of WorkerRegistry and CancellationService (§4.8, §4.9). Grounded on the
// teacher's internal/pufferpanel/http.go and error.go: a custom transport
// tuned for short-lived outbound calls, a single Push method that logs the
// url, status and elapsed ms via telemetry, and a typed Error carrying the
// status and a message holding the upstream response body (truncated to
// 1024 bytes). OAuth bearer auth is replaced with the
// WORKER_SHARED_SECRET header this spec's workers expect.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"simbatch/internal/telemetry"
)

const pushTimeout = 5 * time.Second

// Error is a structured error from a worker push, mirroring
// pufferpanel.Error's Status/Message shape.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("worker push failed: %d %s", e.Status, e.Message)
}

// Client pushes JSON bodies to worker-exposed HTTP endpoints.
type Client struct {
	http         *http.Client
	sharedSecret string
}

// New creates a Client authenticating pushes with sharedSecret.
func New(sharedSecret string) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		sharedSecret: sharedSecret,
	}
}

// Push POSTs body as JSON to baseURL+path on one worker, with a 5s timeout,
// authenticated via the X-Worker-Secret header.
func (c *Client) Push(ctx context.Context, baseURL, path string, body any) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid worker url: %w", err)
	}
	u.Path = joinPath(u.Path, path)

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Worker-Secret", c.sharedSecret)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		telemetry.Event("worker_push_error", map[string]string{"url": u.String(), "error": err.Error()})
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	telemetry.Event("worker_push", map[string]string{
		"url":    u.String(),
		"status": fmt.Sprintf("%d", resp.StatusCode),
		"ms":     fmt.Sprintf("%d", time.Since(start).Milliseconds()),
	})

	if resp.StatusCode >= 300 {
		return &Error{Status: resp.StatusCode, Message: string(respBody)}
	}
	return nil
}

func joinPath(base, p string) string {
	if base == "" {
		return p
	}
	if base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if len(p) == 0 || p[0] != '/' {
		p = "/" + p
	}
	return base + p
}
