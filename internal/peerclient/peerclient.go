// Package peerclient is a small Go SDK for the operator-facing debug HTTP
// surface (internal/debughttp) one webdht peer exposes — the same
// "wrap HTTP details behind a clean Go API" idiom as the teacher's
// internal/client package, reduced to the two read-only endpoints a peer
// actually serves over HTTP (the data path itself runs over the overlay
// frame protocol, not HTTP).
package peerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one peer's debug HTTP surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the peer listening at baseURL (e.g.
// "http://localhost:8080").
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

// Health is the decoded /healthz response.
type Health struct {
	Peer         string `json:"peer"`
	Status       string `json:"status"`
	RoutingPeers int    `json:"routingPeers"`
}

// Stats is the decoded /stats response.
type Stats struct {
	ItemCount    int   `json:"itemCount"`
	TotalSize    int64 `json:"totalSize"`
	RoutingPeers int   `json:"routingPeers"`
}

// Health fetches the peer's /healthz endpoint.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.getJSON(ctx, "/healthz", &h); err != nil {
		return Health{}, err
	}
	return h, nil
}

// Stats fetches the peer's /stats endpoint.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := c.getJSON(ctx, "/stats", &s); err != nil {
		return Stats{}, err
	}
	return s, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("peerclient: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("peerclient: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("peerclient: %s returned %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("peerclient: decode %s response: %w", path, err)
	}
	return nil
}
