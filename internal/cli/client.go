package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Client is a thin JSON client for the force-sync API.
type Client struct {
	base string
	http *http.Client
}

func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

// Trigger posts a sync request; async selects the queued variant.
func (c *Client) Trigger(ctx context.Context, body map[string]any, async bool) (int, map[string]any, error) {
	path := "/sync"
	if async {
		path = "/sync/async"
	}
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *Client) Status(ctx context.Context, id string) (int, map[string]any, error) {
	return c.do(ctx, http.MethodGet, "/sync/status/"+url.PathEscape(id), nil)
}

func (c *Client) Cancel(ctx context.Context, id, reason string) (int, map[string]any, error) {
	path := "/sync/status/" + url.PathEscape(id)
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body map[string]any) (int, map[string]any, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return resp.StatusCode, out, nil
}
