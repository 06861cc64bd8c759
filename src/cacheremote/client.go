// Package cacheremote is a thin HTTP client for an optional shared build
// cache: GET /cas/<hash> fetches a blob, PUT /cas/<hash> stores one. It lets
// a local content-addressable store miss be satisfied from a team-shared
// cache before falling back to actually running the task, mirroring
// Please's own HTTP-based remote cache (distinct from the gRPC remote
// execution contract in src/remoteexec).
package cacheremote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

// Client talks to a remote cache over HTTP, retrying transient failures.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// New returns a Client pointed at baseURL, e.g. "https://cache.example.com".
func New(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.Logger = nil // the teacher's op-go-logging singleton doesn't implement retryablehttp's LeveledLogger
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: c}
}

// Get fetches the object named by hash. The bool return is false, with a nil
// error, on a cache miss (HTTP 404); any other non-2xx status is an error.
func (c *Client) Get(ctx context.Context, hash string) ([]byte, bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/cas/"+hash, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("remote cache GET %s: %s", hash, resp.Status)
	}
	b, err := io.ReadAll(resp.Body)
	return b, true, err
}

// Put uploads data under hash. It's a no-op success if the remote already
// has the object and chooses to respond with a non-body 2xx status.
func (c *Client) Put(ctx context.Context, hash string, data []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/cas/"+hash, data)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("remote cache PUT %s: %s", hash, resp.Status)
	}
}
