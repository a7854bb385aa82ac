// Package client implements the node side of the synchronization
// protocol: the HTTP transport, the push and pull procedures, the merge
// with conflict resolution, and the repair and trim maintenance
// routines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/centraldb/dbsync/internal/registry"
	"github.com/centraldb/dbsync/internal/storage"
)

const defaultTimeout = 10 * time.Second

// ProgressFunc reports merge progress: the stage name and how many of
// the stage's items are done.
type ProgressFunc func(stage string, done, total int)

// Client synchronizes a local database against one server.
//
// The synchronization procedures (push, pull, repair) are serialized by
// an internal mutex; concurrent application sessions on tracked tables
// are unaffected.
type Client struct {
	eng *storage.Engine
	reg *registry.Registry

	baseURL      string
	http         *http.Client
	headers      map[string]string
	suggestsPull SuggestsPullFunc
	progress     ProgressFunc
	extraData    func() map[string]any

	mu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// WithSuggestsPull replaces the predicate that classifies push
// rejections as pull-suggested.
func WithSuggestsPull(fn SuggestsPullFunc) Option {
	return func(c *Client) { c.suggestsPull = fn }
}

// WithProgress installs a merge progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Client) { c.progress = fn }
}

// WithExtraData supplies application data attached to push and pull
// messages, for server-side authorization.
func WithExtraData(fn func() map[string]any) Option {
	return func(c *Client) { c.extraData = fn }
}

// New returns a client for the server at baseURL.
func New(eng *storage.Engine, reg *registry.Registry, baseURL string, opts ...Option) *Client {
	c := &Client{
		eng:          eng,
		reg:          reg,
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: defaultTimeout},
		headers:      make(map[string]string),
		suggestsPull: defaultSuggestsPull,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) report(stage string, done, total int) {
	if c.progress != nil {
		c.progress(stage, done, total)
	}
}

func (c *Client) extra() map[string]any {
	if c.extraData == nil {
		return nil
	}
	return c.extraData()
}

// do sends one request and returns the status and raw body. Transport
// failures come back as *NetworkError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (int, []byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &NetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &NetworkError{URL: target, Err: err}
	}
	return resp.StatusCode, data, nil
}

// errorReasons extracts the protocol error body, or nil when the body
// doesn't carry one.
func errorReasons(data []byte) []string {
	var body struct {
		Error []string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil
	}
	return body.Error
}

// badResponse builds the fallback error for an unexpected reply.
func (c *Client) badResponse(path string, status int, data []byte) error {
	body := string(data)
	if len(body) > 512 {
		body = body[:512]
	}
	return &BadResponse{URL: c.baseURL + path, Status: status, Body: body}
}
