package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IsConnected reports whether the server answers at all.
func (c *Client) IsConnected(ctx context.Context) bool {
	status, _, err := c.do(ctx, http.MethodHead, "/ping", nil, nil)
	return err == nil && status == http.StatusOK
}

// ServerReady reports whether the server answers and its database is
// healthy.
func (c *Client) ServerReady(ctx context.Context) bool {
	status, _, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err == nil && status == http.StatusOK
}

// WaitReady polls the server with exponential backoff until it is ready
// or maxWait elapses.
func (c *Client) WaitReady(ctx context.Context, maxWait time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = maxWait
	return backoff.Retry(func() error {
		if c.ServerReady(ctx) {
			return nil
		}
		return fmt.Errorf("server at %s isn't ready", c.baseURL)
	}, backoff.WithContext(policy, ctx))
}
