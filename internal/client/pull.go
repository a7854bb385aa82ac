package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/centraldb/dbsync/internal/compress"
	"github.com/centraldb/dbsync/internal/message"
	"github.com/centraldb/dbsync/internal/storage"
)

// Pull fetches the versions this node hasn't seen and merges them into
// the local database.
func (c *Client) Pull(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := &message.PullRequest{ExtraData: c.extra()}
	err := c.eng.Transaction(ctx, func(tx *storage.Tx) error {
		if err := compress.Database(ctx, tx, c.reg); err != nil {
			return err
		}
		var err error
		if req.Operations, err = tx.UnversionedOperations(ctx); err != nil {
			return err
		}
		req.LatestVersionID, err = tx.LatestVersionID(ctx)
		return err
	})
	if err != nil {
		return err
	}
	status, data, err := c.do(ctx, http.MethodPost, "/pull", nil, req.Encode())
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.badResponse("/pull", status, data)
	}
	msg, err := message.DecodePull(c.reg, data)
	if err != nil {
		return fmt.Errorf("failed to parse pull response: %w", err)
	}
	return c.merge(ctx, msg)
}

// Merge applies an already-fetched pull response. Pull calls it
// internally; it is exported for applying messages obtained out of
// band.
func (c *Client) Merge(ctx context.Context, msg *message.Pull) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merge(ctx, msg)
}
