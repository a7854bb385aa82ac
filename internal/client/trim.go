package client

import (
	"context"

	"github.com/centraldb/dbsync/internal/storage"
)

// Trim discards synchronized history: every versioned operation and
// every version but the latest. Unversioned operations are untouched.
func (c *Client) Trim(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eng.Transaction(ctx, func(tx *storage.Tx) error {
		latest, err := tx.LatestVersionID(ctx)
		if err != nil {
			return err
		}
		if err := tx.DeleteVersionedOperations(ctx); err != nil {
			return err
		}
		if latest != nil {
			return tx.DeleteVersionsExcept(ctx, *latest)
		}
		return nil
	})
}
