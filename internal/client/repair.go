package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/centraldb/dbsync/internal/message"
	"github.com/centraldb/dbsync/internal/storage"
	"github.com/centraldb/dbsync/internal/track"
	"github.com/centraldb/dbsync/internal/types"
)

// Repair replaces the whole local state with a server snapshot: every
// tracked table is emptied and refilled, the operation log and version
// history are reset, and the snapshot's version id is recorded. The
// last resort when the local state is beyond reconciliation.
func (c *Client) Repair(ctx context.Context, includeExtensions bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	query := url.Values{}
	if !includeExtensions {
		query.Set("exclude_extensions", "1")
	}
	status, data, err := c.do(ctx, http.MethodGet, "/repair", query, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.badResponse("/repair", status, data)
	}
	snapshot, err := message.DecodeBase(c.reg, data)
	if err != nil {
		return fmt.Errorf("failed to parse repair response: %w", err)
	}
	return track.WithListeningDisabled(func() error {
		return c.eng.Transaction(ctx, func(tx *storage.Tx) error {
			for _, m := range c.reg.Models() {
				if err := tx.DeleteAllRows(ctx, m); err != nil {
					return err
				}
			}
			if err := tx.ClearOperations(ctx); err != nil {
				return err
			}
			if err := tx.ClearVersions(ctx); err != nil {
				return err
			}
			total := 0
			for _, name := range snapshot.Payload.Models() {
				total += len(snapshot.Payload.PKs(name))
			}
			done := 0
			for _, name := range snapshot.Payload.Models() {
				m, ok := c.reg.ModelByName(name)
				if !ok {
					continue
				}
				for _, pk := range snapshot.Payload.PKs(name) {
					if err := tx.InsertRow(ctx, m, snapshot.Payload.Get(name, pk)); err != nil {
						return err
					}
					done++
					c.report("repair", done, total)
				}
			}
			if snapshot.LatestVersionID != nil {
				return tx.InsertVersionWithID(ctx, types.Version{
					VersionID: *snapshot.LatestVersionID,
					Created:   time.Now().UTC(),
				})
			}
			return nil
		})
	})
}
