package client

import (
	"context"

	"github.com/centraldb/dbsync/internal/apply"
	"github.com/centraldb/dbsync/internal/compress"
	"github.com/centraldb/dbsync/internal/message"
	"github.com/centraldb/dbsync/internal/storage"
	"github.com/centraldb/dbsync/internal/track"
	"github.com/centraldb/dbsync/internal/types"
)

// merge applies a pull response in one transaction with operation
// recording disabled:
//
//  1. compress the local operation log,
//  2. compress the incoming operation list in memory,
//  3. resolve unique-constraint collisions,
//  4. walk the remote operations in ascending order, resolving the
//     remaining conflict kinds and performing each operation that is
//     still allowed,
//  5. mirror the new server versions locally.
//
// Extension save hooks for the performed operations run after commit.
func (c *Client) merge(ctx context.Context, msg *message.Pull) error {
	var hooks []apply.ExtensionValue
	err := track.WithListeningDisabled(func() error {
		return c.eng.Transaction(ctx, func(tx *storage.Tx) error {
			if err := compress.Database(ctx, tx, c.reg); err != nil {
				return err
			}
			localOps, err := tx.UnversionedOperations(ctx)
			if err != nil {
				return err
			}
			remote := compress.Operations(msg.Operations)
			if err := apply.ResolveUniqueConflicts(ctx, tx, c.reg, remote, msg.Payload); err != nil {
				return err
			}
			state := newMergeState(c, tx, msg.Payload, localOps)
			var performed []types.Operation
			for i, op := range remote {
				resolved, perform, err := state.resolve(ctx, op)
				if err != nil {
					return err
				}
				if perform {
					if err := apply.Operation(ctx, tx, c.reg, resolved, msg.Payload); err != nil {
						return err
					}
					performed = append(performed, resolved)
				}
				c.report("merge", i+1, len(remote))
			}
			for _, v := range msg.Versions {
				if err := tx.InsertVersionWithID(ctx, v); err != nil {
					return err
				}
			}
			hooks = apply.CollectExtensionValues(c.reg, performed, msg.Payload)
			return nil
		})
	})
	if err != nil {
		return err
	}
	apply.RunExtensionHooks(hooks)
	return nil
}
