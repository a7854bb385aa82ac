package server

import (
	"context"

	"github.com/centraldb/dbsync/internal/logx"
	"github.com/centraldb/dbsync/internal/storage"
)

// Trim discards history every node has already acknowledged: operations
// versioned at or below the lowest acknowledged version, and versions
// strictly below it.
//
// A node that never pushed blocks the trim entirely; the operator has
// to remove dead nodes explicitly. With no nodes registered at all,
// everything but the latest version is discarded.
func (s *Server) Trim(ctx context.Context) error {
	return s.eng.Transaction(ctx, func(tx *storage.Tx) error {
		nodes, err := tx.Nodes(ctx)
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
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
		}
		var floor *int64
		for _, node := range nodes {
			acked, err := tx.LatestVersionForNode(ctx, node.NodeID)
			if err != nil {
				return err
			}
			if acked == nil {
				logx.Debugf("trim skipped: node %d has no acknowledged version", node.NodeID)
				return nil
			}
			if floor == nil || *acked < *floor {
				floor = acked
			}
		}
		if err := tx.DeleteOperationsVersionedUpTo(ctx, *floor); err != nil {
			return err
		}
		return tx.DeleteVersionsBelow(ctx, *floor)
	})
}
