package server

import (
	"context"
	"sort"
	"time"

	"github.com/centraldb/dbsync/internal/apply"
	"github.com/centraldb/dbsync/internal/logx"
	"github.com/centraldb/dbsync/internal/message"
	"github.com/centraldb/dbsync/internal/storage"
	"github.com/centraldb/dbsync/internal/track"
	"github.com/centraldb/dbsync/internal/types"
)

// Rejection reasons returned to nodes. Clients match on the literal
// text, so these are part of the protocol.
const (
	ReasonPullSuggested = "version identifier isn't the latest one; pull suggested"
	ReasonVersionAhead  = "version identifier is higher than the latest one"
	ReasonNoOperations  = "message has no operations"
	ReasonUnknownNode   = "node isn't registered"
	ReasonBadSignature  = "message isn't properly signed"
)

// HandlePush runs the full push procedure: admission, unique-conflict
// resolution, operation application, and version append, all in one
// transaction with operation recording disabled. Returns the id of the
// new version.
//
// Rejections are *RejectError and leave no trace in the database.
// Retries aren't idempotent; a node must check whether its previous
// attempt got a response before pushing again.
func (s *Server) HandlePush(ctx context.Context, msg *message.Push) (int64, error) {
	var newVersionID int64
	var hooks []apply.ExtensionValue
	err := track.WithListeningDisabled(func() error {
		return s.eng.Transaction(ctx, func(tx *storage.Tx) error {
			if err := s.admit(ctx, tx, msg); err != nil {
				return err
			}
			if err := apply.ResolveUniqueConflicts(ctx, tx, s.reg, msg.Operations, msg.Payload); err != nil {
				return err
			}
			ops := append([]types.Operation(nil), msg.Operations...)
			sort.Slice(ops, func(i, j int) bool { return ops[i].Order < ops[j].Order })
			for _, op := range ops {
				if err := apply.Operation(ctx, tx, s.reg, op, msg.Payload); err != nil {
					return err
				}
			}
			version := types.Version{NodeID: &msg.NodeID, Created: time.Now().UTC()}
			if err := tx.InsertVersion(ctx, &version); err != nil {
				return err
			}
			// Client-supplied orders are never reused; the server
			// assigns fresh ones past every prior operation.
			for _, op := range ops {
				recorded := types.Operation{
					RowID:         op.RowID,
					ContentTypeID: op.ContentTypeID,
					Command:       op.Command,
					VersionID:     &version.VersionID,
				}
				if err := tx.InsertOperation(ctx, &recorded); err != nil {
					return err
				}
			}
			newVersionID = version.VersionID
			hooks = apply.CollectExtensionValues(s.reg, ops, msg.Payload)
			return nil
		})
	})
	if err != nil {
		if rej, ok := err.(*RejectError); ok {
			logx.Warnf("push from node %d rejected: %v", msg.NodeID, rej.Reasons)
			s.logError(ctx, "push", rej.Error(), &msg.NodeID)
		}
		return 0, err
	}
	apply.RunExtensionHooks(hooks)
	return newVersionID, nil
}

// logError records a diagnostic in the log table, outside the failed
// transaction. Best-effort.
func (s *Server) logError(ctx context.Context, source, text string, nodeID *int64) {
	_ = s.eng.Transaction(ctx, func(tx *storage.Tx) error {
		tx.InsertLog(ctx, source, text, nodeID)
		return nil
	})
}

func (s *Server) admit(ctx context.Context, tx *storage.Tx, msg *message.Push) error {
	latest, err := tx.LatestVersionID(ctx)
	if err != nil {
		return err
	}
	switch {
	case latest == nil && msg.LatestVersionID != nil:
		return reject(ReasonVersionAhead)
	case latest != nil && msg.LatestVersionID == nil:
		return &RejectError{Reasons: []string{ReasonPullSuggested}, PullSuggested: true}
	case latest != nil && *msg.LatestVersionID < *latest:
		return &RejectError{Reasons: []string{ReasonPullSuggested}, PullSuggested: true}
	case latest != nil && *msg.LatestVersionID > *latest:
		return reject(ReasonVersionAhead)
	}
	if len(msg.Operations) == 0 {
		return reject(ReasonNoOperations)
	}
	node, err := tx.NodeByID(ctx, msg.NodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return reject(ReasonUnknownNode)
	}
	if err := msg.Verify(node.Secret); err != nil {
		return reject(ReasonBadSignature)
	}
	return nil
}
