package client

import (
	"context"
	"sort"

	"github.com/centraldb/dbsync/internal/logx"
	"github.com/centraldb/dbsync/internal/message"
	"github.com/centraldb/dbsync/internal/registry"
	"github.com/centraldb/dbsync/internal/storage"
	"github.com/centraldb/dbsync/internal/types"
)

// mergeState carries the local unversioned operations through the merge
// walk. After compression each row has at most one local operation, so
// a map keyed by (content_type_id, row_id) is enough.
type mergeState struct {
	c       *Client
	tx      *storage.Tx
	payload message.Payload
	local   map[types.Key]*types.Operation
}

func newMergeState(c *Client, tx *storage.Tx, payload message.Payload, localOps []types.Operation) *mergeState {
	local := make(map[types.Key]*types.Operation, len(localOps))
	for i := range localOps {
		local[localOps[i].Key()] = &localOps[i]
	}
	return &mergeState{c: c, tx: tx, payload: payload, local: local}
}

// resolve classifies one remote operation against the local state and
// applies the prescribed resolution. It returns the operation to
// perform, possibly rewritten, and whether to perform it at all.
func (s *mergeState) resolve(ctx context.Context, remote types.Operation) (types.Operation, bool, error) {
	if remote.Command != types.CommandDelete {
		// Reversed-dependency: this op references parents the local
		// side deleted. Restore them from the payload first.
		if err := s.restoreDeletedParents(ctx, remote); err != nil {
			return remote, false, err
		}
	}
	local := s.local[remote.Key()]
	switch remote.Command {
	case types.CommandInsert:
		if local != nil && local.Command == types.CommandInsert {
			// Insert conflict: both sides created the same pk. The
			// local row moves out of the way.
			if err := s.renumberLocalInsert(ctx, local, remote); err != nil {
				return remote, false, err
			}
		}
		return remote, true, nil
	case types.CommandUpdate:
		if local == nil || local.Command == types.CommandInsert {
			return remote, true, nil
		}
		if local.Command == types.CommandUpdate {
			// Local wins.
			return remote, false, nil
		}
		// Locally deleted, remotely updated: the row comes back.
		if err := s.purgeLocal(ctx, local); err != nil {
			return remote, false, err
		}
		remote.Command = types.CommandInsert
		return remote, true, nil
	default: // delete
		if local != nil && local.Command == types.CommandUpdate {
			// Locally updated, remotely deleted: the local version
			// survives as a fresh insert.
			local.Command = types.CommandInsert
			if err := s.tx.UpdateOperation(ctx, *local); err != nil {
				return remote, false, err
			}
			return remote, false, nil
		}
		if local != nil && local.Command == types.CommandDelete {
			// Both deleted it.
			if err := s.purgeLocal(ctx, local); err != nil {
				return remote, false, err
			}
			return remote, false, nil
		}
		conflicted, err := s.dependencyConflict(ctx, remote)
		if err != nil {
			return remote, false, err
		}
		if conflicted {
			if err := s.keepParentAlive(ctx, remote); err != nil {
				return remote, false, err
			}
			return remote, false, nil
		}
		return remote, true, nil
	}
}

// purgeLocal discards one local unversioned operation.
func (s *mergeState) purgeLocal(ctx context.Context, local *types.Operation) error {
	if err := s.tx.DeleteOperation(ctx, local.Order); err != nil {
		return err
	}
	delete(s.local, local.Key())
	return nil
}

// restoreDeletedParents reinserts, from the payload, every parent row
// of the remote operation's object that a local delete removed, and
// purges those local deletes.
func (s *mergeState) restoreDeletedParents(ctx context.Context, remote types.Operation) error {
	m, ok := s.c.reg.ModelByContentType(remote.ContentTypeID)
	if !ok {
		return nil
	}
	obj := s.payload.Get(m.Name, remote.RowID)
	if obj == nil {
		return nil
	}
	for _, fk := range m.ForeignKeys {
		parent, ok := s.c.reg.ModelByName(fk.RefModel)
		if !ok {
			continue
		}
		parentPK, ok := obj[fk.Column].(int64)
		if !ok {
			continue
		}
		key := types.Key{
			ContentTypeID: registry.ContentTypeID(parent.Name, parent.Table),
			RowID:         parentPK,
		}
		local := s.local[key]
		if local == nil || local.Command != types.CommandDelete {
			continue
		}
		parentRow := s.payload.Get(parent.Name, parentPK)
		if parentRow == nil {
			logx.Warnf("cannot restore %s %d: object missing from payload", parent.Name, parentPK)
			continue
		}
		if err := s.tx.InsertRow(ctx, parent, parentRow); err != nil {
			return err
		}
		if err := s.purgeLocal(ctx, local); err != nil {
			return err
		}
	}
	return nil
}

// dependencyConflict reports whether the remote delete targets a row
// that a local insert or update still references through a foreign key.
func (s *mergeState) dependencyConflict(ctx context.Context, remote types.Operation) (bool, error) {
	parent, ok := s.c.reg.ModelByContentType(remote.ContentTypeID)
	if !ok {
		return false, nil
	}
	for child, fkColumns := range s.c.reg.ReferencingModels(parent) {
		pks, err := s.tx.PKsReferencing(ctx, child, fkColumns, remote.RowID)
		if err != nil {
			return false, err
		}
		childCT := registry.ContentTypeID(child.Name, child.Table)
		for _, pk := range pks {
			local := s.local[types.Key{ContentTypeID: childCT, RowID: pk}]
			if local != nil && local.Command != types.CommandDelete {
				return true, nil
			}
		}
	}
	return false, nil
}

// keepParentAlive records that the parent row a skipped remote delete
// targeted now exists by local will: every local operation shifts one
// order slot up and a synthetic insert takes the freed first slot.
func (s *mergeState) keepParentAlive(ctx context.Context, remote types.Operation) error {
	ops := make([]*types.Operation, 0, len(s.local))
	for _, op := range s.local {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Order > ops[j].Order })
	freed := ops[len(ops)-1].Order
	for _, op := range ops {
		if err := s.tx.ShiftOperationOrder(ctx, op.Order, op.Order+1); err != nil {
			return err
		}
		op.Order++
	}
	synthetic := types.Operation{
		Order:         freed,
		RowID:         remote.RowID,
		ContentTypeID: remote.ContentTypeID,
		Command:       types.CommandInsert,
	}
	if err := s.tx.InsertOperationAt(ctx, synthetic); err != nil {
		return err
	}
	s.local[synthetic.Key()] = &synthetic
	return nil
}

// renumberLocalInsert moves a locally inserted row (and everything
// referencing it) to a fresh primary key so the remote insert can land
// on the contested one.
func (s *mergeState) renumberLocalInsert(ctx context.Context, local *types.Operation, remote types.Operation) error {
	m, ok := s.c.reg.ModelByContentType(remote.ContentTypeID)
	if !ok {
		return nil
	}
	next, err := s.tx.MaxPK(ctx, m)
	if err != nil {
		return err
	}
	for _, pk := range s.payload.PKs(m.Name) {
		if pk > next {
			next = pk
		}
	}
	next++
	if err := s.tx.UpdateRowPK(ctx, m, local.RowID, next); err != nil {
		return err
	}
	for child, fkColumns := range s.c.reg.ReferencingModels(m) {
		for _, col := range fkColumns {
			if err := s.tx.UpdateFKReferences(ctx, child, col, local.RowID, next); err != nil {
				return err
			}
		}
	}
	delete(s.local, local.Key())
	local.RowID = next
	if err := s.tx.UpdateOperation(ctx, *local); err != nil {
		return err
	}
	s.local[local.Key()] = local
	return nil
}
