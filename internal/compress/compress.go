// Package compress reduces redundant operation sequences.
//
// For each tracked row, the unversioned operation log is reduced to the
// smallest sequence with the same net effect. With first = oldest and
// last = newest:
//
//	i + only u        -> i
//	i + ... + d       -> nothing (the row never existed)
//	u + only u        -> first u
//	u + ... + d       -> d
//	d + ... + d       -> first d
//	d + ... + u       -> last u
//	d + ... + i       -> synthetic u at the last op's order
//	single op         -> itself
//
// Compression is idempotent: compressing a compressed sequence returns
// it unchanged.
package compress

import (
	"context"
	"sort"

	"github.com/centraldb/dbsync/internal/logx"
	"github.com/centraldb/dbsync/internal/registry"
	"github.com/centraldb/dbsync/internal/storage"
	"github.com/centraldb/dbsync/internal/types"
)

// groupByRow splits operations into per-row sequences sorted oldest to
// newest, and returns the group keys in first-appearance order.
func groupByRow(ops []types.Operation) (map[types.Key][]types.Operation, []types.Key) {
	sorted := make([]types.Operation, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	groups := make(map[types.Key][]types.Operation)
	var keys []types.Key
	for _, op := range sorted {
		k := op.Key()
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], op)
	}
	return groups, keys
}

// reduce applies the compression table to one sorted sequence.
func reduce(seq []types.Operation) []types.Operation {
	if len(seq) <= 1 {
		return seq
	}
	first, last := seq[0], seq[len(seq)-1]
	switch first.Command {
	case types.CommandInsert:
		if last.Command == types.CommandDelete {
			return nil
		}
		return seq[:1]
	case types.CommandUpdate:
		if last.Command == types.CommandDelete {
			return seq[len(seq)-1:]
		}
		return seq[:1]
	default: // delete
		switch last.Command {
		case types.CommandDelete:
			return seq[:1]
		case types.CommandUpdate:
			return seq[len(seq)-1:]
		default: // insert: the row was deleted and recreated
			synthetic := last
			synthetic.Command = types.CommandUpdate
			return []types.Operation{synthetic}
		}
	}
}

// Operations compresses an operation list in memory. The input is left
// untouched; the result is sorted by order.
func Operations(ops []types.Operation) []types.Operation {
	groups, keys := groupByRow(ops)
	var out []types.Operation
	for _, k := range keys {
		out = append(out, reduce(groups[k])...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// assertSequence checks the operation-log invariants for one row's
// sequence (sorted oldest to newest): only updates between the first and
// last op, nothing after a delete, nothing before an insert. Violations
// indicate external interference or reused primary keys; they are logged
// and then repaired as far as the reduction allows.
func assertSequence(seq []types.Operation) {
	if len(seq) <= 1 {
		return
	}
	bad := false
	for _, op := range seq[1 : len(seq)-1] {
		if op.Command != types.CommandUpdate {
			bad = true
		}
	}
	for _, op := range seq[:len(seq)-1] {
		if op.Command == types.CommandDelete {
			bad = true
		}
	}
	for _, op := range seq[1:] {
		if op.Command == types.CommandInsert {
			bad = true
		}
	}
	if bad {
		cmds := make([]string, len(seq))
		for i, op := range seq {
			cmds[i] = string(op.Command)
		}
		logx.Errorf("inconsistent operation sequence for row %d content type %d: %v; "+
			"the database must never reuse primary keys of tracked tables",
			seq[0].RowID, seq[0].ContentTypeID, cmds)
	}
}

// Database compresses the unversioned operation log in place, then runs
// the repair pass. Kept rows preserve their order values. Called before
// every push and before every merge.
func Database(ctx context.Context, tx *storage.Tx, reg *registry.Registry) error {
	ops, err := tx.UnversionedOperations(ctx)
	if err != nil {
		return err
	}
	groups, keys := groupByRow(ops)
	for _, k := range keys {
		seq := groups[k]
		assertSequence(seq)
		kept := reduce(seq)
		keep := make(map[int64]types.Operation, len(kept))
		for _, op := range kept {
			keep[op.Order] = op
		}
		for _, op := range seq {
			replacement, ok := keep[op.Order]
			if !ok {
				if err := tx.DeleteOperation(ctx, op.Order); err != nil {
					return err
				}
				continue
			}
			if replacement.Command != op.Command {
				// delete-then-insert reduced to a synthetic update
				if err := tx.UpdateOperation(ctx, replacement); err != nil {
					return err
				}
			}
		}
	}
	return repair(ctx, tx, reg)
}

// repair sweeps the remaining unversioned operations and drops the ones
// that are structurally impossible given current database contents. Only
// primary keys are read.
func repair(ctx context.Context, tx *storage.Tx, reg *registry.Registry) error {
	ops, err := tx.UnversionedOperations(ctx)
	if err != nil {
		return err
	}
	type dup struct {
		key types.Key
		cmd types.Command
	}
	deleted := make(map[int64]bool)
	seen := make(map[dup]bool)
	for _, op := range ops {
		model, ok := reg.ModelByContentType(op.ContentTypeID)
		if !ok {
			logx.Errorf("operation %d linked to content type %d which isn't being tracked",
				op.Order, op.ContentTypeID)
			continue
		}
		if op.Command == types.CommandInsert || op.Command == types.CommandUpdate {
			exists, err := tx.RowExists(ctx, model, op.RowID)
			if err != nil {
				return err
			}
			if !exists {
				logx.Warnf("deleting %s for absence of its backing object", op)
				if err := tx.DeleteOperation(ctx, op.Order); err != nil {
					return err
				}
				deleted[op.Order] = true
				continue
			}
		}
		if op.Command == types.CommandUpdate {
			insertFollows, deleteBetween := false, false
			for _, later := range ops {
				if deleted[later.Order] || later.Order <= op.Order || later.Key() != op.Key() {
					continue
				}
				switch later.Command {
				case types.CommandInsert:
					insertFollows = true
				case types.CommandDelete:
					deleteBetween = true
				}
			}
			if insertFollows && !deleteBetween {
				logx.Warnf("deleting %s for preceding an insert", op)
				if err := tx.DeleteOperation(ctx, op.Order); err != nil {
					return err
				}
				deleted[op.Order] = true
				continue
			}
		}
		d := dup{key: op.Key(), cmd: op.Command}
		if seen[d] {
			logx.Warnf("deleting %s for being redundant after compression", op)
			if err := tx.DeleteOperation(ctx, op.Order); err != nil {
				return err
			}
			deleted[op.Order] = true
			continue
		}
		seen[d] = true
	}
	return nil
}
