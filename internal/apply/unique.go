package apply

import (
	"context"
	"time"

	"github.com/centraldb/dbsync/internal/message"
	"github.com/centraldb/dbsync/internal/registry"
	"github.com/centraldb/dbsync/internal/storage"
	"github.com/centraldb/dbsync/internal/types"
)

// reinsertion is one local record staged for delete-and-reinsert while
// resolving a unique collision.
type reinsertion struct {
	model *registry.Model
	pk    int64
	row   types.Row
}

// ResolveUniqueConflicts detects incoming non-delete operations whose
// unique values collide with a different local primary key. When the
// payload also carries the record for that local pk, the local record
// takes that record's unique values; every affected record is deleted
// and reinserted in bulk to dodge transient duplicate-key violations.
// Collisions without such a record, or with equal unique values on both
// sides, are human error and abort with a *types.UniqueConstraintError.
func ResolveUniqueConflicts(ctx context.Context, tx *storage.Tx, reg *registry.Registry, ops []types.Operation, payload message.Payload) error {
	var staged []reinsertion
	seen := make(map[string]map[int64]bool)
	var unresolvable []types.UniqueConflict
	for _, op := range ops {
		if op.Command == types.CommandDelete {
			continue
		}
		m, ok := reg.ModelByContentType(op.ContentTypeID)
		if !ok {
			continue
		}
		incoming := payload.Get(m.Name, op.RowID)
		if incoming == nil {
			continue
		}
		for _, unique := range m.Unique {
			values := make([]any, len(unique))
			for i, col := range unique {
				values[i] = incoming[col]
			}
			localPK, err := tx.FindUniquePK(ctx, m, unique, values)
			if err != nil {
				return err
			}
			if localPK == nil || *localPK == op.RowID {
				continue
			}
			if seen[m.Name][*localPK] {
				continue
			}
			replacement := payload.Get(m.Name, *localPK)
			if replacement == nil || uniqueValuesEqual(unique, incoming, replacement) {
				unresolvable = append(unresolvable, types.UniqueConflict{
					Model: m.Name, PK: *localPK, Columns: unique,
				})
				continue
			}
			local, err := tx.SelectRow(ctx, m, *localPK)
			if err != nil {
				return err
			}
			if local == nil {
				continue
			}
			updated := local.Clone()
			for _, col := range unique {
				updated[col] = replacement[col]
			}
			if seen[m.Name] == nil {
				seen[m.Name] = make(map[int64]bool)
			}
			seen[m.Name][*localPK] = true
			staged = append(staged, reinsertion{model: m, pk: *localPK, row: updated})
		}
	}
	if len(unresolvable) > 0 {
		return &types.UniqueConstraintError{Conflicts: unresolvable}
	}
	for _, r := range staged {
		if err := tx.DeleteRow(ctx, r.model, r.pk); err != nil {
			return err
		}
	}
	for _, r := range staged {
		if err := tx.InsertRow(ctx, r.model, r.row); err != nil {
			return err
		}
	}
	return nil
}

func uniqueValuesEqual(columns []string, a, b types.Row) bool {
	for _, col := range columns {
		av, bv := a[col], b[col]
		if ab, ok := av.([]byte); ok {
			bb, ok := bv.([]byte)
			if !ok || string(ab) != string(bb) {
				return false
			}
			continue
		}
		if at, ok := av.(time.Time); ok {
			bt, ok := bv.(time.Time)
			if !ok || !at.Equal(bt) {
				return false
			}
			continue
		}
		if av != bv {
			return false
		}
	}
	return true
}
