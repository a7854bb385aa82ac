package track

import (
	"context"
	"fmt"

	"github.com/centraldb/dbsync/internal/compress"
	"github.com/centraldb/dbsync/internal/registry"
	"github.com/centraldb/dbsync/internal/storage"
	"github.com/centraldb/dbsync/internal/types"
)

// GenerateContentTypes populates the content-type table from the
// registry. Already-present entries are left untouched; ids are
// read-only after first registration.
func GenerateContentTypes(ctx context.Context, eng *storage.Engine, reg *registry.Registry) error {
	return eng.Transaction(ctx, func(tx *storage.Tx) error {
		return tx.EnsureContentTypes(ctx, reg.ContentTypes())
	})
}

// IsSynched reports whether the given tracked row has no pending
// unversioned operation.
func IsSynched(ctx context.Context, eng *storage.Engine, reg *registry.Registry, model string, pk int64) (bool, error) {
	m, ok := reg.ModelByName(model)
	if !ok {
		return false, fmt.Errorf("model %s isn't being tracked", model)
	}
	key := types.Key{ContentTypeID: registry.ContentTypeID(m.Name, m.Table), RowID: pk}
	synched := true
	err := eng.Transaction(ctx, func(tx *storage.Tx) error {
		last, err := tx.LastOperationForRow(ctx, key)
		if err != nil {
			return err
		}
		synched = last == nil || last.VersionID != nil
		return nil
	})
	return synched, err
}

// UnsynchedObject is one pending local change: the model, the primary
// key of the affected row, and the net command. Deleted rows are no
// longer present in the database.
type UnsynchedObject struct {
	Model   string
	PK      int64
	Command types.Command
}

// UnsynchedObjects compresses the local log and returns the pending
// changes of models tracked in both directions.
func UnsynchedObjects(ctx context.Context, eng *storage.Engine, reg *registry.Registry) ([]UnsynchedObject, error) {
	var out []UnsynchedObject
	err := eng.Transaction(ctx, func(tx *storage.Tx) error {
		if err := compress.Database(ctx, tx, reg); err != nil {
			return err
		}
		ops, err := tx.UnversionedOperations(ctx)
		if err != nil {
			return err
		}
		for _, op := range ops {
			m, ok := reg.ModelByContentType(op.ContentTypeID)
			if !ok || !m.Push || !m.Pull {
				continue
			}
			out = append(out, UnsynchedObject{Model: m.Name, PK: op.RowID, Command: op.Command})
		}
		return nil
	})
	return out, err
}
