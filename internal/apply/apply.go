// Package apply performs synchronization operations against the local
// database. Both the server push handler and the client merge dispatch
// through it.
package apply

import (
	"context"
	"fmt"

	"github.com/centraldb/dbsync/internal/logx"
	"github.com/centraldb/dbsync/internal/message"
	"github.com/centraldb/dbsync/internal/registry"
	"github.com/centraldb/dbsync/internal/storage"
	"github.com/centraldb/dbsync/internal/types"
)

// Operation performs one operation using the payload's backing objects.
//
// Inserts require the backing object and fail the transaction without
// it. Updates and deletes of rows that are already gone are logged and
// skipped: the row's final state is decided elsewhere and aborting would
// lose the rest of the batch.
func Operation(ctx context.Context, tx *storage.Tx, reg *registry.Registry, op types.Operation, payload message.Payload) error {
	m, ok := reg.ModelByContentType(op.ContentTypeID)
	if !ok {
		return &types.OperationError{Op: op, Reason: "content type isn't being tracked"}
	}
	switch op.Command {
	case types.CommandInsert:
		row := payload.Get(m.Name, op.RowID)
		if row == nil {
			return &types.OperationError{Op: op, Reason: "backing object missing from payload"}
		}
		return tx.InsertRow(ctx, m, row)
	case types.CommandUpdate:
		row := payload.Get(m.Name, op.RowID)
		if row == nil {
			return &types.OperationError{Op: op, Reason: "backing object missing from payload"}
		}
		exists, err := tx.RowExists(ctx, m, op.RowID)
		if err != nil {
			return err
		}
		if !exists {
			logx.Warnf("skipping %s: local object not found", op)
			return nil
		}
		return tx.UpdateRow(ctx, m, op.RowID, row)
	case types.CommandDelete:
		exists, err := tx.RowExists(ctx, m, op.RowID)
		if err != nil {
			return err
		}
		if !exists {
			logx.Warnf("skipping %s: local object already deleted", op)
			return nil
		}
		return tx.DeleteRow(ctx, m, op.RowID)
	}
	return fmt.Errorf("unknown command %q", op.Command)
}

// ExtensionValue is one decoded extension field staged for its save hook.
type ExtensionValue struct {
	Model string
	Field string
	PK    int64
	Value any
	Save  func(pk int64, value any) error
}

// CollectExtensionValues gathers the extension save hooks to run after
// commit for the given non-delete operations.
func CollectExtensionValues(reg *registry.Registry, ops []types.Operation, payload message.Payload) []ExtensionValue {
	var out []ExtensionValue
	for _, op := range ops {
		if op.Command == types.CommandDelete {
			continue
		}
		m, ok := reg.ModelByContentType(op.ContentTypeID)
		if !ok {
			continue
		}
		row := payload.Get(m.Name, op.RowID)
		if row == nil {
			continue
		}
		for field, ext := range m.Extensions {
			out = append(out, ExtensionValue{
				Model: m.Name,
				Field: field,
				PK:    op.RowID,
				Value: row[field],
				Save:  ext.Save,
			})
		}
	}
	return out
}

// RunExtensionHooks invokes the staged save hooks. Failures are logged
// and never abort anything; the transaction already committed.
func RunExtensionHooks(values []ExtensionValue) {
	for _, v := range values {
		if err := v.Save(v.PK, v.Value); err != nil {
			logx.Errorf("extension %s.%s save hook failed for pk %d: %v", v.Model, v.Field, v.PK, err)
		}
	}
}

// LoadExtensions populates a row's extension fields through their load
// hooks. Failures are logged and the field is left unset.
func LoadExtensions(m *registry.Model, row types.Row) {
	for field, ext := range m.Extensions {
		value, err := ext.Load(row)
		if err != nil {
			logx.Errorf("extension %s.%s load hook failed: %v", m.Name, field, err)
			continue
		}
		row[field] = value
	}
}
