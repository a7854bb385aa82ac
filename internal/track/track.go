// Package track records CUD operations for tracked tables.
//
// Mutations of tracked tables go through a Session, which wraps the
// application's own transaction. Each mutation is performed and, when
// listening is enabled and the model is push-tracked, an operation is
// queued. The queue is drained into the engine's own transaction when
// the session commits; a rollback discards it. Operations are never
// written inside the application's possibly failing transaction.
package track

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/centraldb/dbsync/internal/logx"
	"github.com/centraldb/dbsync/internal/registry"
	"github.com/centraldb/dbsync/internal/storage"
	"github.com/centraldb/dbsync/internal/types"
)

// listening is the process-wide flag; operations are recorded only while
// it is set. The merge and push procedures clear it around their writes.
var listening atomic.Bool

func init() { listening.Store(true) }

// Listening reports whether operation recording is enabled.
func Listening() bool { return listening.Load() }

// SetListening toggles operation recording.
func SetListening(enabled bool) { listening.Store(enabled) }

// WithListeningDisabled runs fn with recording off, restoring the prior
// state on every exit path.
func WithListeningDisabled(fn func() error) error {
	prev := listening.Swap(false)
	defer listening.Store(prev)
	return fn()
}

type queued struct {
	model *registry.Model
	op    types.Operation
	row   types.Row // new values; nil for deletes
	old   types.Row // prior values; nil for inserts
}

// Session wraps one application transaction over tracked tables.
type Session struct {
	eng    *storage.Engine
	reg    *registry.Registry
	tx     *sql.Tx
	stx    *storage.Tx
	queue  []queued
	server bool
	done   bool
}

// NewSession begins a tracked application transaction.
func NewSession(ctx context.Context, eng *storage.Engine, reg *registry.Registry) (*Session, error) {
	tx, err := eng.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin session: %w", err)
	}
	return &Session{eng: eng, reg: reg, tx: tx, stx: eng.Wrap(tx)}, nil
}

// NewServerSession begins a tracked transaction for direct server
// writes. Every recorded operation gets its own version on commit, so
// occasionally connected nodes can pull direct server changes.
func NewServerSession(ctx context.Context, eng *storage.Engine, reg *registry.Registry) (*Session, error) {
	s, err := NewSession(ctx, eng, reg)
	if err != nil {
		return nil, err
	}
	s.server = true
	return s, nil
}

func (s *Session) model(name string) (*registry.Model, error) {
	m, ok := s.reg.ModelByName(name)
	if !ok {
		return nil, fmt.Errorf("model %s isn't being tracked", name)
	}
	return m, nil
}

func (s *Session) enqueue(m *registry.Model, cmd types.Command, pk int64, row, old types.Row) {
	if !Listening() || !m.Push {
		return
	}
	s.queue = append(s.queue, queued{
		model: m,
		op: types.Operation{
			RowID:         pk,
			ContentTypeID: registry.ContentTypeID(m.Name, m.Table),
			Command:       cmd,
		},
		row: row,
		old: old,
	})
}

// Insert inserts a tracked row and records an 'i' operation.
func (s *Session) Insert(ctx context.Context, model string, row types.Row) error {
	m, err := s.model(model)
	if err != nil {
		return err
	}
	pk, err := storage.PKValue(m, row)
	if err != nil {
		return err
	}
	if err := s.stx.InsertRow(ctx, m, row); err != nil {
		return err
	}
	s.enqueue(m, types.CommandInsert, pk, row, nil)
	return nil
}

// Update copies the row's values onto the stored record and records a
// 'u' operation. If no persisted column actually changes, no operation
// is recorded.
func (s *Session) Update(ctx context.Context, model string, row types.Row) error {
	m, err := s.model(model)
	if err != nil {
		return err
	}
	pk, err := storage.PKValue(m, row)
	if err != nil {
		return err
	}
	old, err := s.stx.SelectRow(ctx, m, pk)
	if err != nil {
		return err
	}
	if old == nil {
		return fmt.Errorf("cannot update %s %d: no such row", model, pk)
	}
	if err := s.stx.UpdateRow(ctx, m, pk, row); err != nil {
		return err
	}
	if !rowChanged(m, old, row) {
		return nil
	}
	s.enqueue(m, types.CommandUpdate, pk, row, old)
	return nil
}

// Delete removes a tracked row and records a 'd' operation.
func (s *Session) Delete(ctx context.Context, model string, pk int64) error {
	m, err := s.model(model)
	if err != nil {
		return err
	}
	old, err := s.stx.SelectRow(ctx, m, pk)
	if err != nil {
		return err
	}
	if err := s.stx.DeleteRow(ctx, m, pk); err != nil {
		return err
	}
	s.enqueue(m, types.CommandDelete, pk, nil, old)
	return nil
}

// rowChanged reports whether any persisted column in new differs from
// old. Columns absent from new are not compared.
func rowChanged(m *registry.Model, old, new types.Row) bool {
	for _, c := range m.Columns {
		if c.Name == m.PK {
			continue
		}
		nv, ok := new[c.Name]
		if !ok {
			continue
		}
		if !valueEqual(old[c.Name], nv) {
			return true
		}
	}
	return false
}

func valueEqual(a, b any) bool {
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && string(ab) == string(bb)
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	return a == b
}

// Commit commits the application transaction and then persists the
// queued operations inside the engine's own transaction. Extension save
// and delete hooks run after that commit; their failures are logged and
// never propagate.
func (s *Session) Commit(ctx context.Context) error {
	if s.done {
		return fmt.Errorf("session already finished")
	}
	s.done = true
	if err := s.tx.Commit(); err != nil {
		s.queue = nil
		return fmt.Errorf("failed to commit session: %w", err)
	}
	if len(s.queue) == 0 {
		return nil
	}
	err := s.eng.Transaction(ctx, func(tx *storage.Tx) error {
		for i := range s.queue {
			q := &s.queue[i]
			if s.server {
				v := types.Version{Created: time.Now().UTC()}
				if err := tx.InsertVersion(ctx, &v); err != nil {
					return err
				}
				q.op.VersionID = &v.VersionID
			}
			if err := tx.InsertOperation(ctx, &q.op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record operations: %w", err)
	}
	s.runExtensionHooks()
	return nil
}

// Rollback aborts the application transaction and discards the queue.
func (s *Session) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	s.queue = nil
	return s.tx.Rollback()
}

func (s *Session) runExtensionHooks() {
	for _, q := range s.queue {
		for field, ext := range q.model.Extensions {
			switch q.op.Command {
			case types.CommandInsert, types.CommandUpdate:
				if err := ext.Save(q.op.RowID, q.row[field]); err != nil {
					logx.Errorf("extension %s.%s save hook failed: %v", q.model.Name, field, err)
				}
				if q.op.Command == types.CommandUpdate && ext.Delete != nil {
					if err := ext.Delete(q.old, q.row); err != nil {
						logx.Errorf("extension %s.%s delete hook failed: %v", q.model.Name, field, err)
					}
				}
			case types.CommandDelete:
				if ext.Delete != nil {
					if err := ext.Delete(q.old, nil); err != nil {
						logx.Errorf("extension %s.%s delete hook failed: %v", q.model.Name, field, err)
					}
				}
			}
		}
	}
}
