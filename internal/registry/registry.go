// Package registry indexes the tracked models.
//
// Each tracked table is a first-class Model entry carrying its column
// types, foreign keys and unique constraints. The registry maintains
// lookups by model name, table name and content-type id; content-type ids
// are derived once and immutable afterwards.
package registry

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"github.com/centraldb/dbsync/internal/codec"
	"github.com/centraldb/dbsync/internal/types"
)

// Column describes one scalar column of a tracked table.
type Column struct {
	Name string
	Type codec.Type
}

// ForeignKey declares that Column references RefColumn of RefModel.
type ForeignKey struct {
	Column    string
	RefModel  string
	RefColumn string
}

// Extension is a virtual per-model field with user-supplied behavior.
// Load supplies the encoded value from the live row. Save is invoked
// after commit with the row's primary key and the decoded value. Delete,
// if set, receives the prior and new rows (the latter nil for full
// deletes). Hook failures are logged and never abort the transaction.
type Extension struct {
	Type   codec.Type
	Load   func(row types.Row) (any, error)
	Save   func(pk int64, value any) error
	Delete func(old, new types.Row) error
}

// Model describes one tracked table.
type Model struct {
	Name        string
	Table       string
	PK          string
	Columns     []Column
	ForeignKeys []ForeignKey
	Unique      [][]string

	// Direction flags. A pull-only model records no operations.
	Push bool
	Pull bool

	Extensions map[string]Extension
}

// ColumnType returns the declared type of a column, or false if the
// column (or extension field) is unknown.
func (m *Model) ColumnType(name string) (codec.Type, bool) {
	for _, c := range m.Columns {
		if c.Name == name {
			return c.Type, true
		}
	}
	if ext, ok := m.Extensions[name]; ok {
		return ext.Type, true
	}
	return 0, false
}

// ColumnNames returns the persisted column names in declaration order.
func (m *Model) ColumnNames() []string {
	names := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		names[i] = c.Name
	}
	return names
}

// ContentTypeID derives the stable content-type id for a model/table
// pair: CRC32 of "<model_name>/<table_name>" with the IEEE polynomial
// and initial seed 0.
func ContentTypeID(modelName, tableName string) uint32 {
	return crc32.ChecksumIEEE([]byte(modelName + "/" + tableName))
}

// Registry is the process-wide index of tracked models.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Model
	byTable map[string]*Model
	byCT    map[uint32]*Model
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byName:  make(map[string]*Model),
		byTable: make(map[string]*Model),
		byCT:    make(map[uint32]*Model),
	}
}

// Track registers a model. Registration is idempotent: tracking the same
// model name twice leaves the first registration in place. Models default
// to both directions when neither flag is set.
func (r *Registry) Track(m *Model) error {
	if m.Name == "" || m.Table == "" {
		return fmt.Errorf("model name and table are required")
	}
	if m.PK == "" {
		return fmt.Errorf("model %s: primary key column is required", m.Name)
	}
	if _, ok := m.ColumnType(m.PK); !ok {
		return fmt.Errorf("model %s: primary key column %q is not declared", m.Name, m.PK)
	}
	if !m.Push && !m.Pull {
		m.Push, m.Pull = true, true
	}
	if m.Extensions == nil {
		m.Extensions = make(map[string]Extension)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[m.Name]; ok {
		return nil
	}
	if prev, ok := r.byTable[m.Table]; ok {
		return fmt.Errorf("table %s is already tracked by model %s", m.Table, prev.Name)
	}
	r.byName[m.Name] = m
	r.byTable[m.Table] = m
	r.byCT[ContentTypeID(m.Name, m.Table)] = m
	return nil
}

// Extend adds a virtual field to an already-tracked model.
func (r *Registry) Extend(modelName, field string, ext Extension) error {
	if field == "" {
		return fmt.Errorf("extension field name must not be empty")
	}
	if ext.Load == nil || ext.Save == nil {
		return fmt.Errorf("extension %s.%s: load and save hooks are required", modelName, field)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byName[modelName]
	if !ok {
		return fmt.Errorf("model %s isn't being tracked", modelName)
	}
	if _, ok := m.ColumnType(field); ok {
		return fmt.Errorf("model %s already has a field named %q", modelName, field)
	}
	m.Extensions[field] = ext
	return nil
}

// ModelByName looks a model up by its name.
func (r *Registry) ModelByName(name string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	return m, ok
}

// ModelByTable looks a model up by its table name.
func (r *Registry) ModelByTable(table string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byTable[table]
	return m, ok
}

// ModelByContentType looks a model up by its content-type id.
func (r *Registry) ModelByContentType(id uint32) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byCT[id]
	return m, ok
}

// Models returns all tracked models sorted by name.
func (r *Registry) Models() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Model, 0, len(r.byName))
	for _, m := range r.byName {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ContentTypes returns the content-type records for all tracked models,
// sorted by model name.
func (r *Registry) ContentTypes() []types.ContentType {
	models := r.Models()
	out := make([]types.ContentType, len(models))
	for i, m := range models {
		out[i] = types.ContentType{
			ContentTypeID: ContentTypeID(m.Name, m.Table),
			TableName:     m.Table,
			ModelName:     m.Name,
		}
	}
	return out
}

// ReferencingModels returns, for the given parent model, every tracked
// model with at least one foreign key pointing at it, with the names of
// those FK columns.
func (r *Registry) ReferencingModels(parent *Model) map[*Model][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[*Model][]string)
	for _, m := range r.byName {
		for _, fk := range m.ForeignKeys {
			if fk.RefModel == parent.Name {
				out[m] = append(out[m], fk.Column)
			}
		}
	}
	return out
}

// Drop forgets every registration. Tests use it to reset process state.
func (r *Registry) Drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]*Model)
	r.byTable = make(map[string]*Model)
	r.byCT = make(map[uint32]*Model)
}
