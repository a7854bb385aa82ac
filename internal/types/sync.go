// Package types defines the core records of the synchronization engine.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Command is a single-character CUD command.
type Command string

const (
	CommandInsert Command = "i"
	CommandUpdate Command = "u"
	CommandDelete Command = "d"
)

// Valid reports whether c is one of the three known commands.
func (c Command) Valid() bool {
	return c == CommandInsert || c == CommandUpdate || c == CommandDelete
}

// ContentType identifies a tracked table. The id is stable across
// processes: CRC32("<model_name>/<table_name>") with the IEEE polynomial
// and seed 0.
type ContentType struct {
	ContentTypeID uint32 `json:"content_type_id"`
	TableName     string `json:"table_name"`
	ModelName     string `json:"model_name"`
}

// Operation is one tracked CUD event. Order is the monotonic primary key
// assigned at append time; VersionID stays nil until the operation is
// versioned by a successful push.
type Operation struct {
	Order         int64   `json:"order"`
	RowID         int64   `json:"row_id"`
	ContentTypeID uint32  `json:"content_type_id"`
	Command       Command `json:"command"`
	VersionID     *int64  `json:"version_id"`
}

// Key groups operations that target the same tracked row.
type Key struct {
	ContentTypeID uint32
	RowID         int64
}

// Key returns the (content_type_id, row_id) grouping key.
func (o Operation) Key() Key {
	return Key{ContentTypeID: o.ContentTypeID, RowID: o.RowID}
}

func (o Operation) String() string {
	v := "unversioned"
	if o.VersionID != nil {
		v = fmt.Sprintf("version %d", *o.VersionID)
	}
	return fmt.Sprintf("operation %d (%s row %d ct %d, %s)",
		o.Order, o.Command, o.RowID, o.ContentTypeID, v)
}

// Version is a successfully applied batch of operations. NodeID is nil for
// versions created by direct server writes.
type Version struct {
	VersionID int64     `json:"version_id"`
	NodeID    *int64    `json:"node_id"`
	Created   time.Time `json:"created"`
}

// Node is a client registration record. The secret is shared back to the
// client exactly once and signs its push messages thereafter.
type Node struct {
	NodeID         int64     `json:"node_id"`
	Registered     time.Time `json:"registered"`
	RegistryUserID *int64    `json:"registry_user_id"`
	Secret         string    `json:"secret"`
}

// Row holds the decoded scalar column values of one tracked record,
// keyed by column name. Values use the canonical Go types of the codec
// (int64, float64, string, bool, []byte, time.Time).
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// UniqueConflict describes one unique-constraint collision that could not
// be resolved automatically.
type UniqueConflict struct {
	Model   string   `json:"model"`
	PK      int64    `json:"pk"`
	Columns []string `json:"columns"`
}

// UniqueConstraintError is raised when a merge or push cannot resolve a
// unique collision without human intervention.
type UniqueConstraintError struct {
	Conflicts []UniqueConflict
}

func (e *UniqueConstraintError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = fmt.Sprintf("%s pk=%d columns=(%s)",
			c.Model, c.PK, strings.Join(c.Columns, ", "))
	}
	return "unresolvable unique constraint conflicts: " + strings.Join(parts, "; ")
}

// OperationError is raised when an individual operation cannot be
// performed because metadata or the backing object is missing. It is
// fatal within its transaction.
type OperationError struct {
	Op     Operation
	Reason string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("cannot perform %s: %s", e.Op, e.Reason)
}
