package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/centraldb/dbsync/internal/types"
)

// EnsureContentTypes inserts the given content types if they're not
// already present. Existing rows are left untouched; ids are immutable
// after first registration.
func (t *Tx) EnsureContentTypes(ctx context.Context, cts []types.ContentType) error {
	for _, ct := range cts {
		var n int
		err := t.q.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE content_type_id = ?", t.e.table("content_types")),
			int64(ct.ContentTypeID)).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to check content type %d: %w", ct.ContentTypeID, err)
		}
		if n > 0 {
			continue
		}
		_, err = t.q.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (content_type_id, table_name, model_name) VALUES (?, ?, ?)",
				t.e.table("content_types")),
			int64(ct.ContentTypeID), ct.TableName, ct.ModelName)
		if err != nil {
			return fmt.Errorf("failed to insert content type %s: %w", ct.ModelName, err)
		}
	}
	return nil
}

// ContentTypes returns all registered content types.
func (t *Tx) ContentTypes(ctx context.Context) ([]types.ContentType, error) {
	rows, err := t.q.QueryContext(ctx,
		fmt.Sprintf("SELECT content_type_id, table_name, model_name FROM %s ORDER BY model_name",
			t.e.table("content_types")))
	if err != nil {
		return nil, fmt.Errorf("failed to query content types: %w", err)
	}
	defer rows.Close()
	var out []types.ContentType
	for rows.Next() {
		var id int64
		var ct types.ContentType
		if err := rows.Scan(&id, &ct.TableName, &ct.ModelName); err != nil {
			return nil, err
		}
		ct.ContentTypeID = uint32(id)
		out = append(out, ct)
	}
	return out, rows.Err()
}

// InsertOperation appends an operation, letting the database assign its
// order. The assigned order is written back into op.
func (t *Tx) InsertOperation(ctx context.Context, op *types.Operation) error {
	res, err := t.q.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (row_id, content_type_id, command, version_id) VALUES (?, ?, ?, ?)",
			t.e.table("operations")),
		op.RowID, int64(op.ContentTypeID), string(op.Command), op.VersionID)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	op.Order, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read operation order: %w", err)
	}
	return nil
}

// InsertOperationAt inserts an operation with an explicit order value.
// The merge uses this to place synthetic operations at freed slots.
func (t *Tx) InsertOperationAt(ctx context.Context, op types.Operation) error {
	_, err := t.q.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s, row_id, content_type_id, command, version_id) VALUES (?, ?, ?, ?, ?)",
			t.e.table("operations"), t.e.quote("order")),
		op.Order, op.RowID, int64(op.ContentTypeID), string(op.Command), op.VersionID)
	if err != nil {
		return fmt.Errorf("failed to insert operation at order %d: %w", op.Order, err)
	}
	return nil
}

// UpdateOperation rewrites an operation's row_id, command and version_id,
// keyed by order.
func (t *Tx) UpdateOperation(ctx context.Context, op types.Operation) error {
	_, err := t.q.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET row_id = ?, command = ?, version_id = ? WHERE %s = ?",
			t.e.table("operations"), t.e.quote("order")),
		op.RowID, string(op.Command), op.VersionID, op.Order)
	if err != nil {
		return fmt.Errorf("failed to update operation %d: %w", op.Order, err)
	}
	return nil
}

// ShiftOperationOrder moves an operation from one order slot to another.
func (t *Tx) ShiftOperationOrder(ctx context.Context, from, to int64) error {
	_, err := t.q.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?",
			t.e.table("operations"), t.e.quote("order"), t.e.quote("order")),
		to, from)
	if err != nil {
		return fmt.Errorf("failed to shift operation %d to %d: %w", from, to, err)
	}
	return nil
}

// DeleteOperation removes the operation with the given order.
func (t *Tx) DeleteOperation(ctx context.Context, order int64) error {
	_, err := t.q.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", t.e.table("operations"), t.e.quote("order")),
		order)
	if err != nil {
		return fmt.Errorf("failed to delete operation %d: %w", order, err)
	}
	return nil
}

func (t *Tx) scanOperations(rows *sql.Rows) ([]types.Operation, error) {
	defer rows.Close()
	var out []types.Operation
	for rows.Next() {
		var op types.Operation
		var ct int64
		var cmd string
		if err := rows.Scan(&op.Order, &op.RowID, &ct, &cmd, &op.VersionID); err != nil {
			return nil, err
		}
		op.ContentTypeID = uint32(ct)
		op.Command = types.Command(cmd)
		out = append(out, op)
	}
	return out, rows.Err()
}

// UnversionedOperations returns the operations not yet linked to a
// version, in ascending order.
func (t *Tx) UnversionedOperations(ctx context.Context) ([]types.Operation, error) {
	rows, err := t.q.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, row_id, content_type_id, command, version_id FROM %s WHERE version_id IS NULL ORDER BY %s",
			t.e.quote("order"), t.e.table("operations"), t.e.quote("order")))
	if err != nil {
		return nil, fmt.Errorf("failed to query unversioned operations: %w", err)
	}
	return t.scanOperations(rows)
}

// OperationsAboveVersion returns versioned operations with
// version_id > after, in ascending order. A nil after means all
// versioned operations.
func (t *Tx) OperationsAboveVersion(ctx context.Context, after *int64) ([]types.Operation, error) {
	query := fmt.Sprintf("SELECT %s, row_id, content_type_id, command, version_id FROM %s WHERE version_id IS NOT NULL",
		t.e.quote("order"), t.e.table("operations"))
	var args []any
	if after != nil {
		query += " AND version_id > ?"
		args = append(args, *after)
	}
	query += fmt.Sprintf(" ORDER BY %s", t.e.quote("order"))
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query versioned operations: %w", err)
	}
	return t.scanOperations(rows)
}

// AllOperations returns every operation, in ascending order.
func (t *Tx) AllOperations(ctx context.Context) ([]types.Operation, error) {
	rows, err := t.q.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, row_id, content_type_id, command, version_id FROM %s ORDER BY %s",
			t.e.quote("order"), t.e.table("operations"), t.e.quote("order")))
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	return t.scanOperations(rows)
}

// LastOperationForRow returns the newest operation targeting the given
// row, or nil if the row was never operated on.
func (t *Tx) LastOperationForRow(ctx context.Context, key types.Key) (*types.Operation, error) {
	rows, err := t.q.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, row_id, content_type_id, command, version_id FROM %s WHERE content_type_id = ? AND row_id = ? ORDER BY %s DESC LIMIT 1",
			t.e.quote("order"), t.e.table("operations"), t.e.quote("order")),
		int64(key.ContentTypeID), key.RowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query last operation: %w", err)
	}
	ops, err := t.scanOperations(rows)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return &ops[0], nil
}

// MaxOperationOrder returns the highest assigned order, or 0 when the
// operations table is empty.
func (t *Tx) MaxOperationOrder(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := t.q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT MAX(%s) FROM %s", t.e.quote("order"), t.e.table("operations"))).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to query max operation order: %w", err)
	}
	return max.Int64, nil
}

// DeleteOperationsVersionedUpTo removes operations with
// version_id <= vid. Used by the server trim.
func (t *Tx) DeleteOperationsVersionedUpTo(ctx context.Context, vid int64) error {
	_, err := t.q.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE version_id IS NOT NULL AND version_id <= ?",
			t.e.table("operations")), vid)
	if err != nil {
		return fmt.Errorf("failed to trim operations: %w", err)
	}
	return nil
}

// DeleteVersionedOperations removes every versioned operation. Used by
// the client trim and the zero-node server trim.
func (t *Tx) DeleteVersionedOperations(ctx context.Context) error {
	_, err := t.q.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE version_id IS NOT NULL", t.e.table("operations")))
	if err != nil {
		return fmt.Errorf("failed to delete versioned operations: %w", err)
	}
	return nil
}

// ClearOperations removes every operation. Used by the client repair.
func (t *Tx) ClearOperations(ctx context.Context) error {
	_, err := t.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", t.e.table("operations")))
	if err != nil {
		return fmt.Errorf("failed to clear operations: %w", err)
	}
	return nil
}

// InsertVersion appends a version, letting the database assign its id.
// The assigned id is written back into v.
func (t *Tx) InsertVersion(ctx context.Context, v *types.Version) error {
	res, err := t.q.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (node_id, created) VALUES (?, ?)", t.e.table("versions")),
		v.NodeID, v.Created.UTC().Format(dateTimeLayout))
	if err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}
	v.VersionID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read version id: %w", err)
	}
	return nil
}

// InsertVersionWithID inserts a version keeping its server-issued id.
// The client merge uses this to mirror server versions locally.
func (t *Tx) InsertVersionWithID(ctx context.Context, v types.Version) error {
	_, err := t.q.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (version_id, node_id, created) VALUES (?, ?, ?)",
			t.e.table("versions")),
		v.VersionID, v.NodeID, v.Created.UTC().Format(dateTimeLayout))
	if err != nil {
		return fmt.Errorf("failed to insert version %d: %w", v.VersionID, err)
	}
	return nil
}

func (t *Tx) scanVersions(rows *sql.Rows) ([]types.Version, error) {
	defer rows.Close()
	var out []types.Version
	for rows.Next() {
		var v types.Version
		var created string
		if err := rows.Scan(&v.VersionID, &v.NodeID, &created); err != nil {
			return nil, err
		}
		ts, err := time.ParseInLocation(dateTimeLayout, created, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("failed to parse version timestamp: %w", err)
		}
		v.Created = ts
		out = append(out, v)
	}
	return out, rows.Err()
}

// VersionsAbove returns versions with version_id > after, ascending. A
// nil after means all versions.
func (t *Tx) VersionsAbove(ctx context.Context, after *int64) ([]types.Version, error) {
	query := fmt.Sprintf("SELECT version_id, node_id, created FROM %s", t.e.table("versions"))
	var args []any
	if after != nil {
		query += " WHERE version_id > ?"
		args = append(args, *after)
	}
	query += " ORDER BY version_id"
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	return t.scanVersions(rows)
}

// LatestVersionID returns the highest version id, or nil if no version
// exists yet.
func (t *Tx) LatestVersionID(ctx context.Context) (*int64, error) {
	var id sql.NullInt64
	err := t.q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT MAX(version_id) FROM %s", t.e.table("versions"))).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest version: %w", err)
	}
	if !id.Valid {
		return nil, nil
	}
	v := id.Int64
	return &v, nil
}

// DeleteVersionsBelow removes versions with version_id < vid.
func (t *Tx) DeleteVersionsBelow(ctx context.Context, vid int64) error {
	_, err := t.q.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE version_id < ?", t.e.table("versions")), vid)
	if err != nil {
		return fmt.Errorf("failed to trim versions: %w", err)
	}
	return nil
}

// DeleteVersionsExcept removes every version but the given one.
func (t *Tx) DeleteVersionsExcept(ctx context.Context, vid int64) error {
	_, err := t.q.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE version_id != ?", t.e.table("versions")), vid)
	if err != nil {
		return fmt.Errorf("failed to trim versions: %w", err)
	}
	return nil
}

// ClearVersions removes every version. Used by the client repair.
func (t *Tx) ClearVersions(ctx context.Context) error {
	_, err := t.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", t.e.table("versions")))
	if err != nil {
		return fmt.Errorf("failed to clear versions: %w", err)
	}
	return nil
}

// InsertNode stores a node record, letting the database assign its id
// when n.NodeID is zero.
func (t *Tx) InsertNode(ctx context.Context, n *types.Node) error {
	if n.NodeID != 0 {
		_, err := t.q.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (node_id, registered, registry_user_id, secret) VALUES (?, ?, ?, ?)",
				t.e.table("nodes")),
			n.NodeID, n.Registered.UTC().Format(dateTimeLayout), n.RegistryUserID, n.Secret)
		if err != nil {
			return fmt.Errorf("failed to insert node %d: %w", n.NodeID, err)
		}
		return nil
	}
	res, err := t.q.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (registered, registry_user_id, secret) VALUES (?, ?, ?)",
			t.e.table("nodes")),
		n.Registered.UTC().Format(dateTimeLayout), n.RegistryUserID, n.Secret)
	if err != nil {
		return fmt.Errorf("failed to insert node: %w", err)
	}
	n.NodeID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read node id: %w", err)
	}
	return nil
}

func (t *Tx) scanNodes(rows *sql.Rows) ([]types.Node, error) {
	defer rows.Close()
	var out []types.Node
	for rows.Next() {
		var n types.Node
		var registered string
		if err := rows.Scan(&n.NodeID, &registered, &n.RegistryUserID, &n.Secret); err != nil {
			return nil, err
		}
		ts, err := time.ParseInLocation(dateTimeLayout, registered, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("failed to parse node timestamp: %w", err)
		}
		n.Registered = ts
		out = append(out, n)
	}
	return out, rows.Err()
}

// Nodes returns all registered nodes ordered by id.
func (t *Tx) Nodes(ctx context.Context) ([]types.Node, error) {
	rows, err := t.q.QueryContext(ctx,
		fmt.Sprintf("SELECT node_id, registered, registry_user_id, secret FROM %s ORDER BY node_id",
			t.e.table("nodes")))
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	return t.scanNodes(rows)
}

// NodeByID returns one node, or nil if it isn't registered.
func (t *Tx) NodeByID(ctx context.Context, id int64) (*types.Node, error) {
	rows, err := t.q.QueryContext(ctx,
		fmt.Sprintf("SELECT node_id, registered, registry_user_id, secret FROM %s WHERE node_id = ?",
			t.e.table("nodes")), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query node %d: %w", id, err)
	}
	nodes, err := t.scanNodes(rows)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return &nodes[0], nil
}

// FirstNode returns the client's own node registration, or nil if the
// client has never registered.
func (t *Tx) FirstNode(ctx context.Context) (*types.Node, error) {
	rows, err := t.q.QueryContext(ctx,
		fmt.Sprintf("SELECT node_id, registered, registry_user_id, secret FROM %s ORDER BY node_id LIMIT 1",
			t.e.table("nodes")))
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	nodes, err := t.scanNodes(rows)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return &nodes[0], nil
}

// LatestVersionForNode returns the highest version id acknowledged by
// the node, or nil if the node has never pushed.
func (t *Tx) LatestVersionForNode(ctx context.Context, nodeID int64) (*int64, error) {
	var id sql.NullInt64
	err := t.q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT MAX(version_id) FROM %s WHERE node_id = ?", t.e.table("versions")),
		nodeID).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to query node versions: %w", err)
	}
	if !id.Valid {
		return nil, nil
	}
	v := id.Int64
	return &v, nil
}

// InsertLog stores a log entry. Failures are swallowed; the log table is
// best-effort diagnostics, never a reason to abort.
func (t *Tx) InsertLog(ctx context.Context, source, message string, nodeID *int64) {
	_, _ = t.q.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (created, source, error, node_id) VALUES (?, ?, ?, ?)",
			t.e.table("logs")),
		time.Now().UTC().Format(dateTimeLayout), source, message, nodeID)
}
