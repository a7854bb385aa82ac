package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/centraldb/dbsync/internal/registry"
	"github.com/centraldb/dbsync/internal/types"
)

// Generic access to tracked application tables, driven by the model
// registry. Only persisted columns are touched; extension fields never
// reach these helpers.

func (t *Tx) selectColumns(m *registry.Model) string {
	names := m.ColumnNames()
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = t.e.quote(n)
	}
	return strings.Join(quoted, ", ")
}

func (t *Tx) scanModelRows(m *registry.Model, rows *sql.Rows) ([]types.Row, error) {
	defer rows.Close()
	names := m.ColumnNames()
	var out []types.Row
	for rows.Next() {
		raw := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(types.Row, len(names))
		for i, name := range names {
			ct, _ := m.ColumnType(name)
			v, err := normalizeValue(ct, raw[i])
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", m.Table, name, err)
			}
			row[name] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SelectRow fetches one tracked row by primary key. Returns nil when the
// row doesn't exist.
func (t *Tx) SelectRow(ctx context.Context, m *registry.Model, pk int64) (types.Row, error) {
	rows, err := t.q.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
			t.selectColumns(m), t.e.quote(m.Table), t.e.quote(m.PK)), pk)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s %d: %w", m.Name, pk, err)
	}
	found, err := t.scanModelRows(m, rows)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// RowExists reports whether a tracked row with the given primary key
// exists. Reads the primary key only.
func (t *Tx) RowExists(ctx context.Context, m *registry.Model, pk int64) (bool, error) {
	var n int
	err := t.q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?",
			t.e.quote(m.Table), t.e.quote(m.PK)), pk).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check %s %d: %w", m.Name, pk, err)
	}
	return n > 0, nil
}

// SelectAll fetches every row of a tracked table ordered by primary key.
func (t *Tx) SelectAll(ctx context.Context, m *registry.Model) ([]types.Row, error) {
	rows, err := t.q.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
			t.selectColumns(m), t.e.quote(m.Table), t.e.quote(m.PK)))
	if err != nil {
		return nil, fmt.Errorf("failed to select all %s: %w", m.Name, err)
	}
	return t.scanModelRows(m, rows)
}

// SelectWhere fetches rows matching equality filters on known columns,
// joined by AND.
func (t *Tx) SelectWhere(ctx context.Context, m *registry.Model, filters map[string]any) ([]types.Row, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", t.selectColumns(m), t.e.quote(m.Table))
	var clauses []string
	var args []any
	for _, name := range m.ColumnNames() {
		v, ok := filters[name]
		if !ok {
			continue
		}
		ct, _ := m.ColumnType(name)
		if v == nil {
			clauses = append(clauses, fmt.Sprintf("%s IS NULL", t.e.quote(name)))
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", t.e.quote(name)))
		args = append(args, bindValue(ct, v))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s", t.e.quote(m.PK))
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", m.Name, err)
	}
	return t.scanModelRows(m, rows)
}

// InsertRow inserts a tracked row. The row must carry its primary key.
func (t *Tx) InsertRow(ctx context.Context, m *registry.Model, row types.Row) error {
	var cols []string
	var marks []string
	var args []any
	for _, name := range m.ColumnNames() {
		v, ok := row[name]
		if !ok {
			continue
		}
		ct, _ := m.ColumnType(name)
		cols = append(cols, t.e.quote(name))
		marks = append(marks, "?")
		args = append(args, bindValue(ct, v))
	}
	_, err := t.q.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			t.e.quote(m.Table), strings.Join(cols, ", "), strings.Join(marks, ", ")),
		args...)
	if err != nil {
		return fmt.Errorf("failed to insert %s: %w", m.Name, err)
	}
	return nil
}

// UpdateRow copies the row's scalar values onto the record with the
// given primary key. The primary key column itself is left untouched.
func (t *Tx) UpdateRow(ctx context.Context, m *registry.Model, pk int64, row types.Row) error {
	var sets []string
	var args []any
	for _, name := range m.ColumnNames() {
		if name == m.PK {
			continue
		}
		v, ok := row[name]
		if !ok {
			continue
		}
		ct, _ := m.ColumnType(name)
		sets = append(sets, fmt.Sprintf("%s = ?", t.e.quote(name)))
		args = append(args, bindValue(ct, v))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, pk)
	_, err := t.q.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
			t.e.quote(m.Table), strings.Join(sets, ", "), t.e.quote(m.PK)),
		args...)
	if err != nil {
		return fmt.Errorf("failed to update %s %d: %w", m.Name, pk, err)
	}
	return nil
}

// DeleteRow removes a tracked row by primary key.
func (t *Tx) DeleteRow(ctx context.Context, m *registry.Model, pk int64) error {
	_, err := t.q.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", t.e.quote(m.Table), t.e.quote(m.PK)), pk)
	if err != nil {
		return fmt.Errorf("failed to delete %s %d: %w", m.Name, pk, err)
	}
	return nil
}

// DeleteAllRows empties a tracked table. Used by the client repair.
func (t *Tx) DeleteAllRows(ctx context.Context, m *registry.Model) error {
	_, err := t.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", t.e.quote(m.Table)))
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", m.Name, err)
	}
	return nil
}

// MaxPK returns the highest primary key value of a tracked table, or 0
// when the table is empty.
func (t *Tx) MaxPK(ctx context.Context, m *registry.Model) (int64, error) {
	var max sql.NullInt64
	err := t.q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT MAX(%s) FROM %s", t.e.quote(m.PK), t.e.quote(m.Table))).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to query max pk of %s: %w", m.Name, err)
	}
	return max.Int64, nil
}

// UpdateRowPK renumbers a tracked row's primary key.
func (t *Tx) UpdateRowPK(ctx context.Context, m *registry.Model, oldPK, newPK int64) error {
	_, err := t.q.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?",
			t.e.quote(m.Table), t.e.quote(m.PK), t.e.quote(m.PK)),
		newPK, oldPK)
	if err != nil {
		return fmt.Errorf("failed to renumber %s %d to %d: %w", m.Name, oldPK, newPK, err)
	}
	return nil
}

// UpdateFKReferences repoints a foreign-key column from one parent pk to
// another.
func (t *Tx) UpdateFKReferences(ctx context.Context, m *registry.Model, fkColumn string, oldPK, newPK int64) error {
	_, err := t.q.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?",
			t.e.quote(m.Table), t.e.quote(fkColumn), t.e.quote(fkColumn)),
		newPK, oldPK)
	if err != nil {
		return fmt.Errorf("failed to repoint %s.%s from %d to %d: %w",
			m.Name, fkColumn, oldPK, newPK, err)
	}
	return nil
}

// PKsReferencing returns the primary keys of rows in m whose listed
// foreign-key columns point at parentPK. Reads primary keys only.
func (t *Tx) PKsReferencing(ctx context.Context, m *registry.Model, fkColumns []string, parentPK int64) ([]int64, error) {
	if len(fkColumns) == 0 {
		return nil, nil
	}
	clauses := make([]string, len(fkColumns))
	args := make([]any, len(fkColumns))
	for i, col := range fkColumns {
		clauses[i] = fmt.Sprintf("%s = ?", t.e.quote(col))
		args[i] = parentPK
	}
	rows, err := t.q.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s",
			t.e.quote(m.PK), t.e.quote(m.Table), strings.Join(clauses, " OR ")),
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows of %s referencing %d: %w", m.Name, parentPK, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var pk int64
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

// FindUniquePK looks for a row whose unique-constraint columns equal the
// given values. Returns the matching primary key, or nil. Values may
// contain nils, which match SQL NULL.
func (t *Tx) FindUniquePK(ctx context.Context, m *registry.Model, columns []string, values []any) (*int64, error) {
	var clauses []string
	var args []any
	for i, col := range columns {
		if values[i] == nil {
			clauses = append(clauses, fmt.Sprintf("%s IS NULL", t.e.quote(col)))
			continue
		}
		ct, _ := m.ColumnType(col)
		clauses = append(clauses, fmt.Sprintf("%s = ?", t.e.quote(col)))
		args = append(args, bindValue(ct, values[i]))
	}
	var pk int64
	err := t.q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1",
			t.e.quote(m.PK), t.e.quote(m.Table), strings.Join(clauses, " AND ")),
		args...).Scan(&pk)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check unique constraint on %s: %w", m.Name, err)
	}
	return &pk, nil
}

// PKValue extracts the primary key value from a decoded row.
func PKValue(m *registry.Model, row types.Row) (int64, error) {
	v, ok := row[m.PK]
	if !ok {
		return 0, fmt.Errorf("row of %s is missing its primary key %q", m.Name, m.PK)
	}
	pk, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("primary key of %s must be an integer, got %T", m.Name, v)
	}
	return pk, nil
}
