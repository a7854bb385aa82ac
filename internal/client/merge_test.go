package client

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/centraldb/dbsync/internal/codec"
	"github.com/centraldb/dbsync/internal/message"
	"github.com/centraldb/dbsync/internal/registry"
	"github.com/centraldb/dbsync/internal/storage"
	"github.com/centraldb/dbsync/internal/types"
)

func newTestClient(t *testing.T) (*Client, *storage.Engine, *registry.Registry) {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	eng := storage.New(db, storage.WithDialect(storage.DialectSQLite))
	ctx := context.Background()
	if err := eng.CreateSchema(ctx); err != nil {
		t.Fatal(err)
	}
	stmts := []string{
		`CREATE TABLE model_a (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE model_b (id INTEGER PRIMARY KEY, name TEXT, a_id INTEGER REFERENCES model_a (id))`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatal(err)
		}
	}
	reg := registry.New()
	models := []*registry.Model{
		{
			Name: "A", Table: "model_a", PK: "id",
			Columns: []registry.Column{
				{Name: "id", Type: codec.Integer},
				{Name: "name", Type: codec.Text},
			},
		},
		{
			Name: "B", Table: "model_b", PK: "id",
			Columns: []registry.Column{
				{Name: "id", Type: codec.Integer},
				{Name: "name", Type: codec.Text},
				{Name: "a_id", Type: codec.Integer},
			},
			ForeignKeys: []registry.ForeignKey{{Column: "a_id", RefModel: "A", RefColumn: "id"}},
		},
	}
	for _, m := range models {
		if err := reg.Track(m); err != nil {
			t.Fatal(err)
		}
	}
	// The URL is never dialed; Merge works on an in-memory message.
	return New(eng, reg, "http://server.invalid"), eng, reg
}

func ctID(t *testing.T, reg *registry.Registry, name string) uint32 {
	t.Helper()
	m, ok := reg.ModelByName(name)
	if !ok {
		t.Fatalf("model %s not tracked", name)
	}
	return registry.ContentTypeID(m.Name, m.Table)
}

// seedLocal inserts rows and unversioned operations as one transaction.
// Operation orders follow insertion order, starting at 1.
func seedLocal(t *testing.T, eng *storage.Engine, reg *registry.Registry, rows map[string][]types.Row, ops []types.Operation) {
	t.Helper()
	ctx := context.Background()
	err := eng.Transaction(ctx, func(tx *storage.Tx) error {
		for model, list := range rows {
			m, _ := reg.ModelByName(model)
			for _, row := range list {
				if err := tx.InsertRow(ctx, m, row); err != nil {
					return err
				}
			}
		}
		for i := range ops {
			if err := tx.InsertOperation(ctx, &ops[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func localOps(t *testing.T, eng *storage.Engine) []types.Operation {
	t.Helper()
	var out []types.Operation
	ctx := context.Background()
	err := eng.Transaction(ctx, func(tx *storage.Tx) error {
		var err error
		out, err = tx.UnversionedOperations(ctx)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func selectRow(t *testing.T, eng *storage.Engine, reg *registry.Registry, model string, pk int64) types.Row {
	t.Helper()
	m, ok := reg.ModelByName(model)
	if !ok {
		t.Fatalf("model %s not tracked", model)
	}
	var row types.Row
	ctx := context.Background()
	err := eng.Transaction(ctx, func(tx *storage.Tx) error {
		var err error
		row, err = tx.SelectRow(ctx, m, pk)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return row
}

func serverVersion(id int64) types.Version {
	node := int64(99)
	return types.Version{
		VersionID: id,
		NodeID:    &node,
		Created:   time.Date(2026, time.August, 24, 12, 0, 0, 0, time.UTC),
	}
}

func TestMergeDirectConflicts(t *testing.T) {
	c, eng, reg := newTestClient(t)
	ctA, ctB := ctID(t, reg, "A"), ctID(t, reg, "B")

	// Local: a1 updated, a2 untouched, b3 deleted. The b3 row is gone;
	// its delete operation remains.
	seedLocal(t, eng, reg,
		map[string][]types.Row{
			"A": {
				{"id": int64(1), "name": "a1 local"},
				{"id": int64(2), "name": "a2"},
			},
		},
		[]types.Operation{
			{RowID: 3, ContentTypeID: ctB, Command: types.CommandDelete},
			{RowID: 1, ContentTypeID: ctA, Command: types.CommandUpdate},
		})

	// Remote: b3 updated, a1 and a2 deleted.
	v1 := int64(1)
	msg := &message.Pull{
		Created: time.Now().UTC(),
		Versions: []types.Version{
			serverVersion(1),
		},
		Operations: []types.Operation{
			{Order: 1, RowID: 3, ContentTypeID: ctB, Command: types.CommandUpdate, VersionID: &v1},
			{Order: 2, RowID: 1, ContentTypeID: ctA, Command: types.CommandDelete, VersionID: &v1},
			{Order: 3, RowID: 2, ContentTypeID: ctA, Command: types.CommandDelete, VersionID: &v1},
		},
		Payload: message.NewPayload(),
	}
	msg.Payload.Add("B", 3, types.Row{"id": int64(3), "name": "b3 remote", "a_id": int64(1)})

	if err := c.Merge(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	// Locally deleted, remotely updated: b3 comes back with the remote
	// values.
	if row := selectRow(t, eng, reg, "B", 3); row == nil || row["name"] != "b3 remote" {
		t.Errorf("b3 = %v", row)
	}
	// Locally updated, remotely deleted: a1 survives with local values.
	if row := selectRow(t, eng, reg, "A", 1); row == nil || row["name"] != "a1 local" {
		t.Errorf("a1 = %v", row)
	}
	// No local change: the remote delete of a2 goes through.
	if row := selectRow(t, eng, reg, "A", 2); row != nil {
		t.Errorf("a2 survived the remote delete: %v", row)
	}

	// The b3 delete is purged; the a1 update is now an insert, so a later
	// push recreates the row on the server.
	ops := localOps(t, eng)
	if len(ops) != 1 {
		t.Fatalf("local operations = %v", ops)
	}
	if ops[0].RowID != 1 || ops[0].ContentTypeID != ctA || ops[0].Command != types.CommandInsert {
		t.Errorf("surviving operation = %v", ops[0])
	}

	// The server version is mirrored locally.
	err := eng.Transaction(context.Background(), func(tx *storage.Tx) error {
		latest, err := tx.LatestVersionID(context.Background())
		if err != nil {
			return err
		}
		if latest == nil || *latest != 1 {
			t.Errorf("latest version = %v", latest)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMergeDependencyConflicts(t *testing.T) {
	c, eng, reg := newTestClient(t)
	ctA, ctB := ctID(t, reg, "A"), ctID(t, reg, "B")

	// Local: b1 inserted under a1, b2 reassigned under a2. The parents
	// themselves are synched and carry no operations.
	seedLocal(t, eng, reg,
		map[string][]types.Row{
			"A": {
				{"id": int64(1), "name": "a1"},
				{"id": int64(2), "name": "a2"},
			},
			"B": {
				{"id": int64(1), "name": "b1", "a_id": int64(1)},
				{"id": int64(2), "name": "b2", "a_id": int64(2)},
			},
		},
		[]types.Operation{
			{RowID: 1, ContentTypeID: ctB, Command: types.CommandInsert},
			{RowID: 2, ContentTypeID: ctB, Command: types.CommandUpdate},
		})

	// Remote: both parents deleted.
	v1 := int64(1)
	msg := &message.Pull{
		Created:  time.Now().UTC(),
		Versions: []types.Version{serverVersion(1)},
		Operations: []types.Operation{
			{Order: 1, RowID: 1, ContentTypeID: ctA, Command: types.CommandDelete, VersionID: &v1},
			{Order: 2, RowID: 2, ContentTypeID: ctA, Command: types.CommandDelete, VersionID: &v1},
		},
		Payload: message.NewPayload(),
	}
	if err := c.Merge(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	// Locally referenced parents survive the remote deletes.
	for pk := int64(1); pk <= 2; pk++ {
		if row := selectRow(t, eng, reg, "A", pk); row == nil {
			t.Errorf("a%d was deleted despite local references", pk)
		}
	}

	// Each skipped delete produced a synthetic parent insert ahead of the
	// operations that depend on it.
	ops := localOps(t, eng)
	if len(ops) != 4 {
		t.Fatalf("local operations = %v", ops)
	}
	want := []struct {
		ct  uint32
		row int64
		cmd types.Command
	}{
		{ctA, 2, types.CommandInsert},
		{ctA, 1, types.CommandInsert},
		{ctB, 1, types.CommandInsert},
		{ctB, 2, types.CommandUpdate},
	}
	for i, w := range want {
		op := ops[i]
		if op.ContentTypeID != w.ct || op.RowID != w.row || op.Command != w.cmd {
			t.Errorf("operation %d = %v, want ct=%d row=%d cmd=%s", i, op, w.ct, w.row, w.cmd)
		}
		if i > 0 && op.Order <= ops[i-1].Order {
			t.Errorf("operation %d out of order: %v", i, ops)
		}
	}
}

func TestMergeInsertConflict(t *testing.T) {
	c, eng, reg := newTestClient(t)
	ctA := ctID(t, reg, "A")

	// Local: pk 7 created here, pk 9 is the highest synched row, and b1
	// references the contested 7.
	seedLocal(t, eng, reg,
		map[string][]types.Row{
			"A": {
				{"id": int64(7), "name": "local seven"},
				{"id": int64(9), "name": "nine"},
			},
			"B": {
				{"id": int64(1), "name": "b1", "a_id": int64(7)},
			},
		},
		[]types.Operation{
			{RowID: 7, ContentTypeID: ctA, Command: types.CommandInsert},
		})

	// Remote: its own pk 7, plus pk 11 raising the payload maximum.
	v1 := int64(1)
	msg := &message.Pull{
		Created:  time.Now().UTC(),
		Versions: []types.Version{serverVersion(1)},
		Operations: []types.Operation{
			{Order: 1, RowID: 7, ContentTypeID: ctA, Command: types.CommandInsert, VersionID: &v1},
			{Order: 2, RowID: 11, ContentTypeID: ctA, Command: types.CommandInsert, VersionID: &v1},
		},
		Payload: message.NewPayload(),
	}
	msg.Payload.Add("A", 7, types.Row{"id": int64(7), "name": "remote seven"})
	msg.Payload.Add("A", 11, types.Row{"id": int64(11), "name": "remote eleven"})

	if err := c.Merge(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	// The local row moved past both maxima: max(9, 11) + 1 = 12.
	if row := selectRow(t, eng, reg, "A", 12); row == nil || row["name"] != "local seven" {
		t.Errorf("renumbered local row = %v", row)
	}
	if row := selectRow(t, eng, reg, "A", 7); row == nil || row["name"] != "remote seven" {
		t.Errorf("contested pk = %v", row)
	}
	if row := selectRow(t, eng, reg, "A", 11); row == nil || row["name"] != "remote eleven" {
		t.Errorf("a11 = %v", row)
	}
	// References follow the renumbering.
	if row := selectRow(t, eng, reg, "B", 1); row == nil || row["a_id"] != int64(12) {
		t.Errorf("b1 = %v", row)
	}
	// The pending local insert points at the new pk.
	ops := localOps(t, eng)
	if len(ops) != 1 || ops[0].RowID != 12 || ops[0].Command != types.CommandInsert {
		t.Errorf("local operations = %v", ops)
	}
}
