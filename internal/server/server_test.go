package server

import (
	"context"
	"database/sql"
	"errors"
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

func newTestServer(t *testing.T) *Server {
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
			Unique: [][]string{{"name"}},
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
	return New(eng, reg)
}

func registerNode(t *testing.T, s *Server) types.Node {
	t.Helper()
	reply, err := s.HandleRegister(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return reply.Node
}

func contentType(t *testing.T, s *Server, model string) uint32 {
	t.Helper()
	m, ok := s.reg.ModelByName(model)
	if !ok {
		t.Fatalf("model %s not tracked", model)
	}
	return registry.ContentTypeID(m.Name, m.Table)
}

func serverLatest(t *testing.T, s *Server) *int64 {
	t.Helper()
	var latest *int64
	ctx := context.Background()
	err := s.eng.Transaction(ctx, func(tx *storage.Tx) error {
		var err error
		latest, err = tx.LatestVersionID(ctx)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return latest
}

func TestHandlePushAppliesOperations(t *testing.T) {
	s := newTestServer(t)
	node := registerNode(t, s)
	ctA, ctB := contentType(t, s, "A"), contentType(t, s, "B")

	msg := &message.Push{
		Created: time.Now().UTC(),
		NodeID:  node.NodeID,
		Operations: []types.Operation{
			{Order: 1, RowID: 1, ContentTypeID: ctA, Command: types.CommandInsert},
			{Order: 2, RowID: 1, ContentTypeID: ctB, Command: types.CommandInsert},
		},
		Payload: message.NewPayload(),
	}
	msg.Payload.Add("A", 1, types.Row{"id": int64(1), "name": "first"})
	msg.Payload.Add("B", 1, types.Row{"id": int64(1), "name": "child", "a_id": int64(1)})
	msg.SignWith(node.Secret)

	ctx := context.Background()
	newVersionID, err := s.HandlePush(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}
	if newVersionID != 1 {
		t.Errorf("new version id = %d", newVersionID)
	}

	err = s.eng.Transaction(ctx, func(tx *storage.Tx) error {
		a, _ := s.reg.ModelByName("A")
		row, err := tx.SelectRow(ctx, a, 1)
		if err != nil {
			return err
		}
		if row == nil || row["name"] != "first" {
			t.Errorf("pushed row = %v", row)
		}
		ops, err := tx.AllOperations(ctx)
		if err != nil {
			return err
		}
		if len(ops) != 2 {
			t.Fatalf("recorded operations = %v", ops)
		}
		for i, op := range ops {
			if op.VersionID == nil || *op.VersionID != newVersionID {
				t.Errorf("operation %d not bound to the new version: %v", i, op)
			}
			// Fresh server-side orders, never the client's.
			if op.Order != int64(i+1) {
				t.Errorf("operation %d order = %d", i, op.Order)
			}
		}
		versions, err := tx.VersionsAbove(ctx, nil)
		if err != nil {
			return err
		}
		if len(versions) != 1 || versions[0].NodeID == nil || *versions[0].NodeID != node.NodeID {
			t.Errorf("versions = %v", versions)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestHandlePushAdmission(t *testing.T) {
	ptr := func(v int64) *int64 { return &v }
	ctx := context.Background()

	tests := []struct {
		name          string
		serverVersion bool
		latest        *int64
		noOps         bool
		wantReason    string
		pullSuggested bool
	}{
		{name: "ahead of empty server", latest: ptr(5), wantReason: ReasonVersionAhead},
		{name: "behind with nil latest", serverVersion: true, latest: nil,
			wantReason: ReasonPullSuggested, pullSuggested: true},
		{name: "behind the latest", serverVersion: true, latest: ptr(0),
			wantReason: ReasonPullSuggested, pullSuggested: true},
		{name: "ahead of the latest", serverVersion: true, latest: ptr(2), wantReason: ReasonVersionAhead},
		{name: "no operations", serverVersion: true, latest: ptr(1), noOps: true,
			wantReason: ReasonNoOperations},
		{name: "unknown node", serverVersion: true, latest: ptr(1), wantReason: ReasonUnknownNode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			if tt.serverVersion {
				err := s.eng.Transaction(ctx, func(tx *storage.Tx) error {
					return tx.InsertVersion(ctx, &types.Version{Created: time.Now().UTC()})
				})
				if err != nil {
					t.Fatal(err)
				}
			}
			msg := &message.Push{
				Created:         time.Now().UTC(),
				NodeID:          12345,
				LatestVersionID: tt.latest,
				Payload:         message.NewPayload(),
			}
			if !tt.noOps {
				msg.Operations = []types.Operation{
					{Order: 1, RowID: 1, ContentTypeID: contentType(t, s, "A"), Command: types.CommandInsert},
				}
			}
			_, err := s.HandlePush(ctx, msg)
			var rej *RejectError
			if !errors.As(err, &rej) {
				t.Fatalf("HandlePush returned %v", err)
			}
			if len(rej.Reasons) != 1 || rej.Reasons[0] != tt.wantReason {
				t.Errorf("reasons = %v, want %q", rej.Reasons, tt.wantReason)
			}
			if rej.PullSuggested != tt.pullSuggested {
				t.Errorf("PullSuggested = %v", rej.PullSuggested)
			}
		})
	}
}

func TestHandlePushBadSignature(t *testing.T) {
	s := newTestServer(t)
	node := registerNode(t, s)
	msg := &message.Push{
		Created: time.Now().UTC(),
		NodeID:  node.NodeID,
		Operations: []types.Operation{
			{Order: 1, RowID: 1, ContentTypeID: contentType(t, s, "A"), Command: types.CommandInsert},
		},
		Payload: message.NewPayload(),
	}
	msg.Payload.Add("A", 1, types.Row{"id": int64(1), "name": "first"})
	msg.SignWith(node.Secret)

	key := []byte(msg.Key)
	if key[0] == '0' {
		key[0] = '1'
	} else {
		key[0] = '0'
	}
	msg.Key = string(key)

	_, err := s.HandlePush(context.Background(), msg)
	var rej *RejectError
	if !errors.As(err, &rej) {
		t.Fatalf("HandlePush returned %v", err)
	}
	if len(rej.Reasons) != 1 || rej.Reasons[0] != ReasonBadSignature {
		t.Errorf("reasons = %v", rej.Reasons)
	}
	// The rejection leaves no trace.
	if latest := serverLatest(t, s); latest != nil {
		t.Errorf("rejected push appended version %v", latest)
	}
}

func TestHandlePushResolvesUniqueConflict(t *testing.T) {
	s := newTestServer(t)
	node := registerNode(t, s)
	ctA := contentType(t, s, "A")
	ctx := context.Background()
	a, _ := s.reg.ModelByName("A")

	// Server already holds A 1 with the contested name.
	err := s.eng.Transaction(ctx, func(tx *storage.Tx) error {
		if err := tx.InsertRow(ctx, a, types.Row{"id": int64(1), "name": "shared"}); err != nil {
			return err
		}
		return tx.InsertVersion(ctx, &types.Version{Created: time.Now().UTC()})
	})
	if err != nil {
		t.Fatal(err)
	}

	latest := int64(1)
	msg := &message.Push{
		Created:         time.Now().UTC(),
		NodeID:          node.NodeID,
		LatestVersionID: &latest,
		Operations: []types.Operation{
			{Order: 1, RowID: 2, ContentTypeID: ctA, Command: types.CommandInsert},
		},
		Payload: message.NewPayload(),
	}
	msg.Payload.Add("A", 2, types.Row{"id": int64(2), "name": "shared"})
	// The node renamed the server's record; the replacement travels in
	// the payload and makes the collision resolvable.
	msg.Payload.Add("A", 1, types.Row{"id": int64(1), "name": "renamed"})
	msg.SignWith(node.Secret)

	if _, err := s.HandlePush(ctx, msg); err != nil {
		t.Fatal(err)
	}
	err = s.eng.Transaction(ctx, func(tx *storage.Tx) error {
		one, err := tx.SelectRow(ctx, a, 1)
		if err != nil {
			return err
		}
		if one == nil || one["name"] != "renamed" {
			t.Errorf("a1 = %v", one)
		}
		two, err := tx.SelectRow(ctx, a, 2)
		if err != nil {
			return err
		}
		if two == nil || two["name"] != "shared" {
			t.Errorf("a2 = %v", two)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestHandlePushUnresolvableUniqueConflict(t *testing.T) {
	s := newTestServer(t)
	node := registerNode(t, s)
	ctA := contentType(t, s, "A")
	ctx := context.Background()
	a, _ := s.reg.ModelByName("A")

	err := s.eng.Transaction(ctx, func(tx *storage.Tx) error {
		if err := tx.InsertRow(ctx, a, types.Row{"id": int64(1), "name": "shared"}); err != nil {
			return err
		}
		return tx.InsertVersion(ctx, &types.Version{Created: time.Now().UTC()})
	})
	if err != nil {
		t.Fatal(err)
	}

	latest := int64(1)
	msg := &message.Push{
		Created:         time.Now().UTC(),
		NodeID:          node.NodeID,
		LatestVersionID: &latest,
		Operations: []types.Operation{
			{Order: 1, RowID: 2, ContentTypeID: ctA, Command: types.CommandInsert},
		},
		Payload: message.NewPayload(),
	}
	// No replacement record for A 1: human error, push aborts.
	msg.Payload.Add("A", 2, types.Row{"id": int64(2), "name": "shared"})
	msg.SignWith(node.Secret)

	_, err = s.HandlePush(ctx, msg)
	var unique *types.UniqueConstraintError
	if !errors.As(err, &unique) {
		t.Fatalf("HandlePush returned %v", err)
	}
	if len(unique.Conflicts) != 1 || unique.Conflicts[0].PK != 1 {
		t.Errorf("conflicts = %v", unique.Conflicts)
	}
}

func TestHandlePull(t *testing.T) {
	s := newTestServer(t)
	ctA, ctB := contentType(t, s, "A"), contentType(t, s, "B")
	ctx := context.Background()
	a, _ := s.reg.ModelByName("A")
	b, _ := s.reg.ModelByName("B")

	// One version carrying an insert of a1 and b1, a delete of the long
	// gone a2, and a spare row a5 no operation mentions.
	err := s.eng.Transaction(ctx, func(tx *storage.Tx) error {
		for _, row := range []types.Row{
			{"id": int64(1), "name": "a1"},
			{"id": int64(5), "name": "a5"},
		} {
			if err := tx.InsertRow(ctx, a, row); err != nil {
				return err
			}
		}
		if err := tx.InsertRow(ctx, b, types.Row{"id": int64(1), "name": "b1", "a_id": int64(1)}); err != nil {
			return err
		}
		v := types.Version{Created: time.Now().UTC()}
		if err := tx.InsertVersion(ctx, &v); err != nil {
			return err
		}
		for _, op := range []types.Operation{
			{RowID: 1, ContentTypeID: ctA, Command: types.CommandInsert, VersionID: &v.VersionID},
			{RowID: 1, ContentTypeID: ctB, Command: types.CommandInsert, VersionID: &v.VersionID},
			{RowID: 2, ContentTypeID: ctA, Command: types.CommandDelete, VersionID: &v.VersionID},
		} {
			op := op
			if err := tx.InsertOperation(ctx, &op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// The client reports its own delete of a5: the server's copy comes
	// back so the client can restore it if something still needs it.
	req := &message.PullRequest{
		Operations: []types.Operation{
			{Order: 1, RowID: 5, ContentTypeID: ctA, Command: types.CommandDelete},
		},
	}
	reply, err := s.HandlePull(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.Versions) != 1 || reply.Versions[0].VersionID != 1 {
		t.Errorf("versions = %v", reply.Versions)
	}
	if len(reply.Operations) != 3 {
		t.Errorf("operations = %v", reply.Operations)
	}
	if row := reply.Payload.Get("A", 1); row == nil || row["name"] != "a1" {
		t.Errorf("payload a1 = %v", row)
	}
	if row := reply.Payload.Get("B", 1); row == nil {
		t.Error("payload b1 missing")
	}
	if row := reply.Payload.Get("A", 5); row == nil || row["name"] != "a5" {
		t.Errorf("payload a5 = %v", row)
	}
	if row := reply.Payload.Get("A", 2); row != nil {
		t.Errorf("deleted a2 travelled anyway: %v", row)
	}

	// A node that has seen version 1 gets nothing.
	latest := int64(1)
	reply, err = s.HandlePull(ctx, &message.PullRequest{LatestVersionID: &latest})
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.Versions) != 0 || len(reply.Operations) != 0 {
		t.Errorf("up-to-date pull = %v / %v", reply.Versions, reply.Operations)
	}
}

func TestHandleQuery(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	a, _ := s.reg.ModelByName("A")
	err := s.eng.Transaction(ctx, func(tx *storage.Tx) error {
		for _, row := range []types.Row{
			{"id": int64(1), "name": "keep"},
			{"id": int64(2), "name": "drop"},
		} {
			if err := tx.InsertRow(ctx, a, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	reply, err := s.HandleQuery(ctx, "A", map[string]any{"name": "keep"})
	if err != nil {
		t.Fatal(err)
	}
	if pks := reply.Payload.PKs("A"); len(pks) != 1 || pks[0] != 1 {
		t.Errorf("query result = %v", pks)
	}
	if _, err := s.HandleQuery(ctx, "Nope", nil); err == nil {
		t.Error("querying an untracked model must fail")
	}
}

func seedTrimHistory(t *testing.T, s *Server) {
	t.Helper()
	ctx := context.Background()
	ctA := contentType(t, s, "A")
	err := s.eng.Transaction(ctx, func(tx *storage.Tx) error {
		for i := 0; i < 3; i++ {
			v := types.Version{Created: time.Now().UTC()}
			if err := tx.InsertVersion(ctx, &v); err != nil {
				return err
			}
			op := types.Operation{RowID: int64(i + 1), ContentTypeID: ctA,
				Command: types.CommandInsert, VersionID: &v.VersionID}
			if err := tx.InsertOperation(ctx, &op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func trimState(t *testing.T, s *Server) (ops []types.Operation, versions []types.Version) {
	t.Helper()
	ctx := context.Background()
	err := s.eng.Transaction(ctx, func(tx *storage.Tx) error {
		var err error
		if ops, err = tx.AllOperations(ctx); err != nil {
			return err
		}
		versions, err = tx.VersionsAbove(ctx, nil)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return ops, versions
}

func TestTrimWithoutNodes(t *testing.T) {
	s := newTestServer(t)
	seedTrimHistory(t, s)
	if err := s.Trim(context.Background()); err != nil {
		t.Fatal(err)
	}
	ops, versions := trimState(t, s)
	if len(ops) != 0 {
		t.Errorf("operations survived: %v", ops)
	}
	if len(versions) != 1 || versions[0].VersionID != 3 {
		t.Errorf("versions = %v", versions)
	}
}

func TestTrimBlockedBySilentNode(t *testing.T) {
	s := newTestServer(t)
	seedTrimHistory(t, s)
	registerNode(t, s)
	if err := s.Trim(context.Background()); err != nil {
		t.Fatal(err)
	}
	ops, versions := trimState(t, s)
	if len(ops) != 3 || len(versions) != 3 {
		t.Errorf("history of a never-pushed node was trimmed: %d ops, %d versions", len(ops), len(versions))
	}
}

func TestTrimToLowestAcknowledged(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	ctA := contentType(t, s, "A")
	nodeA := registerNode(t, s)
	nodeB := registerNode(t, s)

	// nodeA produced versions 1 and 3, nodeB version 2; the lowest
	// acknowledged version is nodeB's 2.
	owners := []int64{nodeA.NodeID, nodeB.NodeID, nodeA.NodeID}
	err := s.eng.Transaction(ctx, func(tx *storage.Tx) error {
		for i, owner := range owners {
			owner := owner
			v := types.Version{NodeID: &owner, Created: time.Now().UTC()}
			if err := tx.InsertVersion(ctx, &v); err != nil {
				return err
			}
			op := types.Operation{RowID: int64(i + 1), ContentTypeID: ctA,
				Command: types.CommandInsert, VersionID: &v.VersionID}
			if err := tx.InsertOperation(ctx, &op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Trim(ctx); err != nil {
		t.Fatal(err)
	}
	ops, versions := trimState(t, s)
	if len(ops) != 1 || *ops[0].VersionID != 3 {
		t.Errorf("operations = %v", ops)
	}
	if len(versions) != 2 || versions[0].VersionID != 2 || versions[1].VersionID != 3 {
		t.Errorf("versions = %v", versions)
	}
}

func TestRegisterIssuesDistinctSecrets(t *testing.T) {
	s := newTestServer(t)
	a := registerNode(t, s)
	b := registerNode(t, s)
	if len(a.Secret) != 128 || len(b.Secret) != 128 {
		t.Errorf("secret lengths = %d, %d", len(a.Secret), len(b.Secret))
	}
	if a.Secret == b.Secret {
		t.Error("two registrations share one secret")
	}
	if a.NodeID == b.NodeID {
		t.Error("two registrations share one node id")
	}
}
