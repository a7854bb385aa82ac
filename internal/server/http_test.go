package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/centraldb/dbsync/internal/client"
	"github.com/centraldb/dbsync/internal/message"
	"github.com/centraldb/dbsync/internal/registry"
	"github.com/centraldb/dbsync/internal/storage"
	"github.com/centraldb/dbsync/internal/track"
	"github.com/centraldb/dbsync/internal/types"
)

func newClientEngine(t *testing.T, name string) *storage.Engine {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), name))
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
	return eng
}

func rowIn(t *testing.T, eng *storage.Engine, reg *registry.Registry, model string, pk int64) types.Row {
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

func mutate(t *testing.T, eng *storage.Engine, reg *registry.Registry, fn func(s *track.Session) error) {
	t.Helper()
	ctx := context.Background()
	s, err := track.NewSession(ctx, eng, reg)
	if err != nil {
		t.Fatal(err)
	}
	if err := fn(s); err != nil {
		s.Rollback()
		t.Fatal(err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestSyncOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(NewHTTPServer(srv, "127.0.0.1:0").Handler())
	t.Cleanup(ts.Close)
	ctx := context.Background()
	reg := srv.reg

	eng1 := newClientEngine(t, "one.db")
	c1 := client.New(eng1, reg, ts.URL)

	// Pushing without a registration fails locally.
	mutate(t, eng1, reg, func(s *track.Session) error {
		return s.Insert(ctx, "A", types.Row{"id": int64(1), "name": "first"})
	})
	require.Error(t, c1.Push(ctx))

	node, err := c1.Register(ctx, nil)
	require.NoError(t, err)
	require.Len(t, node.Secret, 128)
	// Registering again is a no-op.
	again, err := c1.Register(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, node.NodeID, again.NodeID)

	mutate(t, eng1, reg, func(s *track.Session) error {
		return s.Insert(ctx, "B", types.Row{"id": int64(1), "name": "child", "a_id": int64(1)})
	})
	require.NoError(t, c1.Push(ctx))
	row := rowIn(t, srv.eng, reg, "A", 1)
	require.NotNil(t, row)
	require.Equal(t, "first", row["name"])
	require.NotNil(t, rowIn(t, srv.eng, reg, "B", 1))
	// Everything is versioned now; a second push is a local no-op.
	require.NoError(t, c1.Push(ctx))

	// A second node pulls the full history.
	eng2 := newClientEngine(t, "two.db")
	c2 := client.New(eng2, reg, ts.URL)
	_, err = c2.Register(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, c2.Pull(ctx))
	row = rowIn(t, eng2, reg, "A", 1)
	require.NotNil(t, row)
	require.Equal(t, "first", row["name"])
	require.NotNil(t, rowIn(t, eng2, reg, "B", 1))

	// Node one moves ahead; node two's next push is told to pull first.
	mutate(t, eng1, reg, func(s *track.Session) error {
		return s.Update(ctx, "A", types.Row{"id": int64(1), "name": "renamed"})
	})
	require.NoError(t, c1.Push(ctx))
	mutate(t, eng2, reg, func(s *track.Session) error {
		return s.Update(ctx, "B", types.Row{"id": int64(1), "name": "changed", "a_id": int64(1)})
	})
	err = c2.Push(ctx)
	var suggested *client.PullSuggested
	require.ErrorAs(t, err, &suggested)
	require.NoError(t, c2.Pull(ctx))
	row = rowIn(t, eng2, reg, "A", 1)
	require.NotNil(t, row)
	require.Equal(t, "renamed", row["name"])
	require.NoError(t, c2.Push(ctx))
	row = rowIn(t, srv.eng, reg, "B", 1)
	require.NotNil(t, row)
	require.Equal(t, "changed", row["name"])

	// Node one catches up on node two's change.
	require.NoError(t, c1.Pull(ctx))
	row = rowIn(t, eng1, reg, "B", 1)
	require.NotNil(t, row)
	require.Equal(t, "changed", row["name"])

	// Local trim keeps only the latest version.
	require.NoError(t, c1.Trim(ctx))
	err = eng1.Transaction(ctx, func(tx *storage.Tx) error {
		versions, err := tx.VersionsAbove(ctx, nil)
		require.NoError(t, err)
		require.Len(t, versions, 1)
		ops, err := tx.AllOperations(ctx)
		require.NoError(t, err)
		require.Empty(t, ops)
		return nil
	})
	require.NoError(t, err)

	// Repair rebuilds a diverged replica from scratch.
	_, err = eng2.DB().ExecContext(ctx, `UPDATE model_a SET name = 'mangled' WHERE id = 1`)
	require.NoError(t, err)
	require.NoError(t, c2.Repair(ctx, true))
	row = rowIn(t, eng2, reg, "A", 1)
	require.NotNil(t, row)
	require.Equal(t, "renamed", row["name"])
}

func TestPushRejectionOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(NewHTTPServer(srv, "127.0.0.1:0").Handler())
	t.Cleanup(ts.Close)
	node := registerNode(t, srv)

	msg := &message.Push{
		Created: time.Now().UTC(),
		NodeID:  node.NodeID,
		Key:     "bogus",
		Operations: []types.Operation{
			{Order: 1, RowID: 1, ContentTypeID: contentType(t, srv, "A"), Command: types.CommandInsert},
		},
		Payload: message.NewPayload(),
	}
	msg.Payload.Add("A", 1, types.Row{"id": int64(1), "name": "first"})
	body, err := msg.Encode(srv.reg)
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(ts.URL+"/push", "application/json", bytes.NewReader(encoded))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var reply struct {
		Error []string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	if len(reply.Error) != 1 || reply.Error[0] != ReasonBadSignature {
		t.Errorf("error body = %v", reply.Error)
	}
	if latest := serverLatest(t, srv); latest != nil {
		t.Errorf("rejected push appended version %v", latest)
	}
}

func TestAuthOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	auth := func(r *http.Request, extra map[string]any) error {
		if r.Header.Get("X-Sync-Token") != "letmein" {
			return errors.New("missing token")
		}
		return nil
	}
	ts := httptest.NewServer(NewHTTPServer(srv, "127.0.0.1:0", WithAuth(auth)).Handler())
	t.Cleanup(ts.Close)
	ctx := context.Background()

	eng := newClientEngine(t, "auth.db")
	denied := client.New(eng, srv.reg, ts.URL)
	if _, err := denied.Register(ctx, nil); err == nil {
		t.Fatal("unauthenticated register must fail")
	}
	allowed := client.New(eng, srv.reg, ts.URL, client.WithHeader("X-Sync-Token", "letmein"))
	if _, err := allowed.Register(ctx, nil); err != nil {
		t.Fatal(err)
	}
}

func TestQueryOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(NewHTTPServer(srv, "127.0.0.1:0").Handler())
	t.Cleanup(ts.Close)
	ctx := context.Background()
	a, _ := srv.reg.ModelByName("A")
	err := srv.eng.Transaction(ctx, func(tx *storage.Tx) error {
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

	eng := newClientEngine(t, "query.db")
	c := client.New(eng, srv.reg, ts.URL)
	rows, err := c.Query(ctx, "A", map[string]any{"name": "keep"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["id"] != int64(1) {
		t.Errorf("query result = %v", rows)
	}
	if _, err := c.Query(ctx, "Nope", nil); err == nil {
		t.Error("querying an untracked model must fail")
	}
}
