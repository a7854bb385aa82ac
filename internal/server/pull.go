package server

import (
	"context"
	"fmt"
	"time"

	"github.com/centraldb/dbsync/internal/apply"
	"github.com/centraldb/dbsync/internal/message"
	"github.com/centraldb/dbsync/internal/storage"
	"github.com/centraldb/dbsync/internal/types"
)

// HandlePull answers a pull request with the versions the node hasn't
// seen, their operations, and the backing objects. Objects deleted by a
// later operation are simply absent from the payload; the client
// compresses the operation list before applying, so order of inclusion
// doesn't matter.
//
// For every client-side delete listed in the request, the server also
// includes its own copy of the deleted row when it still has one. The
// client needs those rows to restore parents of incoming inserts and
// updates it deleted locally.
func (s *Server) HandlePull(ctx context.Context, req *message.PullRequest) (*message.Pull, error) {
	out := &message.Pull{Created: time.Now().UTC(), Payload: message.NewPayload()}
	err := s.eng.Transaction(ctx, func(tx *storage.Tx) error {
		versions, err := tx.VersionsAbove(ctx, req.LatestVersionID)
		if err != nil {
			return err
		}
		out.Versions = versions
		ops, err := tx.OperationsAboveVersion(ctx, req.LatestVersionID)
		if err != nil {
			return err
		}
		out.Operations = ops
		for _, op := range ops {
			if op.Command == types.CommandDelete {
				continue
			}
			if err := s.addObject(ctx, tx, out.Payload, op.ContentTypeID, op.RowID); err != nil {
				return err
			}
		}
		for _, op := range req.Operations {
			if op.Command != types.CommandDelete {
				continue
			}
			if err := s.addObject(ctx, tx, out.Payload, op.ContentTypeID, op.RowID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// addObject loads one row of a pull-enabled model into the payload.
// Untracked content types and missing rows are skipped.
func (s *Server) addObject(ctx context.Context, tx *storage.Tx, payload message.Payload, ct uint32, pk int64) error {
	m, ok := s.reg.ModelByContentType(ct)
	if !ok || !m.Pull {
		return nil
	}
	if payload.Get(m.Name, pk) != nil {
		return nil
	}
	row, err := tx.SelectRow(ctx, m, pk)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}
	apply.LoadExtensions(m, row)
	payload.Add(m.Name, pk, row)
	return nil
}

// HandleRepair returns a full snapshot of all pull-enabled models plus
// the latest version id, for clients whose state is beyond
// reconciliation. Extension fields can be excluded to keep the snapshot
// small.
func (s *Server) HandleRepair(ctx context.Context, includeExtensions bool) (*message.Base, error) {
	out := &message.Base{Payload: message.NewPayload()}
	err := s.eng.Transaction(ctx, func(tx *storage.Tx) error {
		latest, err := tx.LatestVersionID(ctx)
		if err != nil {
			return err
		}
		out.LatestVersionID = latest
		for _, m := range s.reg.Models() {
			if !m.Pull {
				continue
			}
			rows, err := tx.SelectAll(ctx, m)
			if err != nil {
				return err
			}
			for _, row := range rows {
				pk, err := storage.PKValue(m, row)
				if err != nil {
					return err
				}
				if includeExtensions {
					apply.LoadExtensions(m, row)
				}
				out.Payload.Add(m.Name, pk, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HandleQuery returns the records of one model matching equality
// filters on known columns, joined by AND. Unknown filter columns are
// ignored.
func (s *Server) HandleQuery(ctx context.Context, model string, filters map[string]any) (*message.Base, error) {
	m, ok := s.reg.ModelByName(model)
	if !ok {
		return nil, fmt.Errorf("model %s isn't being tracked", model)
	}
	out := &message.Base{Payload: message.NewPayload()}
	err := s.eng.Transaction(ctx, func(tx *storage.Tx) error {
		rows, err := tx.SelectWhere(ctx, m, filters)
		if err != nil {
			return err
		}
		for _, row := range rows {
			pk, err := storage.PKValue(m, row)
			if err != nil {
				return err
			}
			apply.LoadExtensions(m, row)
			out.Payload.Add(m.Name, pk, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HandleRegister creates a node with a fresh 128-character secret and
// returns it. The secret travels to the client exactly once, here.
func (s *Server) HandleRegister(ctx context.Context, registryUserID *int64) (*message.Register, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate node secret: %w", err)
	}
	node := types.Node{
		Registered:     time.Now().UTC(),
		RegistryUserID: registryUserID,
		Secret:         secret,
	}
	err = s.eng.Transaction(ctx, func(tx *storage.Tx) error {
		return tx.InsertNode(ctx, &node)
	})
	if err != nil {
		return nil, err
	}
	return &message.Register{Node: node}, nil
}
