package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/centraldb/dbsync/internal/apply"
	"github.com/centraldb/dbsync/internal/compress"
	"github.com/centraldb/dbsync/internal/logx"
	"github.com/centraldb/dbsync/internal/message"
	"github.com/centraldb/dbsync/internal/storage"
	"github.com/centraldb/dbsync/internal/types"
)

// Push compresses the local operation log and sends the pending
// operations with their backing objects to the server. On acceptance
// the server's new version is recorded locally and the sent operations
// are linked to it. With nothing to push, Push returns nil without
// touching the network.
//
// A rejected push comes back as *PushRejected, or *PullSuggested when
// the server says this node is behind. Pushes are never retried here;
// after a network failure the caller must pull and inspect before
// pushing again, because the server may have committed the version.
func (c *Client) Push(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, err := c.node(ctx)
	if err != nil {
		return err
	}
	msg := &message.Push{
		Created:   time.Now().UTC(),
		NodeID:    node.NodeID,
		Payload:   message.NewPayload(),
		ExtraData: c.extra(),
	}
	err = c.eng.Transaction(ctx, func(tx *storage.Tx) error {
		if err := compress.Database(ctx, tx, c.reg); err != nil {
			return err
		}
		ops, err := tx.UnversionedOperations(ctx)
		if err != nil {
			return err
		}
		msg.Operations = ops
		if msg.LatestVersionID, err = tx.LatestVersionID(ctx); err != nil {
			return err
		}
		for _, op := range ops {
			if op.Command == types.CommandDelete {
				continue
			}
			m, ok := c.reg.ModelByContentType(op.ContentTypeID)
			if !ok {
				return &types.OperationError{Op: op, Reason: "content type isn't being tracked"}
			}
			row, err := tx.SelectRow(ctx, m, op.RowID)
			if err != nil {
				return err
			}
			if row == nil {
				return &types.OperationError{Op: op, Reason: "backing object is missing"}
			}
			apply.LoadExtensions(m, row)
			msg.Payload.Add(m.Name, op.RowID, row)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(msg.Operations) == 0 {
		logx.Debugf("nothing to push")
		return nil
	}
	msg.SignWith(node.Secret)
	body, err := msg.Encode(c.reg)
	if err != nil {
		return err
	}
	status, data, err := c.do(ctx, http.MethodPost, "/push", nil, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		if reasons := errorReasons(data); reasons != nil {
			rejected := PushRejected{Reasons: reasons}
			if c.suggestsPull(status, reasons) {
				return &PullSuggested{PushRejected: rejected}
			}
			return &rejected
		}
		return c.badResponse("/push", status, data)
	}
	var reply struct {
		NewVersionID int64 `json:"new_version_id"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("failed to parse push response: %w", err)
	}
	return c.eng.Transaction(ctx, func(tx *storage.Tx) error {
		version := types.Version{
			VersionID: reply.NewVersionID,
			NodeID:    &node.NodeID,
			Created:   msg.Created,
		}
		if err := tx.InsertVersionWithID(ctx, version); err != nil {
			return err
		}
		for _, op := range msg.Operations {
			op.VersionID = &reply.NewVersionID
			if err := tx.UpdateOperation(ctx, op); err != nil {
				return err
			}
		}
		return nil
	})
}
