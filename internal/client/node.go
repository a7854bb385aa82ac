package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/centraldb/dbsync/internal/message"
	"github.com/centraldb/dbsync/internal/storage"
	"github.com/centraldb/dbsync/internal/types"
)

// GetNode returns the cached registration, or nil if this database has
// never been registered.
func (c *Client) GetNode(ctx context.Context) (*types.Node, error) {
	var node *types.Node
	err := c.eng.Transaction(ctx, func(tx *storage.Tx) error {
		var err error
		node, err = tx.FirstNode(ctx)
		return err
	})
	return node, err
}

// SaveNode caches a registration locally, keeping the server-issued id.
func (c *Client) SaveNode(ctx context.Context, node types.Node) error {
	return c.eng.Transaction(ctx, func(tx *storage.Tx) error {
		return tx.InsertNode(ctx, &node)
	})
}

// IsRegistered reports whether this database holds a registration.
func (c *Client) IsRegistered(ctx context.Context) (bool, error) {
	node, err := c.GetNode(ctx)
	return node != nil, err
}

// Register obtains a node record from the server and caches it locally.
// Registering an already-registered database is a no-op and returns the
// existing node.
func (c *Client) Register(ctx context.Context, registryUserID *int64) (*types.Node, error) {
	existing, err := c.GetNode(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	query := url.Values{}
	if registryUserID != nil {
		query.Set("user_id", strconv.FormatInt(*registryUserID, 10))
	}
	status, data, err := c.do(ctx, http.MethodPost, "/register", query, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.badResponse("/register", status, data)
	}
	reply, err := message.DecodeRegister(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse register response: %w", err)
	}
	if err := c.SaveNode(ctx, reply.Node); err != nil {
		return nil, err
	}
	return &reply.Node, nil
}

// node returns the cached registration or fails.
func (c *Client) node(ctx context.Context) (*types.Node, error) {
	node, err := c.GetNode(ctx)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("node isn't registered")
	}
	return node, nil
}
