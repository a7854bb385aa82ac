package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/centraldb/dbsync/internal/message"
	"github.com/centraldb/dbsync/internal/types"
)

// Query fetches the server's records of one model matching equality
// filters on its columns, without touching the local database. Rows
// come back ordered by primary key.
func (c *Client) Query(ctx context.Context, model string, filters map[string]any) ([]types.Row, error) {
	if _, ok := c.reg.ModelByName(model); !ok {
		return nil, fmt.Errorf("model %s isn't being tracked", model)
	}
	query := url.Values{}
	query.Set("model", model)
	for column, value := range filters {
		query.Set(model+"_"+column, formatFilterValue(value))
	}
	status, data, err := c.do(ctx, http.MethodGet, "/query", query, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		if reasons := errorReasons(data); reasons != nil {
			return nil, fmt.Errorf("query rejected: %v", reasons)
		}
		return nil, c.badResponse("/query", status, data)
	}
	reply, err := message.DecodeBase(c.reg, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse query response: %w", err)
	}
	var rows []types.Row
	for _, pk := range reply.Payload.PKs(model) {
		rows = append(rows, reply.Payload.Get(model, pk))
	}
	return rows, nil
}

func formatFilterValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case int64:
		return strconv.FormatInt(value, 10)
	case int:
		return strconv.Itoa(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case time.Time:
		return value.UTC().Format("2006-01-02 15:04:05.999999")
	}
	return fmt.Sprint(v)
}
