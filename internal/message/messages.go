package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/centraldb/dbsync/internal/codec"
	"github.com/centraldb/dbsync/internal/registry"
	"github.com/centraldb/dbsync/internal/types"
)

// Base is a payload-only message, used for repair and query responses.
// Repair responses additionally carry the server's latest version id.
type Base struct {
	Payload         Payload
	LatestVersionID *int64
}

// PullRequest carries the client's known latest version and its current
// unversioned operations (without backing objects).
type PullRequest struct {
	LatestVersionID *int64
	Operations      []types.Operation
	ExtraData       map[string]any
}

// Pull is the server's answer to a pull request: the versions above the
// client's latest, their operations, and the payload with the referenced
// objects plus the parent objects needed for conflict resolution.
type Pull struct {
	Created    time.Time
	Versions   []types.Version
	Operations []types.Operation
	Payload    Payload
}

// Push carries a node's unversioned operations with their backing
// objects (no parents) and a key signing the operation list.
type Push struct {
	Created         time.Time
	NodeID          int64
	Key             string
	LatestVersionID *int64
	Operations      []types.Operation
	Payload         Payload
	ExtraData       map[string]any
}

// Register carries one node record back to a freshly registered client.
type Register struct {
	Node types.Node
}

func encodeTimestamp(t time.Time) any {
	encoded, _ := codec.Encode(codec.DateTime, t.UTC())
	return encoded
}

func decodeTimestamp(v any) (time.Time, error) {
	decoded, err := codec.Decode(codec.DateTime, v)
	if err != nil {
		return time.Time{}, err
	}
	if decoded == nil {
		return time.Time{}, fmt.Errorf("timestamp must not be null")
	}
	return decoded.(time.Time), nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case json.Number:
		return n.Int64()
	}
	return 0, fmt.Errorf("expected an integer, got %T", v)
}

func asOptionalInt64(v any) (*int64, error) {
	if v == nil {
		return nil, nil
	}
	n, err := asInt64(v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func operationToWire(op types.Operation) map[string]any {
	var version any
	if op.VersionID != nil {
		version = *op.VersionID
	}
	return map[string]any{
		"order":           op.Order,
		"row_id":          op.RowID,
		"content_type_id": int64(op.ContentTypeID),
		"command":         string(op.Command),
		"version_id":      version,
	}
}

func operationFromWire(v any) (types.Operation, error) {
	dict, ok := v.(map[string]any)
	if !ok {
		return types.Operation{}, fmt.Errorf("operation must be a mapping, got %T", v)
	}
	var op types.Operation
	var err error
	if op.Order, err = asInt64(dict["order"]); err != nil {
		return op, fmt.Errorf("operation order: %w", err)
	}
	if op.RowID, err = asInt64(dict["row_id"]); err != nil {
		return op, fmt.Errorf("operation row_id: %w", err)
	}
	ct, err := asInt64(dict["content_type_id"])
	if err != nil {
		return op, fmt.Errorf("operation content_type_id: %w", err)
	}
	op.ContentTypeID = uint32(ct)
	cmd, ok := dict["command"].(string)
	if !ok {
		return op, fmt.Errorf("operation command must be a string")
	}
	op.Command = types.Command(cmd)
	if !op.Command.Valid() {
		return op, fmt.Errorf("unknown operation command %q", cmd)
	}
	if op.VersionID, err = asOptionalInt64(dict["version_id"]); err != nil {
		return op, fmt.Errorf("operation version_id: %w", err)
	}
	return op, nil
}

func operationsToWire(ops []types.Operation) []map[string]any {
	out := make([]map[string]any, len(ops))
	for i, op := range ops {
		out[i] = operationToWire(op)
	}
	return out
}

func operationsFromWire(v any) ([]types.Operation, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("operations must be a list, got %T", v)
	}
	out := make([]types.Operation, 0, len(list))
	for _, entry := range list {
		op, err := operationFromWire(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func versionToWire(v types.Version) map[string]any {
	var node any
	if v.NodeID != nil {
		node = *v.NodeID
	}
	return map[string]any{
		"version_id": v.VersionID,
		"node_id":    node,
		"created":    encodeTimestamp(v.Created),
	}
}

func versionFromWire(v any) (types.Version, error) {
	dict, ok := v.(map[string]any)
	if !ok {
		return types.Version{}, fmt.Errorf("version must be a mapping, got %T", v)
	}
	var out types.Version
	var err error
	if out.VersionID, err = asInt64(dict["version_id"]); err != nil {
		return out, fmt.Errorf("version id: %w", err)
	}
	if out.NodeID, err = asOptionalInt64(dict["node_id"]); err != nil {
		return out, fmt.Errorf("version node_id: %w", err)
	}
	if out.Created, err = decodeTimestamp(dict["created"]); err != nil {
		return out, fmt.Errorf("version created: %w", err)
	}
	return out, nil
}

func nodeToWire(n types.Node) map[string]any {
	var user any
	if n.RegistryUserID != nil {
		user = *n.RegistryUserID
	}
	return map[string]any{
		"node_id":          n.NodeID,
		"registered":       encodeTimestamp(n.Registered),
		"registry_user_id": user,
		"secret":           n.Secret,
	}
}

func nodeFromWire(v any) (types.Node, error) {
	dict, ok := v.(map[string]any)
	if !ok {
		return types.Node{}, fmt.Errorf("node must be a mapping, got %T", v)
	}
	var n types.Node
	var err error
	if n.NodeID, err = asInt64(dict["node_id"]); err != nil {
		return n, fmt.Errorf("node id: %w", err)
	}
	if n.Registered, err = decodeTimestamp(dict["registered"]); err != nil {
		return n, fmt.Errorf("node registered: %w", err)
	}
	if n.RegistryUserID, err = asOptionalInt64(dict["registry_user_id"]); err != nil {
		return n, fmt.Errorf("node registry_user_id: %w", err)
	}
	secret, ok := dict["secret"].(string)
	if !ok {
		return n, fmt.Errorf("node secret must be a string")
	}
	n.Secret = secret
	return n, nil
}

func payloadFromWire(reg *registry.Registry, v any) (Payload, error) {
	if v == nil {
		return NewPayload(), nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("payload must be a mapping, got %T", v)
	}
	return DecodePayload(reg, raw)
}

func unmarshalBody(data []byte) (map[string]any, error) {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return body, nil
}

// Encode converts the message to its wire form.
func (m *Base) Encode(reg *registry.Registry) (map[string]any, error) {
	payload, err := m.Payload.Encode(reg)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"payload": payload}
	if m.LatestVersionID != nil {
		out["latest_version_id"] = *m.LatestVersionID
	}
	return out, nil
}

// DecodeBase parses a base (repair or query) message.
func DecodeBase(reg *registry.Registry, data []byte) (*Base, error) {
	body, err := unmarshalBody(data)
	if err != nil {
		return nil, err
	}
	payload, err := payloadFromWire(reg, body["payload"])
	if err != nil {
		return nil, err
	}
	latest, err := asOptionalInt64(body["latest_version_id"])
	if err != nil {
		return nil, fmt.Errorf("latest_version_id: %w", err)
	}
	return &Base{Payload: payload, LatestVersionID: latest}, nil
}

// Encode converts the request to its wire form.
func (m *PullRequest) Encode() map[string]any {
	var latest any
	if m.LatestVersionID != nil {
		latest = *m.LatestVersionID
	}
	extra := m.ExtraData
	if extra == nil {
		extra = map[string]any{}
	}
	return map[string]any{
		"latest_version_id": latest,
		"operations":        operationsToWire(m.Operations),
		"extra_data":        extra,
	}
}

// DecodePullRequest parses a pull request body.
func DecodePullRequest(data []byte) (*PullRequest, error) {
	body, err := unmarshalBody(data)
	if err != nil {
		return nil, err
	}
	latest, err := asOptionalInt64(body["latest_version_id"])
	if err != nil {
		return nil, fmt.Errorf("latest_version_id: %w", err)
	}
	ops, err := operationsFromWire(body["operations"])
	if err != nil {
		return nil, err
	}
	extra, _ := body["extra_data"].(map[string]any)
	return &PullRequest{LatestVersionID: latest, Operations: ops, ExtraData: extra}, nil
}

// Encode converts the message to its wire form.
func (m *Pull) Encode(reg *registry.Registry) (map[string]any, error) {
	payload, err := m.Payload.Encode(reg)
	if err != nil {
		return nil, err
	}
	versions := make([]map[string]any, len(m.Versions))
	for i, v := range m.Versions {
		versions[i] = versionToWire(v)
	}
	return map[string]any{
		"created":    encodeTimestamp(m.Created),
		"versions":   versions,
		"operations": operationsToWire(m.Operations),
		"payload":    payload,
	}, nil
}

// DecodePull parses a pull response body.
func DecodePull(reg *registry.Registry, data []byte) (*Pull, error) {
	body, err := unmarshalBody(data)
	if err != nil {
		return nil, err
	}
	out := &Pull{}
	if out.Created, err = decodeTimestamp(body["created"]); err != nil {
		return nil, fmt.Errorf("created: %w", err)
	}
	if out.Operations, err = operationsFromWire(body["operations"]); err != nil {
		return nil, err
	}
	rawVersions, ok := body["versions"].([]any)
	if body["versions"] != nil && !ok {
		return nil, fmt.Errorf("versions must be a list")
	}
	for _, entry := range rawVersions {
		v, err := versionFromWire(entry)
		if err != nil {
			return nil, err
		}
		out.Versions = append(out.Versions, v)
	}
	if out.Payload, err = payloadFromWire(reg, body["payload"]); err != nil {
		return nil, err
	}
	return out, nil
}

// Encode converts the message to its wire form. The key must already be
// computed with Sign.
func (m *Push) Encode(reg *registry.Registry) (map[string]any, error) {
	payload, err := m.Payload.Encode(reg)
	if err != nil {
		return nil, err
	}
	var latest any
	if m.LatestVersionID != nil {
		latest = *m.LatestVersionID
	}
	extra := m.ExtraData
	if extra == nil {
		extra = map[string]any{}
	}
	return map[string]any{
		"created":           encodeTimestamp(m.Created),
		"node_id":           m.NodeID,
		"key":               m.Key,
		"latest_version_id": latest,
		"operations":        operationsToWire(m.Operations),
		"payload":           payload,
		"extra_data":        extra,
	}, nil
}

// DecodePush parses a push request body.
func DecodePush(reg *registry.Registry, data []byte) (*Push, error) {
	body, err := unmarshalBody(data)
	if err != nil {
		return nil, err
	}
	out := &Push{}
	if out.Created, err = decodeTimestamp(body["created"]); err != nil {
		return nil, fmt.Errorf("created: %w", err)
	}
	if out.NodeID, err = asInt64(body["node_id"]); err != nil {
		return nil, fmt.Errorf("node_id: %w", err)
	}
	key, ok := body["key"].(string)
	if !ok {
		return nil, fmt.Errorf("key must be a string")
	}
	out.Key = key
	if out.LatestVersionID, err = asOptionalInt64(body["latest_version_id"]); err != nil {
		return nil, fmt.Errorf("latest_version_id: %w", err)
	}
	if out.Operations, err = operationsFromWire(body["operations"]); err != nil {
		return nil, err
	}
	if out.Payload, err = payloadFromWire(reg, body["payload"]); err != nil {
		return nil, err
	}
	out.ExtraData, _ = body["extra_data"].(map[string]any)
	return out, nil
}

// Encode converts the message to its wire form.
func (m *Register) Encode() map[string]any {
	return map[string]any{"node": nodeToWire(m.Node)}
}

// DecodeRegister parses a register response body.
func DecodeRegister(data []byte) (*Register, error) {
	body, err := unmarshalBody(data)
	if err != nil {
		return nil, err
	}
	if body["node"] == nil {
		return nil, fmt.Errorf("register message carries no node")
	}
	node, err := nodeFromWire(body["node"])
	if err != nil {
		return nil, err
	}
	return &Register{Node: node}, nil
}
