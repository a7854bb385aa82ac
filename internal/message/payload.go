// Package message implements the synchronization message containers and
// their JSON wire form.
//
// Every message shares a payload: a mapping from model name to the set of
// tracked objects the message carries, keyed by primary key. Adding the
// same (model, pk) twice is a no-op.
package message

import (
	"fmt"
	"sort"

	"github.com/centraldb/dbsync/internal/codec"
	"github.com/centraldb/dbsync/internal/registry"
	"github.com/centraldb/dbsync/internal/types"
)

// Payload maps model name -> primary key -> decoded row values.
type Payload map[string]map[int64]types.Row

// NewPayload returns an empty payload.
func NewPayload() Payload { return make(Payload) }

// Add inserts an object. Duplicate (model, pk) additions are no-ops.
func (p Payload) Add(model string, pk int64, row types.Row) {
	objs, ok := p[model]
	if !ok {
		objs = make(map[int64]types.Row)
		p[model] = objs
	}
	if _, exists := objs[pk]; exists {
		return
	}
	objs[pk] = row
}

// Get returns the object for (model, pk), or nil.
func (p Payload) Get(model string, pk int64) types.Row {
	return p[model][pk]
}

// PKs returns the primary keys present for a model, sorted.
func (p Payload) PKs(model string) []int64 {
	objs := p[model]
	out := make([]int64, 0, len(objs))
	for pk := range objs {
		out = append(out, pk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Models returns the model names present in the payload, sorted.
func (p Payload) Models() []string {
	out := make([]string, 0, len(p))
	for name := range p {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// encodeRow converts a decoded row into its JSON-friendly form using the
// model's column types. Extension fields present in the row are encoded
// with their declared extension type.
func encodeRow(m *registry.Model, row types.Row) (map[string]any, error) {
	out := make(map[string]any, len(row))
	for name, v := range row {
		ct, ok := m.ColumnType(name)
		if !ok {
			continue
		}
		encoded, err := codec.Encode(ct, v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", m.Name, name, err)
		}
		out[name] = encoded
	}
	return out, nil
}

// decodeRow converts a JSON-decoded object into a typed row. Unknown
// fields are ignored.
func decodeRow(m *registry.Model, raw map[string]any) (types.Row, error) {
	out := make(types.Row, len(raw))
	for name, v := range raw {
		ct, ok := m.ColumnType(name)
		if !ok {
			continue
		}
		decoded, err := codec.Decode(ct, v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", m.Name, name, err)
		}
		out[name] = decoded
	}
	return out, nil
}

// Encode converts the payload into its wire form.
func (p Payload) Encode(reg *registry.Registry) (map[string][]map[string]any, error) {
	out := make(map[string][]map[string]any, len(p))
	for _, model := range p.Models() {
		m, ok := reg.ModelByName(model)
		if !ok {
			return nil, fmt.Errorf("model %s isn't being tracked", model)
		}
		for _, pk := range p.PKs(model) {
			encoded, err := encodeRow(m, p[model][pk])
			if err != nil {
				return nil, err
			}
			out[model] = append(out[model], encoded)
		}
	}
	return out, nil
}

// DecodePayload parses a wire payload. Objects of models that aren't
// tracked locally are skipped.
func DecodePayload(reg *registry.Registry, raw map[string]any) (Payload, error) {
	p := NewPayload()
	for model, objs := range raw {
		m, ok := reg.ModelByName(model)
		if !ok {
			continue
		}
		list, ok := objs.([]any)
		if !ok {
			return nil, fmt.Errorf("payload entry for %s must be a list", model)
		}
		for _, entry := range list {
			dict, ok := entry.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("payload object of %s must be a mapping", model)
			}
			row, err := decodeRow(m, dict)
			if err != nil {
				return nil, err
			}
			pkv, ok := row[m.PK]
			if !ok {
				return nil, fmt.Errorf("payload object of %s is missing its primary key", model)
			}
			pk, ok := pkv.(int64)
			if !ok {
				return nil, fmt.Errorf("primary key of %s must be an integer", model)
			}
			p.Add(model, pk, row)
		}
	}
	return p, nil
}
