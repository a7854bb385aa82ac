package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/centraldb/dbsync/internal/codec"
)

// schemaFile is the YAML shape of a tracked-model schema file:
//
//	models:
//	  - name: City
//	    table: cities
//	    pk: id
//	    push: true
//	    pull: true
//	    columns:
//	      - {name: id, type: integer}
//	      - {name: name, type: text}
//	      - {name: country_id, type: integer}
//	    foreign_keys:
//	      - {column: country_id, ref_model: Country, ref_column: id}
//	    unique:
//	      - [name]
type schemaFile struct {
	Models []schemaModel `yaml:"models"`
}

type schemaModel struct {
	Name        string         `yaml:"name"`
	Table       string         `yaml:"table"`
	PK          string         `yaml:"pk"`
	Push        *bool          `yaml:"push"`
	Pull        *bool          `yaml:"pull"`
	Columns     []schemaColumn `yaml:"columns"`
	ForeignKeys []schemaFK     `yaml:"foreign_keys"`
	Unique      [][]string     `yaml:"unique"`
}

type schemaColumn struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type schemaFK struct {
	Column    string `yaml:"column"`
	RefModel  string `yaml:"ref_model"`
	RefColumn string `yaml:"ref_column"`
}

// LoadSchema reads a YAML schema file and tracks every model it declares.
func (r *Registry) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	return r.LoadSchemaBytes(data)
}

// LoadSchemaBytes tracks every model declared in the given YAML document.
func (r *Registry) LoadSchemaBytes(data []byte) error {
	var file schemaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse schema: %w", err)
	}
	for _, sm := range file.Models {
		m := &Model{
			Name:   sm.Name,
			Table:  sm.Table,
			PK:     sm.PK,
			Unique: sm.Unique,
		}
		for _, sc := range sm.Columns {
			t, err := codec.ParseType(sc.Type)
			if err != nil {
				return fmt.Errorf("model %s, column %s: %w", sm.Name, sc.Name, err)
			}
			m.Columns = append(m.Columns, Column{Name: sc.Name, Type: t})
		}
		for _, fk := range sm.ForeignKeys {
			ref := fk.RefColumn
			if ref == "" {
				ref = "id"
			}
			m.ForeignKeys = append(m.ForeignKeys, ForeignKey{
				Column: fk.Column, RefModel: fk.RefModel, RefColumn: ref,
			})
		}
		if sm.Push != nil {
			m.Push = *sm.Push
		}
		if sm.Pull != nil {
			m.Pull = *sm.Pull
		}
		if sm.Push == nil && sm.Pull == nil {
			m.Push, m.Pull = true, true
		}
		if err := r.Track(m); err != nil {
			return err
		}
	}
	return nil
}
