package storage

import (
	"context"
	"fmt"
)

// CreateSchema creates the engine's internal tables if they don't exist.
// Tracked tables belong to the application and are never created here.
func (e *Engine) CreateSchema(ctx context.Context) error {
	var stmts []string
	switch e.dialect {
	case DialectMySQL:
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				content_type_id BIGINT PRIMARY KEY,
				table_name VARCHAR(255) NOT NULL,
				model_name VARCHAR(255) NOT NULL
			)`, e.table("content_types")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				version_id BIGINT PRIMARY KEY AUTO_INCREMENT,
				node_id BIGINT,
				created DATETIME(6) NOT NULL
			)`, e.table("versions")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				`+"`order`"+` BIGINT PRIMARY KEY AUTO_INCREMENT,
				row_id BIGINT NOT NULL,
				content_type_id BIGINT NOT NULL,
				command VARCHAR(1) NOT NULL,
				version_id BIGINT
			)`, e.table("operations")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				node_id BIGINT PRIMARY KEY AUTO_INCREMENT,
				registered DATETIME(6) NOT NULL,
				registry_user_id BIGINT,
				secret VARCHAR(128) NOT NULL
			)`, e.table("nodes")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGINT PRIMARY KEY AUTO_INCREMENT,
				created DATETIME(6) NOT NULL,
				source VARCHAR(255),
				error TEXT,
				node_id BIGINT
			)`, e.table("logs")),
		}
	default:
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				content_type_id INTEGER PRIMARY KEY,
				table_name TEXT NOT NULL,
				model_name TEXT NOT NULL
			)`, e.table("content_types")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				version_id INTEGER PRIMARY KEY AUTOINCREMENT,
				node_id INTEGER,
				created TEXT NOT NULL
			)`, e.table("versions")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				"order" INTEGER PRIMARY KEY AUTOINCREMENT,
				row_id INTEGER NOT NULL,
				content_type_id INTEGER NOT NULL REFERENCES %s(content_type_id),
				command TEXT NOT NULL CHECK (command IN ('i', 'u', 'd')),
				version_id INTEGER REFERENCES %s(version_id)
			)`, e.table("operations"), e.table("content_types"), e.table("versions")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				node_id INTEGER PRIMARY KEY AUTOINCREMENT,
				registered TEXT NOT NULL,
				registry_user_id INTEGER,
				secret TEXT NOT NULL
			)`, e.table("nodes")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created TEXT NOT NULL,
				source TEXT,
				error TEXT,
				node_id INTEGER
			)`, e.table("logs")),
		}
	}
	for _, stmt := range stmts {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sync schema: %w", err)
		}
	}
	return nil
}
