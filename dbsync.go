// Package dbsync synchronizes relational data between many client
// databases and one authoritative server database, over HTTP with JSON
// payloads.
//
// Mutations of tracked tables go through a Session, which records
// insert/update/delete operations in a local log. The log is
// compressed and shipped with push messages; pull responses are merged
// with automatic conflict resolution.
//
// The package-level API wires one process-wide engine and model
// registry, which is how most applications use it. The internal
// packages take explicit engines for multi-database setups.
package dbsync

import (
	"context"
	"database/sql"
	"sync"

	"github.com/centraldb/dbsync/internal/client"
	"github.com/centraldb/dbsync/internal/codec"
	"github.com/centraldb/dbsync/internal/registry"
	"github.com/centraldb/dbsync/internal/server"
	"github.com/centraldb/dbsync/internal/storage"
	"github.com/centraldb/dbsync/internal/track"
	"github.com/centraldb/dbsync/internal/types"
)

// Re-exported record and schema types.
type (
	Row        = types.Row
	Operation  = types.Operation
	Version    = types.Version
	Node       = types.Node
	Command    = types.Command
	Model      = registry.Model
	Column     = registry.Column
	ForeignKey = registry.ForeignKey
	Extension  = registry.Extension
	Session    = track.Session
	Server     = server.Server
	Client     = client.Client
	HTTPServer = server.HTTPServer
)

// Engine configuration. SetEngine accepts these; the dialect decides how
// foreign keys are relaxed around synchronization transactions.
type (
	EngineOption = storage.Option
	Dialect      = storage.Dialect
)

const (
	DialectGeneric = storage.DialectGeneric
	DialectSQLite  = storage.DialectSQLite
	DialectMySQL   = storage.DialectMySQL
)

var (
	WithDialect      = storage.WithDialect
	WithPrefix       = storage.WithPrefix
	DialectForDriver = storage.DialectForDriver
)

// Client configuration.
type (
	ClientOption = client.Option
	ProgressFunc = client.ProgressFunc
)

var (
	WithTimeout    = client.WithTimeout
	WithHTTPClient = client.WithHTTPClient
	WithHeader     = client.WithHeader
	WithProgress   = client.WithProgress
	WithExtraData  = client.WithExtraData
)

// HTTP server configuration.
type (
	HTTPOption = server.HTTPOption
	AuthFunc   = server.AuthFunc
)

var (
	NewHTTPServer = server.NewHTTPServer
	WithAuth      = server.WithAuth
)

// Error kinds callers match on with errors.As.
type (
	NetworkError          = client.NetworkError
	BadResponse           = client.BadResponse
	PushRejected          = client.PushRejected
	PullSuggested         = client.PullSuggested
	UniqueConstraintError = types.UniqueConstraintError
	OperationError        = types.OperationError
)

// Column type constants for model declarations.
const (
	Integer  = codec.Integer
	Float    = codec.Float
	Text     = codec.Text
	Boolean  = codec.Boolean
	Date     = codec.Date
	DateTime = codec.DateTime
	Time     = codec.Time
	Binary   = codec.Binary
	Numeric  = codec.Numeric
)

// ConfigurationError reports use of the package before it is wired up.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

var global struct {
	mu  sync.RWMutex
	eng *storage.Engine
	reg *registry.Registry
}

func init() {
	global.reg = registry.New()
}

// SetEngine binds the process-wide database. Must be called before any
// operation that touches storage.
func SetEngine(db *sql.DB, opts ...storage.Option) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.eng = storage.New(db, opts...)
}

// Engine returns the process-wide engine.
func Engine() (*storage.Engine, error) {
	global.mu.RLock()
	defer global.mu.RUnlock()
	if global.eng == nil {
		return nil, &ConfigurationError{Msg: "database engine hasn't been set yet"}
	}
	return global.eng, nil
}

// Registry returns the process-wide model registry.
func Registry() *registry.Registry {
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.reg
}

// Track registers a model with the process-wide registry.
func Track(m *Model) error {
	return Registry().Track(m)
}

// Extend adds a virtual field to an already-tracked model.
func Extend(model, field string, ext Extension) error {
	return Registry().Extend(model, field, ext)
}

// CreateSchema creates the synchronization tables if they don't exist
// and registers the content types of all tracked models.
func CreateSchema(ctx context.Context) error {
	eng, err := Engine()
	if err != nil {
		return err
	}
	if err := eng.CreateSchema(ctx); err != nil {
		return err
	}
	return track.GenerateContentTypes(ctx, eng, Registry())
}

// NewSession begins a tracked application transaction.
func NewSession(ctx context.Context) (*Session, error) {
	eng, err := Engine()
	if err != nil {
		return nil, err
	}
	return track.NewSession(ctx, eng, Registry())
}

// NewServerSession begins a tracked transaction for direct server
// writes; every recorded operation gets its own version on commit.
func NewServerSession(ctx context.Context) (*Session, error) {
	eng, err := Engine()
	if err != nil {
		return nil, err
	}
	return track.NewServerSession(ctx, eng, Registry())
}

// NewServer returns a synchronization server over the process-wide
// engine and registry.
func NewServer() (*Server, error) {
	eng, err := Engine()
	if err != nil {
		return nil, err
	}
	return server.New(eng, Registry()), nil
}

// NewClient returns a synchronization client for the server at baseURL.
func NewClient(baseURL string, opts ...client.Option) (*Client, error) {
	eng, err := Engine()
	if err != nil {
		return nil, err
	}
	return client.New(eng, Registry(), baseURL, opts...), nil
}

// IsSynched reports whether the given tracked row has no pending
// unversioned operation.
func IsSynched(ctx context.Context, model string, pk int64) (bool, error) {
	eng, err := Engine()
	if err != nil {
		return false, err
	}
	return track.IsSynched(ctx, eng, Registry(), model, pk)
}

// UnsynchedObjects compresses the local log and returns the pending
// changes.
func UnsynchedObjects(ctx context.Context) ([]track.UnsynchedObject, error) {
	eng, err := Engine()
	if err != nil {
		return nil, err
	}
	return track.UnsynchedObjects(ctx, eng, Registry())
}

// DropAll forgets the engine and every tracked model. Tests use it to
// reset process state; stored data is left untouched.
func DropAll() {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.eng = nil
	global.reg.Drop()
}
