// Package server implements the authoritative side of the
// synchronization protocol: the push handler, the pull, repair, query
// and register handlers, and the trim procedure.
package server

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/centraldb/dbsync/internal/registry"
	"github.com/centraldb/dbsync/internal/storage"
)

// Server handles synchronization requests against the authoritative
// database.
type Server struct {
	eng *storage.Engine
	reg *registry.Registry
}

// New returns a server bound to the given engine and registry.
func New(eng *storage.Engine, reg *registry.Registry) *Server {
	return &Server{eng: eng, reg: reg}
}

// Engine returns the bound engine.
func (s *Server) Engine() *storage.Engine { return s.eng }

// Registry returns the bound registry.
func (s *Server) Registry() *registry.Registry { return s.reg }

// RejectError is a push rejection. Reasons are returned to the node in
// the HTTP error body; PullSuggested marks the node as being behind the
// server.
type RejectError struct {
	Reasons       []string
	PullSuggested bool
}

func (e *RejectError) Error() string {
	return "push rejected: " + strings.Join(e.Reasons, "; ")
}

func reject(reason string) *RejectError {
	return &RejectError{Reasons: []string{reason}}
}

// secretAlphabet is the character set node secrets are drawn from.
const secretAlphabet = "0123456789" +
	"abcdefghijklmnopqrstuvwxyz" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"!#$%&()*+-./:;<=>?@[]_{|}~"

// newSecret generates a 128-character node secret.
func newSecret() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(secretAlphabet)))
	for i := 0; i < 128; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(secretAlphabet[n.Int64()])
	}
	return b.String(), nil
}
