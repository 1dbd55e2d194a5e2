// Package resourcestore is the in-memory, contentHash-keyed record store the
// Controller populates from Watcher events and the Manifest Builder resolves
// nodes against (manifest.Resolver implementation).
package resourcestore

import (
	"context"
	"sync"

	"github.com/avaast/appview/pkg/atmodel"
)

// Record is one stored resource: its kind, raw body, declared dependencies,
// and (for function-kind resources) its compiled code blob.
type Record struct {
	Kind         string
	Body         []byte
	Dependencies []atmodel.ResourceRef
	CodeBlob     []byte
}

// Store is a concurrency-safe map of ResourceRef -> Record.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]Record)}
}

// Put stores or replaces the record for ref.
func (s *Store) Put(ref atmodel.ResourceRef, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[ref.Key()] = rec
}

// Delete removes the record for ref, if present.
func (s *Store) Delete(ref atmodel.ResourceRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, ref.Key())
}

// Get returns the record for ref.
func (s *Store) Get(ref atmodel.ResourceRef) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[ref.Key()]
	return rec, ok
}

// ResolveNode implements manifest.Resolver.
func (s *Store) ResolveNode(_ context.Context, ref atmodel.ResourceRef) (string, []atmodel.ResourceRef, error) {
	rec, ok := s.Get(ref)
	if !ok {
		return "", nil, atmodel.NewInvalidRequest("unresolved reference: " + ref.Key())
	}
	return rec.Kind, rec.Dependencies, nil
}

// FetchBody implements manifest.Resolver.
func (s *Store) FetchBody(_ context.Context, ref atmodel.ResourceRef) ([]byte, error) {
	rec, ok := s.Get(ref)
	if !ok {
		return nil, atmodel.NewInvalidRequest("unresolved reference: " + ref.Key())
	}
	return rec.Body, nil
}

// FetchCodeBlob implements manifest.Resolver.
func (s *Store) FetchCodeBlob(_ context.Context, ref atmodel.ResourceRef) ([]byte, error) {
	rec, ok := s.Get(ref)
	if !ok {
		return nil, atmodel.NewInvalidRequest("unresolved reference: " + ref.Key())
	}
	return rec.CodeBlob, nil
}
