// Package state owns the state tree: the Store that holds it, the Patch
// format that changes it, and the Target a worker seeks.
package state

import (
	"fmt"
	"sync"
)

// Snapshot is a read-only view of the store at one version.
type Snapshot struct {
	// Doc is a private copy of the state tree.
	Doc interface{}

	// Version increments on every successful commit.
	Version uint64
}

// Store holds the current state tree. It is mutated only through Commit.
type Store struct {
	mu      sync.RWMutex
	doc     interface{}
	version uint64
}

// NewStore creates a store holding a normalized copy of initial.
func NewStore(initial interface{}) (*Store, error) {
	doc, err := Normalize(initial)
	if err != nil {
		return nil, fmt.Errorf("invalid initial state: %w", err)
	}
	return &Store{doc: doc}, nil
}

// Snapshot returns a private copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Doc:     DeepCopy(s.doc),
		Version: s.version,
	}
}

// Version returns the current version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Commit applies all patches, in order, as one batch. Either every operation
// applies and the version advances, or the state is left untouched.
func (s *Store) Commit(patches ...Patch) (uint64, error) {
	var batch Patch
	for _, p := range patches {
		batch = append(batch, p...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(batch) == 0 {
		return s.version, nil
	}

	next, err := batch.Apply(s.doc)
	if err != nil {
		return s.version, err
	}
	s.doc = next
	s.version++
	return s.version, nil
}
