// Package store holds the replicated state of one document: a CRDT doc
// behind a lock, with snapshotting and a local version counter that drives
// flush cadence.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ilnaes/docsync/internal/crdt"
)

var (
	ErrAlreadyInitialized = errors.New("store: already initialized")
	ErrCorruptSnapshot    = errors.New("store: corrupt snapshot")
	ErrInvalidUpdate      = errors.New("store: invalid update")
	ErrTooManyPending     = errors.New("store: too many changes waiting for their dependencies")
)

// Snapshot is an opaque, versioned full-state encoding.
type Snapshot []byte

type Store struct {
	doc     *crdt.Doc
	version uint64 // bumped by every merge that changed something
	flushed uint64 // version last written to durable storage

	maxPending int // 0 is unlimited

	mu sync.RWMutex // protects all of the above
}

func New() *Store {
	return &Store{doc: crdt.NewDoc()}
}

// LimitPending caps how many changes may wait for dependencies that have
// not arrived. Merges that would exceed it are rejected whole.
func (s *Store) LimitPending(n int) {
	s.mu.Lock()
	s.maxPending = n
	s.mu.Unlock()
}

// Merge decodes a wire fragment and merges it. It returns the encoded delta
// to forward to peers, nil when the update carried nothing new. echo is set
// when the delta holds changes the sender did not send, so the sender needs
// it too.
func (s *Store) Merge(update []byte) (delta []byte, echo bool, err error) {
	f, err := crdt.DecodeFragment(update)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	d, err := s.MergeFragment(f)
	if err != nil {
		return nil, false, err
	}
	if d.Empty() {
		return nil, false, nil
	}
	return crdt.EncodeFragment(d), !d.Within(f), nil
}

func (s *Store) MergeFragment(f crdt.Fragment) (crdt.Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// merges that do not grow an over-limit set still go through
	if pending := s.doc.Pending(); s.maxPending > 0 && pending+len(f.Inserts)+len(f.Deletes) > s.maxPending {
		if n := s.doc.Unresolved(f); n > s.maxPending && n > pending {
			return crdt.Fragment{}, fmt.Errorf("%w: %w (%d)", ErrInvalidUpdate, ErrTooManyPending, n)
		}
	}

	delta, err := s.doc.Merge(f)
	if err != nil {
		return crdt.Fragment{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if !delta.Empty() {
		s.version++
	}
	return delta, nil
}

// Snapshot encodes the full state and reports the version it covers.
func (s *Store) Snapshot() (Snapshot, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return crdt.EncodeSnapshot(s.doc), s.version
}

// State encodes the full state as an update, for replicas that already
// hold part of it.
func (s *Store) State() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return crdt.EncodeFragment(s.doc.State())
}

// LoadSnapshot seeds a store that has not merged anything yet.
func (s *Store) LoadSnapshot(snap Snapshot) error {
	d, err := crdt.DecodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != 0 || !s.doc.Empty() {
		return ErrAlreadyInitialized
	}
	s.doc = d
	return nil
}

// Pending is the number of changes waiting for their dependencies.
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Pending()
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Dirty reports whether merges happened since the last successful flush.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version > s.flushed
}

// MarkFlushed records that the state as of version is durable.
func (s *Store) MarkFlushed(version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version > s.flushed {
		s.flushed = version
	}
}

func (s *Store) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Text()
}

func (s *Store) Blocks() []crdt.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Blocks()
}
