// Package registry tracks the records of all live content-bearing nodes.
//
// A Registry is created when the filesystem is mounted and drained when it
// is unmounted. Records are linked into an intrusive doubly linked list so
// that insertion and removal are both O(1). Every mutation happens under a
// single mutex which is never held across allocation or I/O.
//
// Removing a record and releasing it are one step: once Unregister (or
// Drain) returns, the record's payload is gone and any further attempt to
// remove it reports ErrNotRegistered.
package registry

import (
	"container/list"
	"errors"
	"sync"
)

var (
	// ErrAlreadyRegistered is returned when a record is linked twice.
	ErrAlreadyRegistered = errors.New("registry: record already registered")
	// ErrNotRegistered is returned when removing a record that is not linked.
	ErrNotRegistered = errors.New("registry: record not registered")
)

// Registry is a lock-guarded set of live records.
type Registry struct {
	mu      sync.Mutex
	records *list.List
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{records: list.New()}
}

// Register links rec into the registry.
func (r *Registry) Register(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.elem != nil || rec.released {
		return ErrAlreadyRegistered
	}
	rec.elem = r.records.PushBack(rec)
	rec.owner = r
	return nil
}

// Unregister unlinks rec and releases its payload.
func (r *Registry) Unregister(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.elem == nil || rec.owner != r {
		return ErrNotRegistered
	}
	r.release(rec)
	return nil
}

// release must be called with r.mu held.
func (r *Registry) release(rec *Record) {
	r.records.Remove(rec.elem)
	rec.elem = nil
	rec.owner = nil
	rec.payload = nil
	rec.released = true
}

// Len returns the number of linked records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records.Len()
}

// Contains reports whether rec is currently linked into r.
func (r *Registry) Contains(rec *Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rec.elem != nil && rec.owner == r
}

// Released reports whether rec has been retired by a registry.
func (r *Registry) Released(rec *Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rec.released
}

// Snapshot copies the public state of every linked record, in insertion
// order.
func (r *Registry) Snapshot() []RecordInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RecordInfo, 0, r.records.Len())
	for e := r.records.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Record).info())
	}
	return out
}

// Drain unlinks and releases every record and returns how many there were.
func (r *Registry) Drain() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for e := r.records.Front(); e != nil; {
		next := e.Next()
		r.release(e.Value.(*Record))
		e = next
		n++
	}
	return n
}
