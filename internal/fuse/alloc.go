package fuse

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrNoMemory is returned when no inode can be allocated.
	ErrNoMemory = errors.New("fibfs: out of inodes")
	// ErrBusy is returned when mounting a filesystem that is not unmounted.
	ErrBusy = errors.New("fibfs: filesystem busy")
	// ErrNotMounted is returned by operations that need an active mount.
	ErrNotMounted = errors.New("fibfs: not mounted")
)

// InodeAllocator hands out inode numbers for one mount.
type InodeAllocator interface {
	// Allocate returns a fresh inode number or an error wrapping
	// ErrNoMemory.
	Allocate() (uint64, error)
	// Release gives back a number obtained from Allocate.
	Release(ino uint64)
	// Live is the number of allocated, unreleased inodes.
	Live() int64
	// Limit is the maximum of Live, or 0 for none.
	Limit() int64
}

// counterAllocator issues increasing inode numbers starting at 1. Numbers
// are never reused within a mount so go-fuse never sees a stale inode
// number come back.
type counterAllocator struct {
	next  atomic.Uint64
	live  atomic.Int64
	limit int64
}

// NewCounterAllocator returns the default allocator. limit <= 0 means
// unbounded.
func NewCounterAllocator(limit int64) InodeAllocator {
	if limit < 0 {
		limit = 0
	}
	return &counterAllocator{limit: limit}
}

func (a *counterAllocator) Allocate() (uint64, error) {
	for {
		live := a.live.Load()
		if a.limit > 0 && live >= a.limit {
			return 0, ErrNoMemory
		}
		if a.live.CompareAndSwap(live, live+1) {
			break
		}
	}
	return a.next.Add(1), nil
}

func (a *counterAllocator) Release(ino uint64) {
	if ino == 0 {
		return
	}
	a.live.Add(-1)
}

func (a *counterAllocator) Live() int64 { return a.live.Load() }

func (a *counterAllocator) Limit() int64 { return a.limit }
