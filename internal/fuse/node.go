// Package fuse implements the FUSE filesystem layer for fibfs.
//
// Every node is either a FileNode, which owns one registry record and
// serves the synthetic payload, or a DirNode, which owns none. The child
// table, path resolution and kernel reference counting are handled by
// go-fuse; this package only builds nodes, answers per-node callbacks and
// retires records when go-fuse reports a node as forgotten.
package fuse

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/radryc/fibfs/internal/payload"
	"github.com/radryc/fibfs/internal/registry"
)

// NodeKind selects the variant built by the node factory.
type NodeKind int

const (
	NodeKindFile NodeKind = iota
	NodeKindDir
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindFile:
		return "file"
	case NodeKindDir:
		return "dir"
	default:
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
}

// nodeContext is shared by every node of one mount.
type nodeContext struct {
	registry *registry.Registry
	alloc    InodeAllocator
	recorder Recorder
	logger   *slog.Logger

	recordBytes int
	uid, gid    uint32
	attrTimeout time.Duration
}

// nodeAttr holds the attributes that are not derived from the tree.
type nodeAttr struct {
	mu    sync.Mutex
	ino   uint64
	mode  uint32
	uid   uint32
	gid   uint32
	atime time.Time
	mtime time.Time
	ctime time.Time
}

func (a *nodeAttr) fill(out *fuse.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out.Ino = a.ino
	out.Mode = a.mode
	out.Owner = fuse.Owner{Uid: a.uid, Gid: a.gid}
	out.SetTimes(&a.atime, &a.mtime, &a.ctime)
}

// set applies mode and time changes. Size, owner and anything else is
// refused with EPERM.
func (a *nodeAttr) set(in *fuse.SetAttrIn) syscall.Errno {
	if in.Valid&(fuse.FATTR_SIZE|fuse.FATTR_UID|fuse.FATTR_GID) != 0 {
		return syscall.EPERM
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	if mode, ok := in.GetMode(); ok {
		a.mode = a.mode&syscall.S_IFMT | mode
		a.ctime = now
	}
	if atime, ok := in.GetATime(); ok {
		a.atime = atime
		a.ctime = now
	}
	if mtime, ok := in.GetMTime(); ok {
		a.mtime = mtime
		a.ctime = now
	}
	return 0
}

func (a *nodeAttr) inode() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ino
}

// newNode allocates an inode number and builds a node of the given kind.
// File nodes get a record which is registered before the node is returned.
// On failure nothing is registered and the inode number is given back.
func (c *nodeContext) newNode(kind NodeKind, mode uint32) (fs.InodeEmbedder, error) {
	ino, err := c.alloc.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate %s inode: %w", kind, err)
	}

	now := time.Now()
	attr := func(typ uint32) nodeAttr {
		return nodeAttr{
			ino:   ino,
			mode:  typ | mode&07777,
			uid:   c.uid,
			gid:   c.gid,
			atime: now,
			mtime: now,
			ctime: now,
		}
	}

	switch kind {
	case NodeKindFile:
		rec := registry.NewRecord(registry.KindSynthetic, ino, int64(payload.Len()), c.recordBytes)
		if err := c.registry.Register(rec); err != nil {
			c.alloc.Release(ino)
			return nil, fmt.Errorf("register record %d: %w", ino, err)
		}
		c.recorder.RecordCreate(kind.String())
		c.logger.Debug("node created", "kind", kind, "ino", ino)
		return &FileNode{ctx: c, attr: attr(syscall.S_IFREG), record: rec}, nil

	case NodeKindDir:
		c.recorder.RecordCreate(kind.String())
		c.logger.Debug("node created", "kind", kind, "ino", ino)
		return &DirNode{ctx: c, attr: attr(syscall.S_IFDIR)}, nil

	default:
		c.alloc.Release(ino)
		return nil, fmt.Errorf("%w: unknown node kind %d", syscall.EINVAL, int(kind))
	}
}

// evictGuard makes node eviction happen at most once.
type evictGuard struct {
	done atomic.Bool
}

// claim returns false if the node was already evicted.
func (g *evictGuard) claim() bool {
	return g.done.CompareAndSwap(false, true)
}

// recoverPanic turns a panic in a node callback into EIO.
func (c *nodeContext) recoverPanic(op string, errno *syscall.Errno) {
	if r := recover(); r != nil {
		c.logger.Error("panic in filesystem callback", "op", op, "panic", r, "stack", string(debug.Stack()))
		c.recorder.RecordError(op)
		if errno != nil {
			*errno = syscall.EIO
		}
	}
}

// fail records a failed operation and passes the errno through.
func (c *nodeContext) fail(op string, errno syscall.Errno) syscall.Errno {
	c.recorder.RecordError(op)
	return errno
}

func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, payload.ErrInvalidArgument):
		return syscall.EINVAL
	case errors.Is(err, payload.ErrFaultyBuffer):
		return syscall.EFAULT
	case errors.Is(err, ErrNoMemory):
		return syscall.ENOMEM
	case errors.Is(err, ErrBusy):
		return syscall.EBUSY
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
