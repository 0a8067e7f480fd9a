package fuse

import (
	"context"
	"errors"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/radryc/fibfs/internal/payload"
	"github.com/radryc/fibfs/internal/registry"
)

// FileNode is a regular file. Every file serves the same payload; the
// record only tracks that the node is alive.
type FileNode struct {
	fs.Inode

	ctx    *nodeContext
	attr   nodeAttr
	record *registry.Record
	evict  evictGuard
}

var (
	_ fs.NodeGetattrer   = (*FileNode)(nil)
	_ fs.NodeSetattrer   = (*FileNode)(nil)
	_ fs.NodeOpener      = (*FileNode)(nil)
	_ fs.NodeStatfser    = (*FileNode)(nil)
	_ fs.NodeOnForgetter = (*FileNode)(nil)
)

// Record returns the record owned by the node.
func (n *FileNode) Record() *registry.Record { return n.record }

func (n *FileNode) fillAttr(out *fuse.Attr) {
	n.attr.fill(out)
	out.Size = uint64(payload.Len())
	out.Nlink = 1
}

// Getattr returns file attributes.
func (n *FileNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) (errno syscall.Errno) {
	defer n.ctx.recoverPanic("getattr", &errno)
	n.ctx.recorder.RecordOperation("getattr")

	n.fillAttr(&out.Attr)
	out.SetTimeout(n.ctx.attrTimeout)
	return 0
}

// Setattr changes mode and timestamps.
func (n *FileNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) (errno syscall.Errno) {
	defer n.ctx.recoverPanic("setattr", &errno)
	n.ctx.recorder.RecordOperation("setattr")

	if errno := n.attr.set(in); errno != 0 {
		n.ctx.logger.Debug("setattr refused", "ino", n.attr.inode(), "valid", in.Valid)
		return n.ctx.fail("setattr", errno)
	}
	n.fillAttr(&out.Attr)
	out.SetTimeout(n.ctx.attrTimeout)
	return 0
}

// Open returns a handle with its own read cursor.
func (n *FileNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	defer n.ctx.recoverPanic("open", &errno)
	n.ctx.recorder.RecordOperation("open")
	n.ctx.logger.Debug("open", "ino", n.attr.inode(), "flags", flags)
	return n.newHandle(), 0, 0
}

func (n *FileNode) newHandle() *fileHandle {
	return &fileHandle{node: n}
}

// Statfs returns filesystem statistics.
func (n *FileNode) Statfs(ctx context.Context, out *fuse.StatfsOut) (errno syscall.Errno) {
	defer n.ctx.recoverPanic("statfs", &errno)
	n.ctx.recorder.RecordOperation("statfs")
	n.ctx.statfs(out)
	return 0
}

// OnForget retires the node's record. go-fuse calls it once the node is
// unlinked and the kernel holds no more references.
func (n *FileNode) OnForget() {
	n.ctx.evictFile(n)
}

// evictFile reports whether this call retired the record.
func (c *nodeContext) evictFile(n *FileNode) bool {
	ino := n.attr.inode()
	if !n.evict.claim() {
		c.logger.Debug("node already evicted", "kind", NodeKindFile, "ino", ino)
		return false
	}

	if err := c.registry.Unregister(n.record); err != nil {
		if errors.Is(err, registry.ErrNotRegistered) {
			// Unmount drained it already.
			c.logger.Debug("record already retired", "ino", ino)
			return false
		}
		c.logger.Error("unregister record", "ino", ino, "error", err)
		return false
	}
	c.alloc.Release(ino)
	c.recorder.RecordEviction(NodeKindFile.String())
	c.logger.Debug("node evicted", "kind", NodeKindFile, "ino", ino)
	return true
}

// fileHandle is one open file description.
type fileHandle struct {
	node *FileNode

	mu  sync.Mutex
	pos int64
}

var (
	_ fs.FileReader   = (*fileHandle)(nil)
	_ fs.FileReleaser = (*fileHandle)(nil)
)

// Read serves the payload from off.
func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (res fuse.ReadResult, errno syscall.Errno) {
	c := h.node.ctx
	defer c.recoverPanic("read", &errno)
	c.recorder.RecordOperation("read")

	h.mu.Lock()
	defer h.mu.Unlock()

	h.pos = off
	n, err := payload.Read(dest, len(dest), &h.pos)
	if err != nil {
		c.logger.Debug("read failed", "ino", h.node.attr.inode(), "offset", off, "size", len(dest), "error", err)
		return nil, c.fail("read", toErrno(err))
	}
	c.recorder.RecordBytesRead(int64(n))
	return fuse.ReadResultData(dest[:n]), 0
}

// Release closes the handle.
func (h *fileHandle) Release(ctx context.Context) (errno syscall.Errno) {
	c := h.node.ctx
	defer c.recoverPanic("release", &errno)
	c.recorder.RecordOperation("release")
	c.logger.Debug("release", "ino", h.node.attr.inode())
	return 0
}
