package fuse

import (
	"context"
	"maps"
	"slices"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// maxNameLen is reported by statfs.
const maxNameLen = 255

// DirNode is a directory. Its entries live in the embedded fs.Inode.
type DirNode struct {
	fs.Inode

	ctx   *nodeContext
	attr  nodeAttr
	evict evictGuard
}

var (
	_ fs.NodeGetattrer   = (*DirNode)(nil)
	_ fs.NodeSetattrer   = (*DirNode)(nil)
	_ fs.NodeReaddirer   = (*DirNode)(nil)
	_ fs.NodeCreater     = (*DirNode)(nil)
	_ fs.NodeMkdirer     = (*DirNode)(nil)
	_ fs.NodeUnlinker    = (*DirNode)(nil)
	_ fs.NodeRmdirer     = (*DirNode)(nil)
	_ fs.NodeStatfser    = (*DirNode)(nil)
	_ fs.NodeOnForgetter = (*DirNode)(nil)
)

// nlink is 2 for "." and the parent's entry, plus one per subdirectory.
func (n *DirNode) nlink() uint32 {
	links := uint32(2)
	for _, ch := range n.Children() {
		if ch.Mode()&syscall.S_IFMT == syscall.S_IFDIR {
			links++
		}
	}
	return links
}

func (n *DirNode) fillAttr(out *fuse.Attr) {
	n.attr.fill(out)
	out.Nlink = n.nlink()
}

// Getattr returns directory attributes.
func (n *DirNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) (errno syscall.Errno) {
	defer n.ctx.recoverPanic("getattr", &errno)
	n.ctx.recorder.RecordOperation("getattr")

	n.fillAttr(&out.Attr)
	out.SetTimeout(n.ctx.attrTimeout)
	return 0
}

// Setattr changes mode and timestamps.
func (n *DirNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) (errno syscall.Errno) {
	defer n.ctx.recoverPanic("setattr", &errno)
	n.ctx.recorder.RecordOperation("setattr")

	if errno := n.attr.set(in); errno != 0 {
		return n.ctx.fail("setattr", errno)
	}
	n.fillAttr(&out.Attr)
	out.SetTimeout(n.ctx.attrTimeout)
	return 0
}

// Readdir lists ".", ".." and the children in name order.
func (n *DirNode) Readdir(ctx context.Context) (ds fs.DirStream, errno syscall.Errno) {
	defer n.ctx.recoverPanic("readdir", &errno)
	n.ctx.recorder.RecordOperation("readdir")

	self := n.attr.inode()
	parentIno := self
	if _, parent := n.Parent(); parent != nil {
		parentIno = parent.StableAttr().Ino
	}

	children := n.Children()
	entries := make([]fuse.DirEntry, 0, len(children)+2)
	entries = append(entries,
		fuse.DirEntry{Name: ".", Mode: syscall.S_IFDIR, Ino: self},
		fuse.DirEntry{Name: "..", Mode: syscall.S_IFDIR, Ino: parentIno},
	)
	for _, name := range slices.Sorted(maps.Keys(children)) {
		ch := children[name]
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: ch.Mode(),
			Ino:  ch.StableAttr().Ino,
		})
	}

	n.ctx.logger.Debug("readdir", "ino", self, "entries", len(entries))
	return fs.NewListDirStream(entries), 0
}

// Create makes a regular file and opens it.
func (n *DirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (node *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	defer n.ctx.recoverPanic("create", &errno)
	n.ctx.recorder.RecordOperation("create")

	if n.GetChild(name) != nil {
		return nil, nil, 0, n.ctx.fail("create", syscall.EEXIST)
	}

	emb, err := n.ctx.newNode(NodeKindFile, mode)
	if err != nil {
		n.ctx.logger.Warn("create failed", "name", name, "error", err)
		return nil, nil, 0, n.ctx.fail("create", toErrno(err))
	}
	file := emb.(*FileNode)
	node = n.NewPersistentInode(ctx, file, fs.StableAttr{Mode: syscall.S_IFREG, Ino: file.attr.inode()})

	file.fillAttr(&out.Attr)
	out.SetEntryTimeout(n.ctx.attrTimeout)
	out.SetAttrTimeout(n.ctx.attrTimeout)
	n.attr.touch()

	n.ctx.logger.Debug("create", "parent", n.attr.inode(), "name", name, "ino", file.attr.inode())
	return node, file.newHandle(), 0, 0
}

// Mkdir creates a subdirectory.
func (n *DirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (node *fs.Inode, errno syscall.Errno) {
	defer n.ctx.recoverPanic("mkdir", &errno)
	n.ctx.recorder.RecordOperation("mkdir")

	if n.GetChild(name) != nil {
		return nil, n.ctx.fail("mkdir", syscall.EEXIST)
	}

	emb, err := n.ctx.newNode(NodeKindDir, mode)
	if err != nil {
		n.ctx.logger.Warn("mkdir failed", "name", name, "error", err)
		return nil, n.ctx.fail("mkdir", toErrno(err))
	}
	dir := emb.(*DirNode)
	node = n.NewPersistentInode(ctx, dir, fs.StableAttr{Mode: syscall.S_IFDIR, Ino: dir.attr.inode()})

	dir.fillAttr(&out.Attr)
	out.SetEntryTimeout(n.ctx.attrTimeout)
	out.SetAttrTimeout(n.ctx.attrTimeout)
	n.attr.touch()

	n.ctx.logger.Debug("mkdir", "parent", n.attr.inode(), "name", name, "ino", dir.attr.inode())
	return node, 0
}

// Unlink removes a file entry. go-fuse drops the entry on success; the
// node lives on until the kernel forgets it.
func (n *DirNode) Unlink(ctx context.Context, name string) (errno syscall.Errno) {
	defer n.ctx.recoverPanic("unlink", &errno)
	n.ctx.recorder.RecordOperation("unlink")

	child := n.GetChild(name)
	if child == nil {
		return n.ctx.fail("unlink", syscall.ENOENT)
	}
	if child.Mode()&syscall.S_IFMT == syscall.S_IFDIR {
		return n.ctx.fail("unlink", syscall.EISDIR)
	}

	// Entries are persistent so a kernel FORGET alone never removes them.
	// Once unlinked, the last FORGET evicts the node, or this call does if
	// the kernel holds no reference.
	child.ForgetPersistent()
	n.attr.touch()
	n.ctx.logger.Debug("unlink", "parent", n.attr.inode(), "name", name, "ino", child.StableAttr().Ino)
	return 0
}

// Rmdir removes an empty subdirectory.
func (n *DirNode) Rmdir(ctx context.Context, name string) (errno syscall.Errno) {
	defer n.ctx.recoverPanic("rmdir", &errno)
	n.ctx.recorder.RecordOperation("rmdir")

	child := n.GetChild(name)
	if child == nil {
		return n.ctx.fail("rmdir", syscall.ENOENT)
	}
	if child.Mode()&syscall.S_IFMT != syscall.S_IFDIR {
		return n.ctx.fail("rmdir", syscall.ENOTDIR)
	}
	if len(child.Children()) > 0 {
		return n.ctx.fail("rmdir", syscall.ENOTEMPTY)
	}

	child.ForgetPersistent()
	n.attr.touch()
	n.ctx.logger.Debug("rmdir", "parent", n.attr.inode(), "name", name, "ino", child.StableAttr().Ino)
	return 0
}

// Statfs returns filesystem statistics.
func (n *DirNode) Statfs(ctx context.Context, out *fuse.StatfsOut) (errno syscall.Errno) {
	defer n.ctx.recoverPanic("statfs", &errno)
	n.ctx.recorder.RecordOperation("statfs")
	n.ctx.statfs(out)
	return 0
}

// statfs reports inode usage; there are no data blocks.
func (c *nodeContext) statfs(out *fuse.StatfsOut) {
	bsize := uint32(unix.Getpagesize())
	out.Bsize = bsize
	out.Frsize = bsize
	out.NameLen = maxNameLen

	live := c.alloc.Live()
	if limit := c.alloc.Limit(); limit > 0 {
		out.Files = uint64(limit)
		out.Ffree = uint64(max(limit-live, 0))
	} else {
		out.Files = uint64(live)
	}
}

// OnForget releases the directory's inode number.
func (n *DirNode) OnForget() {
	n.ctx.evictDir(n)
}

func (c *nodeContext) evictDir(n *DirNode) bool {
	ino := n.attr.inode()
	if !n.evict.claim() {
		c.logger.Debug("node already evicted", "kind", NodeKindDir, "ino", ino)
		return false
	}
	c.alloc.Release(ino)
	c.recorder.RecordEviction(NodeKindDir.String())
	c.logger.Debug("node evicted", "kind", NodeKindDir, "ino", ino)
	return true
}

// touch updates mtime and ctime after the directory's entries change.
func (a *nodeAttr) touch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	a.mtime = now
	a.ctime = now
}
