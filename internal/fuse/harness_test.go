package fuse

import (
	"io"
	"log/slog"
	"sync"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/radryc/fibfs/internal/config"
)

// rootNodeID is the kernel node id go-fuse gives the root.
const rootNodeID = 1

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// kernel drives a RawFileSystem the way the kernel would.
type kernel struct {
	t   *testing.T
	raw fuse.RawFileSystem
}

func mountRaw(t *testing.T, cfg config.Config, opts ...Option) (*Filesystem, *kernel) {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	f := New(cfg, opts...)
	raw, err := f.MountRaw()
	if err != nil {
		t.Fatalf("MountRaw: %v", err)
	}
	t.Cleanup(func() {
		if f.State() == StateMounted {
			_ = f.Unmount()
		}
	})
	return f, &kernel{t: t, raw: raw}
}

type entry struct {
	nodeID uint64
	fh     uint64
	ino    uint64
	attr   fuse.Attr
}

func (k *kernel) create(parent uint64, name string) (entry, fuse.Status) {
	in := &fuse.CreateIn{
		InHeader: fuse.InHeader{NodeId: parent},
		Flags:    syscall.O_RDWR,
		Mode:     syscall.S_IFREG | 0o644,
	}
	var out fuse.CreateOut
	st := k.raw.Create(nil, in, name, &out)
	return entry{nodeID: out.NodeId, fh: out.Fh, ino: out.Ino, attr: out.Attr}, st
}

func (k *kernel) mustCreate(parent uint64, name string) entry {
	k.t.Helper()
	e, st := k.create(parent, name)
	if !st.Ok() {
		k.t.Fatalf("create %q: %v", name, st)
	}
	return e
}

func (k *kernel) mkdir(parent uint64, name string) (entry, fuse.Status) {
	in := &fuse.MkdirIn{InHeader: fuse.InHeader{NodeId: parent}, Mode: 0o755}
	var out fuse.EntryOut
	st := k.raw.Mkdir(nil, in, name, &out)
	return entry{nodeID: out.NodeId, ino: out.Ino, attr: out.Attr}, st
}

func (k *kernel) mustMkdir(parent uint64, name string) entry {
	k.t.Helper()
	e, st := k.mkdir(parent, name)
	if !st.Ok() {
		k.t.Fatalf("mkdir %q: %v", name, st)
	}
	return e
}

func (k *kernel) lookup(parent uint64, name string) (entry, fuse.Status) {
	var out fuse.EntryOut
	st := k.raw.Lookup(nil, &fuse.InHeader{NodeId: parent}, name, &out)
	return entry{nodeID: out.NodeId, ino: out.Ino, attr: out.Attr}, st
}

func (k *kernel) mustLookup(parent uint64, name string) entry {
	k.t.Helper()
	e, st := k.lookup(parent, name)
	if !st.Ok() {
		k.t.Fatalf("lookup %q: %v", name, st)
	}
	return e
}

func (k *kernel) open(nodeID uint64) (uint64, fuse.Status) {
	in := &fuse.OpenIn{InHeader: fuse.InHeader{NodeId: nodeID}, Flags: syscall.O_RDONLY}
	var out fuse.OpenOut
	st := k.raw.Open(nil, in, &out)
	return out.Fh, st
}

func (k *kernel) read(nodeID, fh, off uint64, size uint32) ([]byte, fuse.Status) {
	buf := make([]byte, size)
	in := &fuse.ReadIn{InHeader: fuse.InHeader{NodeId: nodeID}, Fh: fh, Offset: off, Size: size}
	res, st := k.raw.Read(nil, in, buf)
	if !st.Ok() {
		return nil, st
	}
	return res.Bytes(buf)
}

func (k *kernel) release(nodeID, fh uint64) {
	k.raw.Release(nil, &fuse.ReleaseIn{InHeader: fuse.InHeader{NodeId: nodeID}, Fh: fh})
}

func (k *kernel) unlink(parent uint64, name string) fuse.Status {
	return k.raw.Unlink(nil, &fuse.InHeader{NodeId: parent}, name)
}

func (k *kernel) rmdir(parent uint64, name string) fuse.Status {
	return k.raw.Rmdir(nil, &fuse.InHeader{NodeId: parent}, name)
}

func (k *kernel) forget(nodeID, nlookup uint64) {
	k.raw.Forget(nodeID, nlookup)
}

func (k *kernel) statfs(nodeID uint64) (fuse.StatfsOut, fuse.Status) {
	var out fuse.StatfsOut
	st := k.raw.StatFs(nil, &fuse.InHeader{NodeId: nodeID}, &out)
	return out, st
}

// countingRecorder records calls for assertions.
type countingRecorder struct {
	mu      sync.Mutex
	ops     map[string]int
	errs    map[string]int
	created map[string]int
	evicted map[string]int
	bytes   int64
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		ops:     make(map[string]int),
		errs:    make(map[string]int),
		created: make(map[string]int),
		evicted: make(map[string]int),
	}
}

func (r *countingRecorder) RecordOperation(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op]++
}

func (r *countingRecorder) RecordError(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[op]++
}

func (r *countingRecorder) RecordCreate(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created[kind]++
}

func (r *countingRecorder) RecordEviction(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted[kind]++
}

func (r *countingRecorder) RecordBytesRead(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytes += n
}

func (r *countingRecorder) evictions(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted[kind]
}

func (r *countingRecorder) errors(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[op]
}

// stubAllocator fails every allocation with err.
type stubAllocator struct {
	err error
}

func (a stubAllocator) Allocate() (uint64, error) { return 0, a.err }
func (a stubAllocator) Release(uint64)            {}
func (a stubAllocator) Live() int64               { return 0 }
func (a stubAllocator) Limit() int64              { return 0 }
