package fuse

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/radryc/fibfs/internal/config"
	"github.com/radryc/fibfs/internal/registry"
)

// FsName is the filesystem name shown in the mount table.
const FsName = "fibfs"

// rootMode is the mode of the root directory.
const rootMode = syscall.S_IFDIR | 0o755

// State is the mount lifecycle state.
type State int32

const (
	StateUnmounted State = iota
	StateMounting
	StateMounted
	StateUnmounting
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateMounting:
		return "mounting"
	case StateMounted:
		return "mounted"
	case StateUnmounting:
		return "unmounting"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Option configures a Filesystem.
type Option func(*Filesystem)

// WithLogger sets the logger. A nil logger means slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(f *Filesystem) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMetrics sets the operation recorder.
func WithMetrics(r Recorder) Option {
	return func(f *Filesystem) {
		if r != nil {
			f.recorder = r
		}
	}
}

// WithAllocator replaces the inode allocator. newAlloc is called once per
// mount with the configured inode limit.
func WithAllocator(newAlloc func(limit int64) InodeAllocator) Option {
	return func(f *Filesystem) {
		if newAlloc != nil {
			f.newAlloc = newAlloc
		}
	}
}

// Filesystem owns one fibfs instance and its mount lifecycle. At most one
// mount is active at a time.
type Filesystem struct {
	logger   *slog.Logger
	recorder Recorder
	newAlloc func(limit int64) InodeAllocator

	mu         sync.Mutex
	cfg        config.Config
	state      State
	mountID    string
	mountpoint string
	mountedAt  time.Time
	nctx       *nodeContext
	root       *DirNode
	server     *fuse.Server
	done       chan struct{}
}

// New returns an unmounted filesystem.
func New(cfg config.Config, opts ...Option) *Filesystem {
	f := &Filesystem{
		cfg:      cfg,
		logger:   slog.Default(),
		recorder: nopRecorder{},
		newAlloc: NewCounterAllocator,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "fuse")
	return f
}

// Mount attaches the filesystem to mountpoint through the kernel and
// returns once the mount is live.
func (f *Filesystem) Mount(mountpoint string) error {
	root, opts, err := f.begin(mountpoint)
	if err != nil {
		return err
	}

	rawFS := fs.NewNodeFS(root, opts)
	server, err := fuse.NewServer(rawFS, mountpoint, &opts.MountOptions)
	if err != nil {
		f.abort()
		return fmt.Errorf("mount %s: %w", mountpoint, err)
	}
	go server.Serve()
	if err := server.WaitMount(); err != nil {
		_ = server.Unmount()
		f.abort()
		return fmt.Errorf("wait for mount %s: %w", mountpoint, err)
	}

	f.commit(server)
	go f.watch(server)
	return nil
}

// MountRaw runs the mount lifecycle without a kernel session. The returned
// RawFileSystem can be served by an embedding fuse.Server or driven
// directly.
func (f *Filesystem) MountRaw() (fuse.RawFileSystem, error) {
	root, opts, err := f.begin("")
	if err != nil {
		return nil, err
	}
	rawFS := fs.NewNodeFS(root, opts)
	f.commit(nil)
	return rawFS, nil
}

// begin moves Unmounted to Mounting and builds the root directory.
func (f *Filesystem) begin(mountpoint string) (*DirNode, *fs.Options, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateUnmounted {
		return nil, nil, fmt.Errorf("%w: state %s", ErrBusy, f.state)
	}
	f.state = StateMounting

	nctx := &nodeContext{
		registry:    registry.New(),
		alloc:       f.newAlloc(f.cfg.MaxInodes),
		recorder:    f.recorder,
		logger:      f.logger,
		recordBytes: f.cfg.RecordBytes,
		uid:         f.cfg.UID,
		gid:         f.cfg.GID,
		attrTimeout: f.cfg.AttrTimeout,
	}
	emb, err := nctx.newNode(NodeKindDir, rootMode)
	if err != nil {
		f.state = StateUnmounted
		f.logger.Error("failed to build root", "error", err)
		if !errors.Is(err, ErrNoMemory) {
			err = fmt.Errorf("%w: %w", ErrNoMemory, err)
		}
		return nil, nil, fmt.Errorf("build root: %w", err)
	}
	root := emb.(*DirNode)

	f.nctx = nctx
	f.root = root
	f.mountpoint = mountpoint
	f.mountID = uuid.NewString()
	return root, f.nodeOptions(root), nil
}

func (f *Filesystem) nodeOptions(root *DirNode) *fs.Options {
	attrTimeout := f.cfg.AttrTimeout
	entryTimeout := f.cfg.EntryTimeout
	return &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:      f.cfg.FuseDebug,
			FsName:     FsName,
			Name:       FsName,
			AllowOther: f.cfg.AllowOther,
			Options:    slices.Clone(f.cfg.ExtraOptions),
		},
		AttrTimeout:    &attrTimeout,
		EntryTimeout:   &entryTimeout,
		UID:            f.cfg.UID,
		GID:            f.cfg.GID,
		RootStableAttr: &fs.StableAttr{Ino: root.attr.inode()},
	}
}

// commit finishes Mounting.
func (f *Filesystem) commit(server *fuse.Server) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.server = server
	f.state = StateMounted
	f.mountedAt = time.Now()
	f.done = make(chan struct{})
	f.logger.Info("filesystem mounted",
		"mountpoint", f.mountpoint,
		"mount_id", f.mountID,
		"options", f.cfg.MountOptions(),
		"kernel", server != nil,
	)
}

// abort undoes begin after a failed kernel mount.
func (f *Filesystem) abort() {
	f.mu.Lock()
	nctx, root := f.nctx, f.root
	f.mu.Unlock()

	nctx.evictTree(&root.Inode)
	nctx.registry.Drain()

	f.mu.Lock()
	f.reset()
	f.mu.Unlock()
}

// watch tears the mount down when the kernel session ends without Unmount,
// for example after fusermount -u.
func (f *Filesystem) watch(server *fuse.Server) {
	server.Wait()

	f.mu.Lock()
	if f.state != StateMounted || f.server != server {
		f.mu.Unlock()
		return
	}
	f.state = StateUnmounting
	mountpoint := f.mountpoint
	f.mu.Unlock()

	f.logger.Info("kernel session ended", "mountpoint", mountpoint)
	f.teardown()
}

// Unmount detaches the kernel session, evicts every node and retires the
// registry.
func (f *Filesystem) Unmount() error {
	f.mu.Lock()
	if f.state != StateMounted {
		state := f.state
		f.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotMounted, state)
	}
	f.state = StateUnmounting
	server, mountpoint := f.server, f.mountpoint
	f.mu.Unlock()

	if server != nil {
		if err := server.Unmount(); err != nil {
			f.mu.Lock()
			f.state = StateMounted
			f.mu.Unlock()
			f.logger.Warn("unmount refused", "mountpoint", mountpoint, "error", err)
			return fmt.Errorf("unmount %s: %w", mountpoint, err)
		}
	}
	f.teardown()
	return nil
}

func (f *Filesystem) teardown() {
	f.mu.Lock()
	nctx, root, done, id := f.nctx, f.root, f.done, f.mountID
	f.mu.Unlock()

	evicted := nctx.evictTree(&root.Inode)
	orphans := nctx.registry.Drain()

	f.mu.Lock()
	f.reset()
	f.mu.Unlock()
	close(done)

	f.logger.Info("filesystem unmounted", "mount_id", id, "evicted", evicted, "orphans", orphans)
}

// reset must be called with f.mu held.
func (f *Filesystem) reset() {
	f.state = StateUnmounted
	f.nctx = nil
	f.root = nil
	f.server = nil
	f.mountID = ""
	f.mountpoint = ""
	f.mountedAt = time.Time{}
}

// evictTree evicts root and everything below it, children first, and
// returns how many nodes it evicted.
func (c *nodeContext) evictTree(root *fs.Inode) int {
	evicted := 0
	var walk func(in *fs.Inode)
	walk = func(in *fs.Inode) {
		for _, ch := range in.Children() {
			walk(ch)
		}
		switch n := in.Operations().(type) {
		case *FileNode:
			if c.evictFile(n) {
				evicted++
			}
		case *DirNode:
			if c.evictDir(n) {
				evicted++
			}
		}
	}
	walk(root)
	return evicted
}

// Wait blocks until the current mount is torn down. It returns at once if
// nothing is mounted.
func (f *Filesystem) Wait() {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	if done != nil {
		<-done
	}
}

// State returns the lifecycle state.
func (f *Filesystem) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Remount replaces the stored mount options. Like the kernel remount hook
// it has no other effect.
func (f *Filesystem) Remount(options string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateMounted {
		return fmt.Errorf("%w: state %s", ErrNotMounted, f.state)
	}
	cfg := f.cfg
	cfg.KmsgBytes = 0
	cfg.KmsgSet = false
	cfg.ExtraOptions = nil
	if err := cfg.ParseMountOptions(options); err != nil {
		return fmt.Errorf("remount: %w", err)
	}
	f.cfg = cfg
	f.logger.Info("remounted", "mount_id", f.mountID, "options", cfg.MountOptions())
	return nil
}

// Options renders the active mount options.
func (f *Filesystem) Options() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.MountOptions()
}

// LiveRecords returns the number of registered records.
func (f *Filesystem) LiveRecords() int {
	f.mu.Lock()
	nctx := f.nctx
	f.mu.Unlock()
	if nctx == nil {
		return 0
	}
	return nctx.registry.Len()
}

// Snapshot copies the registered records.
func (f *Filesystem) Snapshot() []registry.RecordInfo {
	f.mu.Lock()
	nctx := f.nctx
	f.mu.Unlock()
	if nctx == nil {
		return []registry.RecordInfo{}
	}
	return nctx.registry.Snapshot()
}

// MountID identifies the active mount; empty when unmounted.
func (f *Filesystem) MountID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mountID
}

// Info is a point-in-time view of the filesystem for diagnostics.
type Info struct {
	State       State     `json:"state"`
	MountID     string    `json:"mount_id,omitempty"`
	Mountpoint  string    `json:"mountpoint,omitempty"`
	Options     string    `json:"options"`
	MountedAt   time.Time `json:"mounted_at,omitzero"`
	LiveRecords int       `json:"live_records"`
	LiveInodes  int64     `json:"live_inodes"`
	InodeLimit  int64     `json:"inode_limit"`
}

// Info returns the current state summary.
func (f *Filesystem) Info() Info {
	f.mu.Lock()
	info := Info{
		State:      f.state,
		MountID:    f.mountID,
		Mountpoint: f.mountpoint,
		Options:    f.cfg.MountOptions(),
		MountedAt:  f.mountedAt,
	}
	nctx := f.nctx
	f.mu.Unlock()

	if nctx != nil {
		info.LiveRecords = nctx.registry.Len()
		info.LiveInodes = nctx.alloc.Live()
		info.InodeLimit = nctx.alloc.Limit()
	}
	return info
}
