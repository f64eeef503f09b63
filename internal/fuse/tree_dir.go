package fuse

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/modckpt/internal/checkpoint"
	"github.com/systemshift/modckpt/internal/store"
)

// TreeDir is a directory inside a checkpoint's file view. prefix "" is the
// target root as of the checkpoint.
type TreeDir struct {
	fs.Inode
	browser Browser
	base    string // <session-id>/<checkpoint dir>
	prefix  string
	state   checkpoint.State
	mtime   time.Time
}

var _ = (fs.NodeLookuper)((*TreeDir)(nil))
var _ = (fs.NodeReaddirer)((*TreeDir)(nil))
var _ = (fs.NodeGetattrer)((*TreeDir)(nil))

func (d *TreeDir) ino(name string) uint64 {
	return stableIno(d.base, joinPath(d.prefix, name))
}

func (d *TreeDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(d.base, d.prefix)
	out.SetTimes(nil, &d.mtime, nil)
	return fs.OK
}

func (d *TreeDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	list := listDir(d.state, d.prefix)
	entries := make([]fuse.DirEntry, len(list))
	for i, e := range list {
		mode := uint32(syscall.S_IFREG)
		if e.dir {
			mode = syscall.S_IFDIR
		}
		entries[i] = fuse.DirEntry{Name: e.name, Mode: mode, Ino: d.ino(e.name)}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *TreeDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	e, ok := lookupEntry(d.state, d.prefix, name)
	if !ok {
		return nil, syscall.ENOENT
	}
	if e.dir {
		sub := &TreeDir{
			browser: d.browser,
			base:    d.base,
			prefix:  joinPath(d.prefix, name),
			state:   d.state,
			mtime:   d.mtime,
		}
		return d.NewInode(ctx, sub, fs.StableAttr{Mode: syscall.S_IFDIR, Ino: d.ino(name)}), fs.OK
	}
	f := &ObjectFile{browser: d.browser, key: e.key, ino: d.ino(name), mtime: d.mtime}
	return d.NewInode(ctx, f, fs.StableAttr{Mode: syscall.S_IFREG, Ino: f.ino}), fs.OK
}

// ObjectFile serves a stored blob. Content is loaded on first use.
type ObjectFile struct {
	fs.Inode
	browser Browser
	key     store.Key
	ino     uint64
	mtime   time.Time

	once sync.Once
	data []byte
	err  error
}

var _ = (fs.NodeGetattrer)((*ObjectFile)(nil))
var _ = (fs.NodeOpener)((*ObjectFile)(nil))
var _ = (fs.NodeReader)((*ObjectFile)(nil))

func (f *ObjectFile) load() ([]byte, error) {
	f.once.Do(func() {
		f.data, f.err = f.browser.ReadObject(f.key)
	})
	return f.data, f.err
}

func (f *ObjectFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	data, err := f.load()
	if err != nil {
		return syscall.EIO
	}
	out.Mode = 0444
	out.Size = uint64(len(data))
	out.Ino = f.ino
	out.SetTimes(nil, &f.mtime, nil)
	return fs.OK
}

func (f *ObjectFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (f *ObjectFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := f.load()
	if err != nil {
		return nil, syscall.EIO
	}
	return readAt(data, dest, off), fs.OK
}

// BytesFile is a read-only file with fixed content.
type BytesFile struct {
	fs.Inode
	data []byte
	ino  uint64
}

var _ = (fs.NodeGetattrer)((*BytesFile)(nil))
var _ = (fs.NodeOpener)((*BytesFile)(nil))
var _ = (fs.NodeReader)((*BytesFile)(nil))

func (f *BytesFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0444
	out.Size = uint64(len(f.data))
	out.Ino = f.ino
	return fs.OK
}

func (f *BytesFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *BytesFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	return readAt(f.data, dest, off), fs.OK
}
