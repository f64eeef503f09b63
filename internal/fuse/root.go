package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

const byNameDir = "by-name"

// RootNode is the mountpoint directory. Contains one directory per session
// and "by-name/".
type RootNode struct {
	fs.Inode
	browser Browser
}

var _ = (fs.NodeOnAdder)((*RootNode)(nil))
var _ = (fs.NodeGetattrer)((*RootNode)(nil))
var _ = (fs.NodeReaddirer)((*RootNode)(nil))
var _ = (fs.NodeLookuper)((*RootNode)(nil))

func (r *RootNode) OnAdd(ctx context.Context) {
	names := &ByNameDir{browser: r.browser}
	inode := r.NewPersistentInode(ctx, names, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno(byNameDir),
	})
	r.AddChild(byNameDir, inode, true)
}

func (r *RootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("/")
	return fs.OK
}

func (r *RootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	sessions := r.browser.ListSessions()
	entries := make([]fuse.DirEntry, 0, len(sessions)+1)
	entries = append(entries, fuse.DirEntry{Name: byNameDir, Mode: syscall.S_IFDIR, Ino: stableIno(byNameDir)})
	for _, s := range sessions {
		entries = append(entries, fuse.DirEntry{
			Name: s.ID,
			Mode: syscall.S_IFDIR,
			Ino:  stableIno(s.ID),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (r *RootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if _, err := r.browser.Session(name); err != nil {
		return nil, syscall.ENOENT
	}
	dir := &SessionDir{browser: r.browser, sessionID: name}
	child := r.NewInode(ctx, dir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno(name),
	})
	return child, fs.OK
}

// ByNameDir lists sessions by display name as symlinks to ../{id}.
type ByNameDir struct {
	fs.Inode
	browser Browser
}

var _ = (fs.NodeLookuper)((*ByNameDir)(nil))
var _ = (fs.NodeReaddirer)((*ByNameDir)(nil))
var _ = (fs.NodeGetattrer)((*ByNameDir)(nil))

func (d *ByNameDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(byNameDir)
	return fs.OK
}

func (d *ByNameDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	byName := sessionsByName(d.browser.ListSessions())
	entries := make([]fuse.DirEntry, 0, len(byName))
	for name := range byName {
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFLNK,
			Ino:  stableIno(byNameDir, name),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *ByNameDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	id, ok := sessionsByName(d.browser.ListSessions())[name]
	if !ok {
		return nil, syscall.ENOENT
	}
	sym := &Symlink{target: "../" + id}
	child := d.NewInode(ctx, sym, fs.StableAttr{
		Mode: syscall.S_IFLNK,
		Ino:  stableIno(byNameDir, name),
	})
	return child, fs.OK
}

// Symlink is a fixed symlink.
type Symlink struct {
	fs.Inode
	target string
}

var _ = (fs.NodeReadlinker)((*Symlink)(nil))
var _ = (fs.NodeGetattrer)((*Symlink)(nil))

func (s *Symlink) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return []byte(s.target), fs.OK
}

func (s *Symlink) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0777 | syscall.S_IFLNK
	out.Size = uint64(len(s.target))
	return fs.OK
}
