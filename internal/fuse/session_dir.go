package fuse

import (
	"context"
	"encoding/json"
	"strconv"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/modckpt/internal/checkpoint"
	"github.com/systemshift/modckpt/internal/engine"
)

const (
	sessionFile = "session.json"
	currentLink = "current"
)

// SessionDir represents one session (e.g. <mount>/<id>/).
// Contains: session.json, current, and one directory per checkpoint.
type SessionDir struct {
	fs.Inode
	browser   Browser
	sessionID string
}

var _ = (fs.NodeLookuper)((*SessionDir)(nil))
var _ = (fs.NodeReaddirer)((*SessionDir)(nil))
var _ = (fs.NodeGetattrer)((*SessionDir)(nil))

func (d *SessionDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(d.sessionID)
	if s, err := d.browser.Session(d.sessionID); err == nil {
		out.SetTimes(nil, &s.StartTime, nil)
	}
	return fs.OK
}

func (d *SessionDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	views, err := d.browser.ListCheckpoints(d.sessionID)
	if err != nil {
		return nil, syscall.ENOENT
	}
	entries := []fuse.DirEntry{
		{Name: sessionFile, Mode: syscall.S_IFREG, Ino: stableIno(d.sessionID, sessionFile)},
		{Name: currentLink, Mode: syscall.S_IFLNK, Ino: stableIno(d.sessionID, currentLink)},
	}
	for _, v := range views {
		name := checkpointDirName(v.Checkpoint)
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFDIR,
			Ino:  stableIno(d.sessionID, name),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *SessionDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	views, err := d.browser.ListCheckpoints(d.sessionID)
	if err != nil {
		return nil, syscall.ENOENT
	}

	switch name {
	case sessionFile:
		data, err := sessionJSON(d.browser, d.sessionID, views)
		if err != nil {
			return nil, syscall.EIO
		}
		f := &BytesFile{data: data, ino: stableIno(d.sessionID, sessionFile)}
		return d.NewInode(ctx, f, fs.StableAttr{Mode: syscall.S_IFREG, Ino: f.ino}), fs.OK

	case currentLink:
		for _, v := range views {
			if v.Current {
				sym := &Symlink{target: checkpointDirName(v.Checkpoint)}
				return d.NewInode(ctx, sym, fs.StableAttr{
					Mode: syscall.S_IFLNK,
					Ino:  stableIno(d.sessionID, currentLink),
				}), fs.OK
			}
		}
		return nil, syscall.ENOENT
	}

	seq, ok := parseSequence(name)
	if !ok || seq > len(views) {
		return nil, syscall.ENOENT
	}
	v := views[seq-1]
	if checkpointDirName(v.Checkpoint) != name {
		return nil, syscall.ENOENT
	}
	st, err := d.browser.StateAt(d.sessionID, strconv.Itoa(seq))
	if err != nil {
		return nil, syscall.EIO
	}
	dir := &TreeDir{
		browser: d.browser,
		base:    d.sessionID + "/" + name,
		state:   st,
		mtime:   v.Timestamp,
	}
	child := d.NewInode(ctx, dir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno(dir.base),
	})
	return child, fs.OK
}

func sessionJSON(b Browser, sessionID string, views []engine.CheckpointView) ([]byte, error) {
	s, err := b.Session(sessionID)
	if err != nil {
		return nil, err
	}
	doc := struct {
		Session     checkpoint.Session      `json:"session"`
		Checkpoints []engine.CheckpointView `json:"checkpoints"`
	}{s, views}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
