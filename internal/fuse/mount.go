// Package fuse exposes recorded checkpoints as a read-only filesystem.
//
// Layout:
//
//	<mount>/<session-id>/session.json
//	<mount>/<session-id>/current -> NNNN-component
//	<mount>/<session-id>/NNNN-component/<files as of that checkpoint>
//	<mount>/by-name/<session-name> -> ../<session-id>
package fuse

import (
	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/modckpt/internal/checkpoint"
	"github.com/systemshift/modckpt/internal/engine"
	"github.com/systemshift/modckpt/internal/store"
)

// Browser is the read side of the engine the mount serves from.
type Browser interface {
	ListSessions() []checkpoint.Session
	Session(sessionID string) (checkpoint.Session, error)
	ListCheckpoints(sessionID string) ([]engine.CheckpointView, error)
	StateAt(sessionID, ref string) (checkpoint.State, error)
	ReadObject(k store.Key) ([]byte, error)
}

var _ Browser = (*engine.Engine)(nil)

// MountFS mounts the checkpoint browser at mountpoint.
// Returns the server (call server.Wait() to block, server.Unmount() to stop).
func MountFS(mountpoint string, b Browser, debug bool) (*gofuse.Server, error) {
	root := &RootNode{browser: b}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			FsName:        "modckpt",
			Name:          "modckpt",
			DisableXAttrs: true,
			Debug:         debug,
			Options:       []string{"ro"},
		},
	}

	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, err
	}
	return server, nil
}
