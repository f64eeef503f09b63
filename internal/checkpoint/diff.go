package checkpoint

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/systemshift/modckpt/internal/errdefs"
	"github.com/systemshift/modckpt/internal/store"
)

// ReservedDir is the engine-owned directory inside the target tree. It is
// never recorded and never touched by a restore.
const ReservedDir = ".modckpt"

// Diff classifies each of paths by comparing prev with cur, both full views
// in which an absent path means no file. Paths whose key is unchanged are
// left out, so re-touching a file without changing it yields nothing.
func Diff(prev, cur State, paths []string) Delta {
	var d Delta
	for _, p := range paths {
		pk, before := prev[p]
		ck, after := cur[p]
		switch {
		case !before && after:
			if d.Added == nil {
				d.Added = make(map[string]store.Key)
			}
			d.Added[p] = ck
		case before && after && pk != ck:
			if d.Modified == nil {
				d.Modified = make(map[string]Change)
			}
			d.Modified[p] = Change{Old: pk, New: ck}
		case before && !after:
			d.Deleted = append(d.Deleted, p)
		}
	}
	sort.Strings(d.Deleted)
	return d
}

// CleanPath normalizes a target-relative path to slash form. "." names the
// target root. Absolute paths, paths leaving the target, and paths inside
// ReservedDir are rejected.
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", errdefs.ErrInvalidPath)
	}
	slashed := filepath.ToSlash(p)
	if path.IsAbs(slashed) || filepath.IsAbs(p) {
		return "", fmt.Errorf("%w: %q is absolute", errdefs.ErrInvalidPath, p)
	}
	c := path.Clean(slashed)
	if c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("%w: %q leaves the target directory", errdefs.ErrInvalidPath, p)
	}
	if c == ReservedDir || strings.HasPrefix(c, ReservedDir+"/") {
		return "", fmt.Errorf("%w: %q is inside %s", errdefs.ErrInvalidPath, p, ReservedDir)
	}
	return c, nil
}

// under reports whether p is dir or lies beneath it.
func under(p, dir string) bool {
	return dir == "." || p == dir || strings.HasPrefix(p, dir+"/")
}
