package fuse

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/modckpt/internal/checkpoint"
	"github.com/systemshift/modckpt/internal/store"
)

// entry is one child of a directory inside a checkpoint's file tree.
type entry struct {
	name string
	dir  bool
	key  store.Key
}

// listDir returns the immediate children of prefix in st, sorted by name.
// prefix "" is the target root.
func listDir(st checkpoint.State, prefix string) []entry {
	seen := make(map[string]entry)
	for p, k := range st {
		rel, ok := relTo(p, prefix)
		if !ok {
			continue
		}
		if i := strings.IndexByte(rel, '/'); i >= 0 {
			seen[rel[:i]] = entry{name: rel[:i], dir: true}
			continue
		}
		if _, dup := seen[rel]; !dup {
			seen[rel] = entry{name: rel, key: k}
		}
	}
	out := make([]entry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// lookupEntry resolves name inside prefix.
func lookupEntry(st checkpoint.State, prefix, name string) (entry, bool) {
	full := joinPath(prefix, name)
	if k, ok := st[full]; ok {
		return entry{name: name, key: k}, true
	}
	for p := range st {
		if strings.HasPrefix(p, full+"/") {
			return entry{name: name, dir: true}, true
		}
	}
	return entry{}, false
}

func relTo(p, prefix string) (string, bool) {
	if prefix == "" {
		return p, true
	}
	if !strings.HasPrefix(p, prefix+"/") {
		return "", false
	}
	return p[len(prefix)+1:], true
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// checkpointDirName names a checkpoint directory, e.g. "0003-nginx".
func checkpointDirName(cp checkpoint.Checkpoint) string {
	comp := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, cp.Component)
	if comp == "" {
		comp = "step"
	}
	return fmt.Sprintf("%04d-%s", cp.Sequence, comp)
}

// parseSequence extracts the sequence number from a checkpoint directory name.
func parseSequence(name string) (int, bool) {
	head, _, ok := strings.Cut(name, "-")
	if !ok {
		return 0, false
	}
	seq, err := strconv.Atoi(head)
	if err != nil || seq < 1 {
		return 0, false
	}
	return seq, true
}

// sessionsByName maps display names to session IDs. sessions is most recent
// first, so the newest session wins a name collision.
func sessionsByName(sessions []checkpoint.Session) map[string]string {
	out := make(map[string]string, len(sessions))
	for _, s := range sessions {
		if s.Name == "" || strings.ContainsAny(s.Name, "/\x00") {
			continue
		}
		if _, ok := out[s.Name]; !ok {
			out[s.Name] = s.ID
		}
	}
	return out
}

func readAt(data, dest []byte, off int64) fuse.ReadResult {
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil)
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end])
}
