package ledger

import (
	"crypto/sha256"
	"encoding/binary"
)

// Unnamed sessions are labelled "<condition>-<part>", so a list of sessions
// reads like a shelf of install runs.
var (
	conditions = []string{
		"patched", "pristine", "vanilla", "modded", "forked", "staged",
		"layered", "merged", "pinned", "shadowed", "tweaked", "ported",
		"rebuilt", "unpacked", "repacked", "bundled", "loose", "nested",
		"legacy", "fresh", "stable", "beta", "nightly", "hotfix",
		"partial", "full", "lite", "hd", "retro", "remastered",
		"classic", "custom",
	}
	parts = []string{
		"archive", "atlas", "bundle", "config", "shader", "texture",
		"mesh", "script", "plugin", "overlay", "sprite", "font",
		"sound", "music", "map", "level", "save", "preset",
		"loader", "manifest", "palette", "skin", "voice", "locale",
		"patch", "layer", "module", "asset", "pack", "hook",
		"profile", "cache",
	}
)

// SessionName derives a readable label from a session ID for sessions begun
// without a name. The same ID always yields the same label; labels are not
// unique.
func SessionName(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	n := binary.BigEndian.Uint32(sum[:4])
	return conditions[n%uint32(len(conditions))] + "-" + parts[(n>>16)%uint32(len(parts))]
}
