package store

import (
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// Key is the content key of a blob: the base32lower multibase encoding of a
// CIDv1 with the raw codec. It doubles as the blob's filename.
type Key string

// Hash selects the multihash function used to derive keys.
type Hash string

const (
	HashSHA256 Hash = "sha2-256"
	HashBLAKE3 Hash = "blake3"
)

func (h Hash) code() (uint64, error) {
	switch h {
	case HashSHA256, "":
		return multihash.SHA2_256, nil
	case HashBLAKE3:
		return multihash.BLAKE3, nil
	default:
		return 0, fmt.Errorf("unknown hash %q", string(h))
	}
}

// ParseHash validates a configured hash name.
func ParseHash(name string) (Hash, error) {
	h := Hash(name)
	if _, err := h.code(); err != nil {
		return "", err
	}
	if h == "" {
		h = HashSHA256
	}
	return h, nil
}

// ComputeKey computes the key of data under hash h.
func ComputeKey(data []byte, h Hash) (Key, error) {
	code, err := h.code()
	if err != nil {
		return "", err
	}
	mh, err := multihash.Sum(data, code, -1)
	if err != nil {
		return "", fmt.Errorf("multihash: %w", err)
	}
	return keyFromCID(gocid.NewCidV1(gocid.Raw, mh)), nil
}

func keyFromCID(c gocid.Cid) Key {
	encoded, _ := multibase.Encode(multibase.Base32, c.Bytes())
	return Key(encoded)
}

// ParseKey validates s as a content key.
func ParseKey(s string) (Key, error) {
	k := Key(s)
	if _, err := k.cid(); err != nil {
		return "", err
	}
	return k, nil
}

func (k Key) cid() (gocid.Cid, error) {
	_, raw, err := multibase.Decode(string(k))
	if err != nil {
		return gocid.Undef, fmt.Errorf("decode key %q: %w", string(k), err)
	}
	c, err := gocid.Cast(raw)
	if err != nil {
		return gocid.Undef, fmt.Errorf("decode key %q: %w", string(k), err)
	}
	return c, nil
}

// Verify reports whether data hashes to k, using the hash recorded in k.
func (k Key) Verify(data []byte) (bool, error) {
	c, err := k.cid()
	if err != nil {
		return false, err
	}
	sum, err := c.Prefix().Sum(data)
	if err != nil {
		return false, err
	}
	return sum.Equals(c), nil
}

// shard returns the fan-out directory name for k. The leading characters of
// every key share the CID prefix, so the tail is used instead.
func (k Key) shard() string {
	if len(k) < 2 {
		return "__"
	}
	return string(k[len(k)-2:])
}

func (k Key) String() string { return string(k) }
