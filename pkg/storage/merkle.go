package storage

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha3"
	"sort"
)

// TreeVersion selects the root-hash algorithm a storage engine dispatches
// through (spec.md §4.4.1). Both versions share the same KV operations;
// only the hashing scheme differs.
type TreeVersion int

const (
	TreeV1 TreeVersion = 1
	TreeV2 TreeVersion = 2
)

// rootHash computes the Merkle root over a sorted key/value snapshot using
// the hashing scheme for version v. An empty snapshot hashes to a
// version-specific empty-tree constant so two empty trees of different
// versions are never mistaken for each other.
func rootHash(v TreeVersion, snapshot map[string][]byte) []byte {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	switch v {
	case TreeV2:
		return rootHashV2(keys, snapshot)
	default:
		return rootHashV1(keys, snapshot)
	}
}

// rootHashV1 is a pairwise SHA-256 tree over domain-separated leaf hashes,
// duplicating the last element on odd levels.
func rootHashV1(keys []string, snapshot map[string][]byte) []byte {
	if len(keys) == 0 {
		return leafHashV1("many:empty:v1", nil)
	}
	level := make([][]byte, len(keys))
	for i, k := range keys {
		level[i] = leafHashV1(k, snapshot[k])
	}
	for len(level) > 1 {
		level = nextLevelV1(level)
	}
	return level[0]
}

func leafHashV1(path string, value []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("many:leaf:v1")
	buf.WriteByte(0)
	buf.WriteString(path)
	buf.WriteByte(0)
	buf.Write(value)
	h := sha256.Sum256(buf.Bytes())
	return h[:]
}

func nextLevelV1(level [][]byte) [][]byte {
	if len(level)%2 != 0 {
		level = append(level, level[len(level)-1])
	}
	next := make([][]byte, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next[i/2] = nodeHashV1(level[i], level[i+1])
	}
	return next
}

func nodeHashV1(left, right []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("many:node:v1")
	buf.WriteByte(0)
	buf.Write(left)
	buf.Write(right)
	h := sha256.Sum256(buf.Bytes())
	return h[:]
}

// rootHashV2 is the second dispatchable hashing scheme: domain-separated
// SHA3-224 nodes, genuinely distinct from v1 so the two tree versions are
// never confused.
func rootHashV2(keys []string, snapshot map[string][]byte) []byte {
	if len(keys) == 0 {
		return leafHashV2("many:empty:v2", nil)
	}
	level := make([][]byte, len(keys))
	for i, k := range keys {
		level[i] = leafHashV2(k, snapshot[k])
	}
	for len(level) > 1 {
		level = nextLevelV2(level)
	}
	return level[0]
}

func leafHashV2(path string, value []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("many:leaf:v2")
	buf.WriteByte(0)
	buf.WriteString(path)
	buf.WriteByte(0)
	buf.Write(value)
	h := sha3.Sum224(buf.Bytes())
	return h[:]
}

func nextLevelV2(level [][]byte) [][]byte {
	if len(level)%2 != 0 {
		level = append(level, level[len(level)-1])
	}
	next := make([][]byte, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next[i/2] = nodeHashV2(level[i], level[i+1])
	}
	return next
}

func nodeHashV2(left, right []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("many:node:v2")
	buf.WriteByte(0)
	buf.Write(left)
	buf.Write(right)
	h := sha3.Sum224(buf.Bytes())
	return h[:]
}

// nodeHash dispatches to the version-specific internal-node hash; shared by
// root computation and inclusion-proof verification so they never diverge.
func nodeHash(v TreeVersion, left, right []byte) []byte {
	if v == TreeV2 {
		return nodeHashV2(left, right)
	}
	return nodeHashV1(left, right)
}
