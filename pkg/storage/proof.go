package storage

import (
	"fmt"
	"sort"
)

// ProofStep is one sibling hash on the path from a leaf to the root.
type ProofStep struct {
	Left bool // true if the sibling is the left operand
	Hash []byte
}

// Proof is an inclusion proof for a single key against a tree snapshot.
type Proof struct {
	Key    string
	Value  []byte
	Found  bool
	Root   []byte
	Steps  []ProofStep
	Version TreeVersion
}

// Verify recomputes the root from the proof's leaf and steps and compares
// it against expectedRoot.
func (p *Proof) Verify(expectedRoot []byte) bool {
	var current []byte
	if p.Version == TreeV2 {
		current = leafHashV2(p.Key, p.Value)
	} else {
		current = leafHashV1(p.Key, p.Value)
	}

	for _, step := range p.Steps {
		if step.Left {
			current = nodeHash(p.Version, step.Hash, current)
		} else {
			current = nodeHash(p.Version, current, step.Hash)
		}
	}
	return bytesEqual(current, expectedRoot)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// buildProof constructs an inclusion (or non-inclusion) proof for key
// against the given snapshot.
func buildProof(version TreeVersion, snapshot map[string][]byte, key string) (*Proof, error) {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	value, found := snapshot[key]

	level := make([][]byte, len(keys))
	index := -1
	for i, k := range keys {
		if version == TreeV2 {
			level[i] = leafHashV2(k, snapshot[k])
		} else {
			level[i] = leafHashV1(k, snapshot[k])
		}
		if k == key {
			index = i
		}
	}

	var steps []ProofStep
	if index >= 0 {
		for len(level) > 1 {
			if len(level)%2 != 0 {
				level = append(level, level[len(level)-1])
			}
			var siblingIdx int
			var isLeft bool
			if index%2 == 0 {
				siblingIdx = index + 1
				isLeft = false
			} else {
				siblingIdx = index - 1
				isLeft = true
			}
			steps = append(steps, ProofStep{Left: isLeft, Hash: level[siblingIdx]})

			next := make([][]byte, len(level)/2)
			for i := 0; i < len(level); i += 2 {
				next[i/2] = nodeHash(version, level[i], level[i+1])
			}
			level = next
			index /= 2
		}
	}

	root := rootHash(version, snapshot)
	if index < 0 && found {
		return nil, fmt.Errorf("storage: internal inconsistency building proof for %q", key)
	}

	return &Proof{
		Key:     key,
		Value:   value,
		Found:   found,
		Root:    root,
		Steps:   steps,
		Version: version,
	}, nil
}
