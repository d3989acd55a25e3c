package ids

// MerkleRoot computes a binary Merkle root over leaves using keyed BLAKE3
// in the commitment-root domain. Leaves are combined pairwise; when a level
// has an odd count the last node is promoted unchanged. A single leaf is its
// own root and an empty list yields the zero hash.
//
// Callers that need an order-independent root sort leaves first.
func MerkleRoot(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return Hash{}
	}
	level := make([]Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

func nextLevel(level []Hash) []Hash {
	next := make([]Hash, 0, (len(level)+1)/2)
	for i := 0; i+1 < len(level); i += 2 {
		next = append(next, combine(level[i], level[i+1]))
	}
	if len(level)%2 == 1 {
		next = append(next, level[len(level)-1])
	}
	return next
}

func combine(left, right Hash) Hash {
	return keyedSum(commitmentRootKey, left[:], right[:])
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Sibling Hash `cbor:"1,keyasint"`
	// Left is true when Sibling sits to the left of the running hash.
	Left bool `cbor:"2,keyasint"`
}

// MerkleProof returns the inclusion path for leaves[index]. Levels where the
// node is promoted contribute no step.
func MerkleProof(leaves []Hash, index int) ([]ProofStep, bool) {
	if index < 0 || index >= len(leaves) {
		return nil, false
	}
	level := make([]Hash, len(leaves))
	copy(level, leaves)
	var proof []ProofStep
	for len(level) > 1 {
		switch {
		case index%2 == 1:
			proof = append(proof, ProofStep{Sibling: level[index-1], Left: true})
		case index+1 < len(level):
			proof = append(proof, ProofStep{Sibling: level[index+1]})
		}
		level = nextLevel(level)
		index /= 2
	}
	return proof, true
}

// VerifyMerkleProof reports whether leaf with proof hashes to root.
func VerifyMerkleProof(leaf Hash, proof []ProofStep, root Hash) bool {
	running := leaf
	for _, step := range proof {
		if step.Left {
			running = combine(step.Sibling, running)
		} else {
			running = combine(running, step.Sibling)
		}
	}
	return running == root
}
