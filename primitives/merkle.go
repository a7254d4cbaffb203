package primitives

// MerkleRoot computes the Merkle root over an ordered sequence of leaves
// per spec: leaf digests are H(leaf_bytes); internal nodes are
// H(left||right); an odd trailing child at any level is duplicated; the
// root of an empty sequence is the zero hash.
func MerkleRoot(leaves [][]byte) Hash {
	if len(leaves) == 0 {
		return ZeroHash
	}
	level := make([]Hash, len(leaves))
	for i, leaf := range leaves {
		level[i] = SumHash(leaf)
	}
	return merkleReduce(level)
}

// MerkleRootHashes is MerkleRoot for leaves that are already hashed (the
// leaf digest step is skipped; each input IS the leaf digest H(leaf_bytes)).
func MerkleRootHashes(leafDigests []Hash) Hash {
	if len(leafDigests) == 0 {
		return ZeroHash
	}
	level := append([]Hash(nil), leafDigests...)
	return merkleReduce(level)
}

func merkleReduce(level []Hash) Hash {
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, HashConcat(level[i], level[i]))
				continue
			}
			next = append(next, HashConcat(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}
