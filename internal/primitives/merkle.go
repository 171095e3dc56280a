package primitives

// MerkleRoot computes the Bitcoin-style Merkle root over txids, duplicating
// the last element of any odd-length level until exactly one hash remains.
func MerkleRoot(txids []Hash256) Hash256 {
	if len(txids) == 0 {
		return Hash256{}
	}
	level := append([]Hash256{}, txids...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]Hash256, len(level)/2)
		for i := range next {
			next[i] = combine(level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0]
}

// MerkleBranch computes the authentication path needed to recompute the
// Merkle root given only the coinbase transaction's hash: one sibling hash
// per level, from the leaf level up to the root. combine(coinbaseHash,
// branch...) reproduces MerkleRoot(txids) when the coinbase is txids[0].
func MerkleBranch(txids []Hash256) []Hash256 {
	if len(txids) <= 1 {
		return nil
	}
	var branch []Hash256
	level := append([]Hash256{}, txids...)
	index := 0
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		if index%2 == 0 {
			branch = append(branch, level[index+1])
		} else {
			branch = append(branch, level[index-1])
		}
		next := make([]Hash256, len(level)/2)
		for i := range next {
			next[i] = combine(level[2*i], level[2*i+1])
		}
		level = next
		index /= 2
	}
	return branch
}

// ApplyMerkleBranch recomputes a Merkle root from a leaf hash and its
// branch, in the order MerkleBranch produced it.
func ApplyMerkleBranch(leaf Hash256, branch []Hash256) Hash256 {
	cur := leaf
	for _, sibling := range branch {
		cur = combine(cur, sibling)
	}
	return cur
}

func combine(left, right Hash256) Hash256 {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return Sha256d(buf[:])
}
