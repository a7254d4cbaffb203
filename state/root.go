package state

import (
	"sort"

	"montana.dev/node/chain"
	"montana.dev/node/primitives"
)

// stateRoot computes the Merkle root over the account set in canonical
// order by address: each leaf is the address followed by its account's
// canonical encoding, so two nodes holding the same account set always
// derive the same root regardless of map iteration order.
func stateRoot(accounts map[primitives.Address]chain.Account) primitives.Hash {
	addrs := make([]primitives.Address, 0, len(accounts))
	for a := range accounts {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })

	leaves := make([][]byte, len(addrs))
	for i, a := range addrs {
		acct := accounts[a]
		leaf := make([]byte, 0, primitives.AddressSize+64)
		leaf = append(leaf, a.Bytes()...)
		leaf = append(leaf, acct.Encode()...)
		leaves[i] = leaf
	}
	return primitives.MerkleRoot(leaves)
}
