package bft

import (
	"encoding/binary"
	"math/big"

	"github.com/canopy-network/hotshot/lib"
	"github.com/canopy-network/hotshot/lib/crypto"
)

/*
	LEADER ELECTION:

		Stake-Weighted-Pseudorandom selection using a simple modulo over total stake, landing on a
		'stake index' over the ordered list of participants.

		seed  = Hash(stake table root || view)
		index = seed mod total weight
		leader = the entry whose cumulative weight range contains index

	Every honest node derives the same leader for a view from its stake table snapshot alone.
	Binding the table root into the seed means two different memberships produce unrelated schedules.
*/

// LeaderFor() returns the public key of the leader of a view
func LeaderFor(view uint64, table *lib.StakeTable) []byte {
	return table.Entries[LeaderIndexFor(view, table)].PublicKey
}

// LeaderIndexFor() returns the stake table index of the leader of a view
func LeaderIndexFor(view uint64, table *lib.StakeTable) int {
	seed := electionSeed(view, table.Root())
	index := new(big.Int).Mod(new(big.Int).SetBytes(seed), new(big.Int).SetUint64(table.TotalWeight)).Uint64()
	var cumulative uint64
	for i, entry := range table.Entries {
		cumulative += entry.Weight
		if index < cumulative {
			return i
		}
	}
	// unreachable: index < TotalWeight
	return len(table.Entries) - 1
}

// electionSeed() hashes the table root and the view into the selection seed
func electionSeed(view uint64, root []byte) []byte {
	bz := make([]byte, 0, len(root)+8)
	bz = append(bz, root...)
	bz = binary.BigEndian.AppendUint64(bz, view)
	return crypto.Hash(bz)
}
