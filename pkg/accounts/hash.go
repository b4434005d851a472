package accounts

import (
	"encoding/binary"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/zeebo/blake3"
)

// Merkle node domain tags.
const (
	merkleLeaf byte = 0x00
	merkleNode byte = 0x01
)

// ComputeAccountHash hashes one account bound to its address:
//
//	BLAKE3(lamports || rent_epoch || data || executable || owner || pubkey)
func ComputeAccountHash(pubkey types.Pubkey, account *Account) types.Hash {
	h := blake3.New()
	var num [8]byte
	binary.LittleEndian.PutUint64(num[:], account.Lamports)
	h.Write(num[:])
	binary.LittleEndian.PutUint64(num[:], account.RentEpoch)
	h.Write(num[:])
	h.Write(account.Data)
	if account.Executable {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(account.Owner[:])
	h.Write(pubkey[:])

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeAccountsHash is the Merkle root of every account hash in db, in
// ascending pubkey order.
func ComputeAccountsHash(db DB) (types.Hash, error) {
	var hashes []types.Hash
	err := db.IterateAccounts(func(pubkey types.Pubkey, account *Account) error {
		hashes = append(hashes, ComputeAccountHash(pubkey, account))
		return nil
	})
	if err != nil {
		return types.Hash{}, err
	}
	return ComputeMerkleRoot(hashes), nil
}

// ComputeMerkleRoot builds a binary tree over hashes. Leaves are
// BLAKE3(0x00 || hash), inner nodes BLAKE3(0x01 || left || right), and an
// odd node out is paired with the zero hash. No hashes give the zero hash.
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.Hash{}
	}

	level := make([]types.Hash, len(hashes))
	for i, h := range hashes {
		level[i] = tagged(merkleLeaf, h[:])
	}
	for len(level) > 1 {
		n := 0
		for i := 0; i < len(level); i += 2 {
			var right types.Hash
			if i+1 < len(level) {
				right = level[i+1]
			}
			level[n] = tagged(merkleNode, level[i][:], right[:])
			n++
		}
		level = level[:n]
	}
	return level[0]
}

func tagged(tag byte, parts ...[]byte) types.Hash {
	buf := []byte{tag}
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return blake3.Sum256(buf)
}
