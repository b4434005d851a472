package journal

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/runtime"
)

// Entry is the journal record of one executed transaction.
type Entry struct {
	// Sequence is the execution order assigned by the runtime.
	Sequence uint64

	// ID is the transaction ID (blake3 of the signed message).
	ID types.Hash

	// Time is when the transaction was committed or rejected.
	Time time.Time

	Success bool

	// Err is the failure message, empty on success.
	Err string

	// ErrCode is the program error code, 0 if the failure had none.
	ErrCode uint32

	Logs []string

	// Accounts lists every account the transaction declared.
	Accounts []types.Pubkey

	// Modified lists the accounts whose state changed.
	Modified []types.Pubkey

	// Raw is the serialized transaction.
	Raw []byte
}

// NewEntry builds the entry recording res, the outcome of executing tx.
// ErrCode is left for the caller, which knows the program error space.
func NewEntry(tx *runtime.Transaction, res *runtime.Result, at time.Time) *Entry {
	seen := make(map[types.Pubkey]bool)
	var declared []types.Pubkey
	for _, ix := range tx.Instructions {
		for _, m := range ix.Accounts {
			if !seen[m.Pubkey] {
				seen[m.Pubkey] = true
				declared = append(declared, m.Pubkey)
			}
		}
	}
	sort.Slice(declared, func(i, j int) bool { return declared[i].Compare(declared[j]) < 0 })

	return &Entry{
		Sequence: res.Sequence,
		ID:       res.ID,
		Time:     at.UTC(),
		Success:  res.Success,
		Err:      res.Error(),
		Logs:     res.Logs,
		Accounts: declared,
		Modified: res.Modified,
		Raw:      tx.Serialize(),
	}
}

// QueryOptions configures account history queries.
type QueryOptions struct {
	// Limit is the maximum number of entries to return. Zero means
	// DefaultQueryLimit.
	Limit int

	// Before returns entries with a sequence strictly lower than Before.
	// Zero means no bound.
	Before uint64
}

// DefaultQueryLimit bounds account history queries.
const DefaultQueryLimit = 100

// MaxQueryLimit is the largest accepted QueryOptions.Limit.
const MaxQueryLimit = 1000

func (o QueryOptions) limit() int {
	switch {
	case o.Limit <= 0:
		return DefaultQueryLimit
	case o.Limit > MaxQueryLimit:
		return MaxQueryLimit
	}
	return o.Limit
}

// Stats summarizes the journal.
type Stats struct {
	Latest    uint64
	Oldest    uint64
	Count     uint64
	Succeeded uint64
	Failed    uint64
}

// EncodeSequenceKey encodes a sequence as a big-endian 8-byte key so keys
// sort in execution order.
func EncodeSequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// DecodeSequenceKey decodes a big-endian sequence key.
func DecodeSequenceKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key)
}

// EncodeAccountSequenceKey encodes an account+sequence composite key.
// Format: [32-byte account][8-byte sequence big-endian]
func EncodeAccountSequenceKey(account types.Pubkey, seq uint64) []byte {
	key := make([]byte, 40)
	copy(key[:32], account[:])
	binary.BigEndian.PutUint64(key[32:], seq)
	return key
}

// DecodeAccountSequenceKey decodes an account+sequence composite key.
func DecodeAccountSequenceKey(key []byte) (types.Pubkey, uint64) {
	var account types.Pubkey
	if len(key) < 40 {
		return account, 0
	}
	copy(account[:], key[:32])
	return account, binary.BigEndian.Uint64(key[32:])
}
