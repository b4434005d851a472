package runtime

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/zeebo/blake3"
)

// Transaction limits.
const (
	MaxInstructions = 64
	MaxAccountMetas = 64
	MaxSigners      = 16
	MaxDataLen      = 1232
)

// Transaction decoding and signing errors.
var (
	ErrTransactionTooShort = errors.New("transaction data too short")
	ErrTransactionTooLarge = errors.New("transaction exceeds limits")
	ErrNoInstructions      = errors.New("transaction has no instructions")
	ErrMissingSigningKey   = errors.New("no private key for required signer")
)

// AccountMeta describes an account passed to an instruction.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// Writable returns a writable, non-signer account meta.
func Writable(pk types.Pubkey) AccountMeta { return AccountMeta{Pubkey: pk, IsWritable: true} }

// ReadOnly returns a read-only, non-signer account meta.
func ReadOnly(pk types.Pubkey) AccountMeta { return AccountMeta{Pubkey: pk} }

// Signer returns a signer account meta.
func Signer(pk types.Pubkey, writable bool) AccountMeta {
	return AccountMeta{Pubkey: pk, IsSigner: true, IsWritable: writable}
}

// Instruction is a single program call.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// Transaction is an ordered list of instructions executed atomically.
type Transaction struct {
	// RecentSequence is a ledger sequence observed by the signer. The
	// executor only accepts the transaction while the ledger is within
	// MaxTransactionAge of it, and runs each message at most once.
	RecentSequence uint64

	Instructions []Instruction

	// Signers lists the required signers in order of first appearance.
	Signers []types.Pubkey

	// Signatures holds one signature per signer over Message().
	Signatures []types.Signature
}

// NewTransaction builds an unsigned transaction and derives its signer list.
func NewTransaction(instructions ...Instruction) *Transaction {
	tx := &Transaction{Instructions: instructions}
	seen := make(map[types.Pubkey]bool)
	for _, ix := range instructions {
		for _, m := range ix.Accounts {
			if m.IsSigner && !seen[m.Pubkey] {
				seen[m.Pubkey] = true
				tx.Signers = append(tx.Signers, m.Pubkey)
			}
		}
	}
	return tx
}

// Sign signs the message with the given keys, one per required signer.
func (tx *Transaction) Sign(keys ...ed25519.PrivateKey) error {
	byPubkey := make(map[types.Pubkey]ed25519.PrivateKey, len(keys))
	for _, k := range keys {
		byPubkey[types.PubkeyFromPublicKey(k.Public().(ed25519.PublicKey))] = k
	}

	msg := tx.Message()
	sigs := make([]types.Signature, len(tx.Signers))
	for i, signer := range tx.Signers {
		key, ok := byPubkey[signer]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingSigningKey, signer)
		}
		copy(sigs[i][:], ed25519.Sign(key, msg))
	}
	tx.Signatures = sigs
	return nil
}

// VerifySignatures checks every signature against its signer.
func (tx *Transaction) VerifySignatures() error {
	if len(tx.Signatures) != len(tx.Signers) {
		return fmt.Errorf("%w: have %d signatures for %d signers",
			ErrInvalidSignature, len(tx.Signatures), len(tx.Signers))
	}
	msg := tx.Message()
	for i, signer := range tx.Signers {
		if !tx.Signatures[i].Verify(signer, msg) {
			return fmt.Errorf("%w: signer %s", ErrInvalidSignature, signer)
		}
	}
	return nil
}

// ID returns the BLAKE3 hash of the message. Signatures are not covered,
// so every copy of a signed message has the same ID.
func (tx *Transaction) ID() types.Hash {
	return blake3.Sum256(tx.Message())
}

// Message returns the bytes covered by signatures.
//
// Format:
//
//	recent_sequence (u64) || num_signers (u16) || signers (32 each) ||
//	num_instructions (u16) || instructions
//
// Each instruction is program_id (32) || num_accounts (u16) ||
// (pubkey (32) || flags (1))* || data_len (u32) || data.
func (tx *Transaction) Message() []byte {
	size := 8 + 2 + 32*len(tx.Signers) + 2
	for _, ix := range tx.Instructions {
		size += 32 + 2 + 33*len(ix.Accounts) + 4 + len(ix.Data)
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint64(buf, tx.RecentSequence)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(tx.Signers)))
	for _, s := range tx.Signers {
		buf = append(buf, s[:]...)
	}

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(tx.Instructions)))
	for _, ix := range tx.Instructions {
		buf = append(buf, ix.ProgramID[:]...)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ix.Accounts)))
		for _, m := range ix.Accounts {
			buf = append(buf, m.Pubkey[:]...)
			var flags byte
			if m.IsSigner {
				flags |= 1
			}
			if m.IsWritable {
				flags |= 2
			}
			buf = append(buf, flags)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ix.Data)))
		buf = append(buf, ix.Data...)
	}
	return buf
}

// Serialize encodes the transaction as num_signatures (u16) ||
// signatures (64 each) || message.
func (tx *Transaction) Serialize() []byte {
	msg := tx.Message()
	buf := make([]byte, 0, 2+64*len(tx.Signatures)+len(msg))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(tx.Signatures)))
	for _, s := range tx.Signatures {
		buf = append(buf, s[:]...)
	}
	return append(buf, msg...)
}

// DeserializeTransaction decodes a transaction produced by Serialize.
func DeserializeTransaction(data []byte) (*Transaction, error) {
	r := reader{buf: data}
	tx := &Transaction{}

	numSigs := int(r.u16())
	if numSigs > MaxSigners {
		return nil, ErrTransactionTooLarge
	}
	for i := 0; i < numSigs; i++ {
		var s types.Signature
		copy(s[:], r.bytes(64))
		tx.Signatures = append(tx.Signatures, s)
	}

	tx.RecentSequence = r.u64()

	numSigners := int(r.u16())
	if numSigners > MaxSigners {
		return nil, ErrTransactionTooLarge
	}
	for i := 0; i < numSigners; i++ {
		tx.Signers = append(tx.Signers, r.pubkey())
	}

	numIx := int(r.u16())
	if numIx > MaxInstructions {
		return nil, ErrTransactionTooLarge
	}
	for i := 0; i < numIx; i++ {
		ix := Instruction{ProgramID: r.pubkey()}
		numAccounts := int(r.u16())
		if numAccounts > MaxAccountMetas {
			return nil, ErrTransactionTooLarge
		}
		for j := 0; j < numAccounts; j++ {
			pk := r.pubkey()
			flags := r.u8()
			ix.Accounts = append(ix.Accounts, AccountMeta{
				Pubkey:     pk,
				IsSigner:   flags&1 != 0,
				IsWritable: flags&2 != 0,
			})
		}
		dataLen := r.u32()
		if dataLen > MaxDataLen {
			return nil, ErrTransactionTooLarge
		}
		ix.Data = append([]byte(nil), r.bytes(int(dataLen))...)
		tx.Instructions = append(tx.Instructions, ix)
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after transaction", len(data)-r.off)
	}
	return tx, nil
}

// reader is a bounds-checked little-endian cursor. The first short read
// sticks in err and every later read returns zeros.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil || n < 0 || r.off+n > len(r.buf) {
		r.err = ErrTransactionTooShort
		return make([]byte, max(n, 0))
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 { return r.bytes(1)[0] }

func (r *reader) u16() uint16 { return binary.LittleEndian.Uint16(r.bytes(2)) }

func (r *reader) u32() uint32 { return binary.LittleEndian.Uint32(r.bytes(4)) }

func (r *reader) u64() uint64 { return binary.LittleEndian.Uint64(r.bytes(8)) }

func (r *reader) pubkey() types.Pubkey {
	var pk types.Pubkey
	copy(pk[:], r.bytes(32))
	return pk
}
