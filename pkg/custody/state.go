package custody

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/fortiblox/X1-Custody/internal/types"
)

// DiscriminatorSize is the length of the account-type and instruction tags.
const DiscriminatorSize = 8

// Record sizes, discriminator included.
const (
	AuthorityRecordSize = DiscriminatorSize + 1 + 1 + 1
	LedgerRecordSize    = DiscriminatorSize + 32 + 32 + 8
)

// Account-type discriminators, sha256("account:<Name>")[:8].
var (
	authorityDiscriminator = accountDiscriminator("SignerAccount")
	ledgerDiscriminator    = accountDiscriminator("LockedTokenAccount")
)

func accountDiscriminator(name string) [DiscriminatorSize]byte {
	return discriminator("account:" + name)
}

func discriminator(preimage string) [DiscriminatorSize]byte {
	sum := sha256.Sum256([]byte(preimage))
	var d [DiscriminatorSize]byte
	copy(d[:], sum[:DiscriminatorSize])
	return d
}

// AuthorityRecord is the single record describing the program's signing
// authority. The signing identity is not stored; it is derived from the
// fixed label and Nonce whenever it is needed.
type AuthorityRecord struct {
	Initialized   bool
	SignerCapable bool
	Nonce         uint8
}

// Marshal encodes the record: discriminator || initialized || signer || nonce.
func (r *AuthorityRecord) Marshal() []byte {
	buf := make([]byte, AuthorityRecordSize)
	copy(buf, authorityDiscriminator[:])
	if r.Initialized {
		buf[8] = 1
	}
	if r.SignerCapable {
		buf[9] = 1
	}
	buf[10] = r.Nonce
	return buf
}

// UnmarshalAuthorityRecord decodes an authority record.
func UnmarshalAuthorityRecord(data []byte) (*AuthorityRecord, error) {
	if len(data) < AuthorityRecordSize || !bytes.Equal(data[:8], authorityDiscriminator[:]) {
		return nil, ErrAccountDidNotDeserialize
	}
	return &AuthorityRecord{
		Initialized:   data[8] != 0,
		SignerCapable: data[9] != 0,
		Nonce:         data[10],
	}, nil
}

// LedgerRecord is the locked balance of one depositor for one asset.
type LedgerRecord struct {
	Depositor types.Pubkey
	Authority types.Pubkey
	Amount    uint64
}

// Marshal encodes the record: discriminator || depositor || authority ||
// amount (u64 LE).
func (r *LedgerRecord) Marshal() []byte {
	buf := make([]byte, LedgerRecordSize)
	copy(buf, ledgerDiscriminator[:])
	copy(buf[8:40], r.Depositor[:])
	copy(buf[40:72], r.Authority[:])
	binary.LittleEndian.PutUint64(buf[72:80], r.Amount)
	return buf
}

// UnmarshalLedgerRecord decodes a ledger record.
func UnmarshalLedgerRecord(data []byte) (*LedgerRecord, error) {
	if len(data) < LedgerRecordSize || !bytes.Equal(data[:8], ledgerDiscriminator[:]) {
		return nil, ErrAccountDidNotDeserialize
	}
	r := &LedgerRecord{Amount: binary.LittleEndian.Uint64(data[72:80])}
	copy(r.Depositor[:], data[8:40])
	copy(r.Authority[:], data[40:72])
	return r, nil
}

// IsLedgerRecord reports whether data carries the ledger discriminator.
func IsLedgerRecord(data []byte) bool {
	return len(data) >= LedgerRecordSize && bytes.Equal(data[:8], ledgerDiscriminator[:])
}
