package custody

import (
	"fmt"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/pda"
	"github.com/fortiblox/X1-Custody/pkg/token"
)

// SignerLabel is the fixed seed the signing authority is derived from.
const SignerLabel = "signer"

// Authority is the program's signing authority as reproduced from the
// label and a nonce.
type Authority struct {
	ProgramID types.Pubkey

	// Record is the fixed slot holding the AuthorityRecord.
	Record types.Pubkey

	// Identity is the derived signer that controls every pool.
	Identity types.Pubkey

	Nonce uint8
}

// AuthorityRecordAddress returns the slot of the authority record: the
// canonical derivation of the label. There is exactly one per program.
func AuthorityRecordAddress(programID types.Pubkey) (types.Pubkey, uint8, error) {
	return pda.FindProgramAddress([][]byte{[]byte(SignerLabel)}, programID)
}

// DeriveAuthority reproduces the signing identity for the given nonce.
func DeriveAuthority(programID types.Pubkey, nonce uint8) (Authority, error) {
	record, _, err := AuthorityRecordAddress(programID)
	if err != nil {
		return Authority{}, err
	}
	identity, err := pda.CreateProgramAddress([][]byte{[]byte(SignerLabel), {nonce}}, programID)
	if err != nil {
		return Authority{}, fmt.Errorf("%w: nonce %d: %w", ErrInvalidNonce, nonce, err)
	}
	return Authority{
		ProgramID: programID,
		Record:    record,
		Identity:  identity,
		Nonce:     nonce,
	}, nil
}

// CanonicalAuthority derives the authority with the highest valid nonce.
// Its Identity equals its Record.
func CanonicalAuthority(programID types.Pubkey) (Authority, error) {
	_, nonce, err := AuthorityRecordAddress(programID)
	if err != nil {
		return Authority{}, err
	}
	return DeriveAuthority(programID, nonce)
}

// Signer returns the capability that lets the program sign as Identity.
func (a Authority) Signer() pda.Signer {
	return pda.NewSigner(a.ProgramID, a.Nonce, []byte(SignerLabel))
}

// PoolAddress returns the pool token account for mint.
func (a Authority) PoolAddress(mint types.Pubkey) (types.Pubkey, error) {
	return token.AssociatedAddress(a.Identity, mint)
}

// LedgerAddress returns the ledger record slot keyed by
// (depositor, authority, mint).
func (a Authority) LedgerAddress(depositor, mint types.Pubkey) (types.Pubkey, error) {
	addr, _, err := a.ledgerSeeds(depositor, mint)
	return addr, err
}

// ledgerSeeds returns the ledger record slot and the seeds, bump included,
// the program creates it with.
func (a Authority) ledgerSeeds(depositor, mint types.Pubkey) (types.Pubkey, [][]byte, error) {
	seeds := [][]byte{depositor[:], a.Identity[:], mint[:]}
	addr, bump, err := pda.FindProgramAddress(seeds, a.ProgramID)
	if err != nil {
		return types.Pubkey{}, nil, err
	}
	return addr, append(seeds, []byte{bump}), nil
}

// DepositorAddress returns the depositor's token account for mint.
func DepositorAddress(depositor, mint types.Pubkey) (types.Pubkey, error) {
	return token.AssociatedAddress(depositor, mint)
}
