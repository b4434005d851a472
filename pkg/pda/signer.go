package pda

import (
	"github.com/fortiblox/X1-Custody/internal/types"
)

// Signer is the delegated-signing capability for a program-derived address.
//
// It holds the full seed list (bump included) rather than the address, so
// the address is reproduced from public inputs every time it is needed. The
// runtime accepts the seeds as proof that the calling program may act for
// the derived identity.
type Signer struct {
	ProgramID types.Pubkey
	Seeds     [][]byte
}

// NewSigner builds a signer capability from seeds and a bump nonce.
func NewSigner(programID types.Pubkey, bump uint8, seeds ...[]byte) Signer {
	full := make([][]byte, 0, len(seeds)+1)
	for _, s := range seeds {
		full = append(full, append([]byte(nil), s...))
	}
	full = append(full, []byte{bump})
	return Signer{ProgramID: programID, Seeds: full}
}

// Address recomputes the signer's identity.
func (s Signer) Address() (types.Pubkey, error) {
	return CreateProgramAddress(s.Seeds, s.ProgramID)
}

// SignerSeeds returns a copy of the seeds suitable for passing to an
// invocation.
func (s Signer) SignerSeeds() [][]byte {
	out := make([][]byte, len(s.Seeds))
	for i, seed := range s.Seeds {
		out[i] = append([]byte(nil), seed...)
	}
	return out
}
