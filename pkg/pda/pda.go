// Package pda implements program-derived address derivation.
//
// A program-derived address (PDA) is an identity computed from a set of
// seeds and a program ID. It is deliberately chosen off the ed25519 curve so
// that no private key exists for it; only the owning program can "sign" for
// it, by presenting the same seeds to the runtime.
//
//	address = SHA256(seed_0 || ... || seed_n || program_id || "ProgramDerivedAddress")
//
// A trailing one-byte nonce (the "bump") is appended by FindProgramAddress
// and searched from 255 down to 0 until the hash lands off the curve.
package pda

import (
	"crypto/sha256"
	"errors"
	"math/big"

	"github.com/fortiblox/X1-Custody/internal/types"
)

// PDA constants.
const (
	MaxSeeds   = 16
	MaxSeedLen = 32
)

// PDA marker used in address derivation.
var pdaMarker = []byte("ProgramDerivedAddress")

// PDA errors.
var (
	ErrMaxSeedLengthExceeded = errors.New("max seed length exceeded")
	ErrMaxSeedsExceeded      = errors.New("max seeds exceeded")
	ErrOnCurve               = errors.New("invalid seeds: derived address is on curve")
	ErrNoViableBump          = errors.New("unable to find a viable program address bump seed")
)

// Curve constants, computed once.
var (
	fieldP *big.Int // 2^255 - 19
	curveD *big.Int // -121665/121666 mod p
	legExp *big.Int // (p-1)/2
	bigOne = big.NewInt(1)
)

func init() {
	fieldP = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(19))

	curveD = new(big.Int).Mul(big.NewInt(-121665), new(big.Int).ModInverse(big.NewInt(121666), fieldP))
	curveD.Mod(curveD, fieldP)

	legExp = new(big.Int).Sub(fieldP, bigOne)
	legExp.Rsh(legExp, 1)
}

// CreateProgramAddress derives a program address from seeds and a program ID.
// Returns ErrOnCurve if the derived address is a valid ed25519 point.
func CreateProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, error) {
	if len(seeds) > MaxSeeds {
		return types.Pubkey{}, ErrMaxSeedsExceeded
	}
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return types.Pubkey{}, ErrMaxSeedLengthExceeded
		}
	}

	h := sha256.New()
	for _, seed := range seeds {
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write(pdaMarker)

	var addr types.Pubkey
	copy(addr[:], h.Sum(nil))

	if IsOnCurve(addr[:]) {
		return types.Pubkey{}, ErrOnCurve
	}
	return addr, nil
}

// FindProgramAddress finds a valid PDA by iterating bump seeds from 255 to 0.
// The returned bump is the canonical one: the highest that yields an
// off-curve address.
func FindProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, uint8, error) {
	if len(seeds) > MaxSeeds-1 {
		return types.Pubkey{}, 0, ErrMaxSeedsExceeded
	}

	seedsWithBump := make([][]byte, len(seeds)+1)
	copy(seedsWithBump, seeds)

	for bump := 255; bump >= 0; bump-- {
		seedsWithBump[len(seeds)] = []byte{uint8(bump)}

		addr, err := CreateProgramAddress(seedsWithBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return types.Pubkey{}, 0, err
		}
	}

	return types.Pubkey{}, 0, ErrNoViableBump
}

// IsOnCurve reports whether the 32 bytes decode as a point on the ed25519
// curve.
//
// Ed25519 uses the twisted Edwards curve -x^2 + y^2 = 1 + d*x^2*y^2 over
// p = 2^255 - 19. A compressed point stores y (little-endian) with the sign
// of x in the top bit, so the bytes decode iff x^2 = (y^2-1)/(d*y^2+1) has a
// square root mod p. A non-canonical y (y >= p) is reduced mod p, as the
// deployed runtime's decompression does.
func IsOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}

	yBytes := make([]byte, 32)
	copy(yBytes, point)
	yBytes[31] &= 0x7F

	// big.Int wants big-endian.
	for i, j := 0, 31; i < j; i, j = i+1, j-1 {
		yBytes[i], yBytes[j] = yBytes[j], yBytes[i]
	}
	y := new(big.Int).SetBytes(yBytes)
	y.Mod(y, fieldP)

	y2 := new(big.Int).Mul(y, y)
	y2.Mod(y2, fieldP)

	num := new(big.Int).Sub(y2, bigOne)
	num.Mod(num, fieldP)

	den := new(big.Int).Mul(curveD, y2)
	den.Add(den, bigOne)
	den.Mod(den, fieldP)

	denInv := new(big.Int).ModInverse(den, fieldP)
	if denInv == nil {
		return false
	}
	x2 := new(big.Int).Mul(num, denInv)
	x2.Mod(x2, fieldP)

	if x2.Sign() == 0 {
		return true
	}

	// Euler's criterion.
	return new(big.Int).Exp(x2, legExp, fieldP).Cmp(bigOne) == 0
}
