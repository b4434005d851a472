// Package types defines the identity and hash types shared by every
// X1-Custody package.
//
// Identities follow Solana conventions: 32-byte keys rendered in base58,
// 64-byte ed25519 signatures, 32-byte hashes.
package types

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	PubkeySize    = 32
	SignatureSize = 64
	HashSize      = 32
)

var (
	ErrInvalidPubkey    = errors.New("invalid pubkey: must be 32 bytes")
	ErrInvalidSignature = errors.New("invalid signature: must be 64 bytes")
	ErrInvalidHash      = errors.New("invalid hash: must be 32 bytes")
)

// fixed copies b into dst, which must be exactly len(b) long.
func fixed(dst, b []byte, errSize error) error {
	if len(b) != len(dst) {
		return errSize
	}
	copy(dst, b)
	return nil
}

// fixedBase58 decodes s into dst.
func fixedBase58(dst []byte, s string, errSize error) error {
	data, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("base58 decode %q: %w", s, err)
	}
	return fixed(dst, data, errSize)
}

// Pubkey is a 32-byte account identity. It is either an ed25519 public key
// or a program-derived address that has no private key.
type Pubkey [PubkeySize]byte

// PubkeyFromBase58 parses a base58-encoded public key.
func PubkeyFromBase58(s string) (p Pubkey, err error) {
	err = fixedBase58(p[:], s, ErrInvalidPubkey)
	return p, err
}

// MustPubkeyFromBase58 is PubkeyFromBase58 for package-level constants.
func MustPubkeyFromBase58(s string) Pubkey {
	p, err := PubkeyFromBase58(s)
	if err != nil {
		panic(fmt.Sprintf("invalid pubkey constant %q: %v", s, err))
	}
	return p
}

// PubkeyFromBytes copies a 32-byte slice into a Pubkey.
func PubkeyFromBytes(b []byte) (p Pubkey, err error) {
	err = fixed(p[:], b, ErrInvalidPubkey)
	return p, err
}

// PubkeyFromPublicKey converts an ed25519 public key.
func PubkeyFromPublicKey(pub ed25519.PublicKey) (p Pubkey) {
	copy(p[:], pub)
	return p
}

func (p Pubkey) String() string { return base58.Encode(p[:]) }

// IsZero reports whether every byte is zero. The system program address
// is the zero key.
func (p Pubkey) IsZero() bool { return p == Pubkey{} }

func (p Pubkey) Bytes() []byte { return p[:] }

// Compare orders pubkeys lexicographically.
func (p Pubkey) Compare(other Pubkey) int {
	return bytes.Compare(p[:], other[:])
}

func (p Pubkey) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Pubkey) UnmarshalText(text []byte) error {
	return fixedBase58(p[:], string(text), ErrInvalidPubkey)
}

// Signature is an ed25519 signature over a transaction message.
type Signature [SignatureSize]byte

// SignatureFromBase58 parses a base58-encoded signature.
func SignatureFromBase58(s string) (sig Signature, err error) {
	err = fixedBase58(sig[:], s, ErrInvalidSignature)
	return sig, err
}

// SignatureFromBytes copies a 64-byte slice into a Signature.
func SignatureFromBytes(b []byte) (sig Signature, err error) {
	err = fixed(sig[:], b, ErrInvalidSignature)
	return sig, err
}

func (s Signature) String() string { return base58.Encode(s[:]) }

// Verify reports whether s is signer's signature over message.
func (s Signature) Verify(signer Pubkey, message []byte) bool {
	return ed25519.Verify(signer[:], message, s[:])
}

func (s Signature) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Signature) UnmarshalText(text []byte) error {
	return fixedBase58(s[:], string(text), ErrInvalidSignature)
}

// Hash is a 32-byte blake3 digest: transaction IDs and account hashes.
type Hash [HashSize]byte

// HashFromBase58 parses a base58-encoded hash.
func HashFromBase58(s string) (h Hash, err error) {
	err = fixedBase58(h[:], s, ErrInvalidHash)
	return h, err
}

func (h Hash) String() string { return base58.Encode(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	return fixedBase58(h[:], string(text), ErrInvalidHash)
}
