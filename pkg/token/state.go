// Package token implements the fungible token program the custody program
// moves assets with.
//
// Mints and token accounts use the SPL binary layouts (82 and 165 bytes).
// Token accounts are created only at their associated address, derived from
// the owner and mint under the associated token program ID.
package token

import (
	"encoding/binary"
	"errors"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/pda"
)

// Layout sizes.
const (
	MintSize    = 82
	AccountSize = 165
)

// AccountState is the state byte of a token account.
type AccountState uint8

// Account states.
const (
	AccountUninitialized AccountState = iota
	AccountInitialized
	AccountFrozen
)

var errShortData = errors.New("token: data too short")

// Mint describes a token type.
type Mint struct {
	MintAuthority   *types.Pubkey
	Supply          uint64
	Decimals        uint8
	IsInitialized   bool
	FreezeAuthority *types.Pubkey
}

// Account is a token balance held for an owner.
type Account struct {
	Mint            types.Pubkey
	Owner           types.Pubkey
	Amount          uint64
	Delegate        *types.Pubkey
	State           AccountState
	IsNative        *uint64
	DelegatedAmount uint64
	CloseAuthority  *types.Pubkey
}

// IsInitialized reports whether the account holds a usable balance.
func (a *Account) IsInitialized() bool {
	return a.State != AccountUninitialized
}

// Marshal encodes the mint in the 82-byte layout.
func (m *Mint) Marshal() []byte {
	buf := make([]byte, MintSize)
	putOptionPubkey(buf[0:36], m.MintAuthority)
	binary.LittleEndian.PutUint64(buf[36:44], m.Supply)
	buf[44] = m.Decimals
	if m.IsInitialized {
		buf[45] = 1
	}
	putOptionPubkey(buf[46:82], m.FreezeAuthority)
	return buf
}

// UnmarshalMint decodes an 82-byte mint.
func UnmarshalMint(data []byte) (*Mint, error) {
	if len(data) < MintSize {
		return nil, errShortData
	}
	return &Mint{
		MintAuthority:   optionPubkey(data[0:36]),
		Supply:          binary.LittleEndian.Uint64(data[36:44]),
		Decimals:        data[44],
		IsInitialized:   data[45] != 0,
		FreezeAuthority: optionPubkey(data[46:82]),
	}, nil
}

// Marshal encodes the account in the 165-byte layout.
func (a *Account) Marshal() []byte {
	buf := make([]byte, AccountSize)
	copy(buf[0:32], a.Mint[:])
	copy(buf[32:64], a.Owner[:])
	binary.LittleEndian.PutUint64(buf[64:72], a.Amount)
	putOptionPubkey(buf[72:108], a.Delegate)
	buf[108] = byte(a.State)
	if a.IsNative != nil {
		binary.LittleEndian.PutUint32(buf[109:113], 1)
		binary.LittleEndian.PutUint64(buf[113:121], *a.IsNative)
	}
	binary.LittleEndian.PutUint64(buf[121:129], a.DelegatedAmount)
	putOptionPubkey(buf[129:165], a.CloseAuthority)
	return buf
}

// UnmarshalAccount decodes a 165-byte token account.
func UnmarshalAccount(data []byte) (*Account, error) {
	if len(data) < AccountSize {
		return nil, errShortData
	}
	a := &Account{
		Amount:          binary.LittleEndian.Uint64(data[64:72]),
		Delegate:        optionPubkey(data[72:108]),
		State:           AccountState(data[108]),
		DelegatedAmount: binary.LittleEndian.Uint64(data[121:129]),
		CloseAuthority:  optionPubkey(data[129:165]),
	}
	copy(a.Mint[:], data[0:32])
	copy(a.Owner[:], data[32:64])
	if binary.LittleEndian.Uint32(data[109:113]) == 1 {
		v := binary.LittleEndian.Uint64(data[113:121])
		a.IsNative = &v
	}
	return a, nil
}

// COption<Pubkey>: u32 tag followed by 32 bytes.
func putOptionPubkey(dst []byte, pk *types.Pubkey) {
	if pk == nil {
		return
	}
	binary.LittleEndian.PutUint32(dst[0:4], 1)
	copy(dst[4:36], pk[:])
}

func optionPubkey(src []byte) *types.Pubkey {
	if binary.LittleEndian.Uint32(src[0:4]) != 1 {
		return nil
	}
	var pk types.Pubkey
	copy(pk[:], src[4:36])
	return &pk
}

// AssociatedAddress returns the associated token account address for an
// owner and mint.
func AssociatedAddress(owner, mint types.Pubkey) (types.Pubkey, error) {
	addr, _, err := associatedSeeds(owner, mint)
	return addr, err
}

// associatedSeeds returns the associated address with the seeds, bump
// included, that derive it under the associated token program.
func associatedSeeds(owner, mint types.Pubkey) (types.Pubkey, [][]byte, error) {
	seeds := [][]byte{owner[:], types.TokenProgramAddr[:], mint[:]}
	addr, bump, err := pda.FindProgramAddress(seeds, types.AssociatedTokenProgramAddr)
	if err != nil {
		return types.Pubkey{}, nil, err
	}
	return addr, append(seeds, []byte{bump}), nil
}
