package token

import (
	"encoding/binary"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/runtime"
)

// NewInitializeMintInstruction creates a mint at the given address, which
// must sign.
func NewInitializeMintInstruction(mint, mintAuthority types.Pubkey, decimals uint8) runtime.Instruction {
	data := make([]byte, 0, 34)
	data = append(data, InstructionInitializeMint, decimals)
	data = append(data, mintAuthority[:]...)
	return runtime.Instruction{
		ProgramID: types.TokenProgramAddr,
		Accounts:  []runtime.AccountMeta{runtime.Signer(mint, true)},
		Data:      data,
	}
}

// NewInitializeAssociatedAccountInstruction creates the associated token
// account of owner for mint.
func NewInitializeAssociatedAccountInstruction(account, owner, mint types.Pubkey) runtime.Instruction {
	data := make([]byte, 0, 33)
	data = append(data, InstructionInitializeAssociatedAccount)
	data = append(data, owner[:]...)
	return runtime.Instruction{
		ProgramID: types.TokenProgramAddr,
		Accounts: []runtime.AccountMeta{
			runtime.Writable(account),
			runtime.ReadOnly(mint),
		},
		Data: data,
	}
}

// NewTransferInstruction moves amount from source to destination,
// authorized by the source owner.
func NewTransferInstruction(source, destination, authority types.Pubkey, amount uint64) runtime.Instruction {
	return runtime.Instruction{
		ProgramID: types.TokenProgramAddr,
		Accounts: []runtime.AccountMeta{
			runtime.Writable(source),
			runtime.Writable(destination),
			runtime.Signer(authority, false),
		},
		Data: amountData(InstructionTransfer, amount),
	}
}

// NewMintToInstruction mints amount into destination.
func NewMintToInstruction(mint, destination, mintAuthority types.Pubkey, amount uint64) runtime.Instruction {
	return runtime.Instruction{
		ProgramID: types.TokenProgramAddr,
		Accounts: []runtime.AccountMeta{
			runtime.Writable(mint),
			runtime.Writable(destination),
			runtime.Signer(mintAuthority, false),
		},
		Data: amountData(InstructionMintTo, amount),
	}
}

func amountData(tag byte, amount uint64) []byte {
	data := make([]byte, 9)
	data[0] = tag
	binary.LittleEndian.PutUint64(data[1:], amount)
	return data
}

// Authorization names the account that authorizes a transfer. For a
// program-derived authority, SignerSeeds carries the full seed list, bump
// included, that reproduces it under the calling program.
type Authorization struct {
	Authority   types.Pubkey
	SignerSeeds [][]byte
}

// CPI calls the token program from inside another program.
type CPI struct{}

// Transfer invokes a token transfer with the given authorization.
func (CPI) Transfer(ctx runtime.InvokeContext, from, to types.Pubkey, amount uint64, auth Authorization) error {
	ix := NewTransferInstruction(from, to, auth.Authority, amount)
	if len(auth.SignerSeeds) > 0 {
		return ctx.Invoke(ix, auth.SignerSeeds)
	}
	return ctx.Invoke(ix)
}

// InitializeAccount invokes creation of owner's associated token account.
func (CPI) InitializeAccount(ctx runtime.InvokeContext, account, owner, mint types.Pubkey) error {
	return ctx.Invoke(NewInitializeAssociatedAccountInstruction(account, owner, mint))
}
