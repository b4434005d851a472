package token

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/accounts"
	"github.com/fortiblox/X1-Custody/pkg/runtime"
)

// Instruction tags. The values follow the SPL token program where an
// equivalent exists.
const (
	InstructionInitializeMint              = 0
	InstructionInitializeAssociatedAccount = 1
	InstructionTransfer                    = 3
	InstructionMintTo                      = 7
)

// Token program errors.
var (
	ErrInvalidInstruction       = errors.New("token: invalid instruction data")
	ErrNotEnoughAccounts        = errors.New("token: not enough account keys")
	ErrUninitializedAccount     = errors.New("token: account not initialized")
	ErrInvalidAccountOwner      = errors.New("token: account not owned by token program")
	ErrInvalidAssociatedAddress = errors.New("token: address is not the associated token account")
	ErrMintMismatch             = errors.New("token: account mint does not match")
	ErrOwnerMismatch            = errors.New("token: owner does not match")
	ErrMissingSignature         = errors.New("token: authority signature missing")
	ErrInsufficientFunds        = errors.New("token: insufficient funds")
	ErrOverflow                 = errors.New("token: operation overflowed")
	ErrFrozen                   = errors.New("token: account is frozen")
	ErrFixedSupply              = errors.New("token: mint has no mint authority")
)

// Program processes token instructions.
type Program struct{}

// NewProgram returns the token program.
func NewProgram() *Program {
	return &Program{}
}

// Install registers the token program on exec and lets it create
// associated token accounts, which are derived under the associated token
// program.
func Install(exec *runtime.Executor) {
	exec.Register(types.TokenProgramAddr, NewProgram())
	exec.AllowDerivation(types.TokenProgramAddr, types.AssociatedTokenProgramAddr)
}

// Process implements runtime.Program.
func (p *Program) Process(ctx runtime.InvokeContext, metas []runtime.AccountMeta, data []byte) error {
	if len(data) == 0 {
		return ErrInvalidInstruction
	}

	switch data[0] {
	case InstructionInitializeMint:
		return p.processInitializeMint(ctx, metas, data[1:])
	case InstructionInitializeAssociatedAccount:
		return p.processInitializeAssociatedAccount(ctx, metas, data[1:])
	case InstructionTransfer:
		return p.processTransfer(ctx, metas, data[1:])
	case InstructionMintTo:
		return p.processMintTo(ctx, metas, data[1:])
	default:
		return fmt.Errorf("%w: unknown tag %d", ErrInvalidInstruction, data[0])
	}
}

// processInitializeMint: [mint(ws)], data decimals(1) || mint_authority(32).
func (p *Program) processInitializeMint(ctx runtime.InvokeContext, metas []runtime.AccountMeta, data []byte) error {
	if len(metas) < 1 {
		return ErrNotEnoughAccounts
	}
	if len(data) < 33 {
		return ErrInvalidInstruction
	}
	if !ctx.IsSigner(metas[0].Pubkey) {
		return fmt.Errorf("%w: mint %s", ErrMissingSignature, metas[0].Pubkey)
	}

	var authority types.Pubkey
	copy(authority[:], data[1:33])
	mint := &Mint{
		MintAuthority: &authority,
		Decimals:      data[0],
		IsInitialized: true,
	}
	if err := ctx.CreateAccount(metas[0].Pubkey, mint.Marshal()); err != nil {
		return err
	}
	ctx.Log(fmt.Sprintf("Instruction: InitializeMint %s", metas[0].Pubkey))
	return nil
}

// processInitializeAssociatedAccount: [account(w), mint(ro)], data owner(32).
func (p *Program) processInitializeAssociatedAccount(ctx runtime.InvokeContext, metas []runtime.AccountMeta, data []byte) error {
	if len(metas) < 2 {
		return ErrNotEnoughAccounts
	}
	if len(data) < 32 {
		return ErrInvalidInstruction
	}
	address, mintKey := metas[0].Pubkey, metas[1].Pubkey

	var owner types.Pubkey
	copy(owner[:], data[:32])

	want, seeds, err := associatedSeeds(owner, mintKey)
	if err != nil {
		return err
	}
	if want != address {
		return fmt.Errorf("%w: got %s, want %s", ErrInvalidAssociatedAddress, address, want)
	}

	if _, err := loadMint(ctx, mintKey); err != nil {
		return err
	}

	acct := &Account{Mint: mintKey, Owner: owner, State: AccountInitialized}
	if err := ctx.CreateAccount(address, acct.Marshal(), seeds); err != nil {
		return err
	}
	ctx.Log(fmt.Sprintf("Instruction: InitializeAccount %s owner %s", address, owner))
	return nil
}

// processTransfer: [source(w), destination(w), authority(s)], data amount(8).
func (p *Program) processTransfer(ctx runtime.InvokeContext, metas []runtime.AccountMeta, data []byte) error {
	if len(metas) < 3 {
		return ErrNotEnoughAccounts
	}
	if len(data) < 8 {
		return ErrInvalidInstruction
	}
	amount := binary.LittleEndian.Uint64(data[:8])
	srcKey, dstKey, authority := metas[0].Pubkey, metas[1].Pubkey, metas[2].Pubkey

	src, err := loadAccount(ctx, srcKey)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	dst, err := loadAccount(ctx, dstKey)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}

	if src.State == AccountFrozen || dst.State == AccountFrozen {
		return ErrFrozen
	}
	if src.Mint != dst.Mint {
		return ErrMintMismatch
	}
	if src.Owner != authority {
		return fmt.Errorf("%w: source owned by %s, authority %s", ErrOwnerMismatch, src.Owner, authority)
	}
	if !ctx.IsSigner(authority) {
		return ErrMissingSignature
	}
	if src.Amount < amount {
		return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientFunds, src.Amount, amount)
	}

	ctx.Log("Instruction: Transfer")
	if srcKey == dstKey {
		return nil
	}

	src.Amount -= amount
	if dst.Amount+amount < dst.Amount {
		return ErrOverflow
	}
	dst.Amount += amount

	if err := ctx.WriteAccount(srcKey, src.Marshal()); err != nil {
		return err
	}
	return ctx.WriteAccount(dstKey, dst.Marshal())
}

// processMintTo: [mint(w), destination(w), mint_authority(s)], data amount(8).
func (p *Program) processMintTo(ctx runtime.InvokeContext, metas []runtime.AccountMeta, data []byte) error {
	if len(metas) < 3 {
		return ErrNotEnoughAccounts
	}
	if len(data) < 8 {
		return ErrInvalidInstruction
	}
	amount := binary.LittleEndian.Uint64(data[:8])
	mintKey, dstKey, authority := metas[0].Pubkey, metas[1].Pubkey, metas[2].Pubkey

	mint, err := loadMint(ctx, mintKey)
	if err != nil {
		return err
	}
	dst, err := loadAccount(ctx, dstKey)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if dst.Mint != mintKey {
		return ErrMintMismatch
	}
	if mint.MintAuthority == nil {
		return ErrFixedSupply
	}
	if *mint.MintAuthority != authority {
		return fmt.Errorf("%w: mint authority is %s", ErrOwnerMismatch, *mint.MintAuthority)
	}
	if !ctx.IsSigner(authority) {
		return ErrMissingSignature
	}
	if mint.Supply+amount < mint.Supply || dst.Amount+amount < dst.Amount {
		return ErrOverflow
	}
	mint.Supply += amount
	dst.Amount += amount

	if err := ctx.WriteAccount(mintKey, mint.Marshal()); err != nil {
		return err
	}
	if err := ctx.WriteAccount(dstKey, dst.Marshal()); err != nil {
		return err
	}
	ctx.Log(fmt.Sprintf("Instruction: MintTo %d", amount))
	return nil
}

func loadMint(ctx runtime.InvokeContext, key types.Pubkey) (*Mint, error) {
	acc, err := ctx.Account(key)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return nil, fmt.Errorf("mint %s: %w", key, ErrUninitializedAccount)
		}
		return nil, err
	}
	if acc.Owner != ctx.ProgramID() {
		return nil, fmt.Errorf("mint %s: %w", key, ErrInvalidAccountOwner)
	}
	mint, err := UnmarshalMint(acc.Data)
	if err != nil || !mint.IsInitialized {
		return nil, fmt.Errorf("mint %s: %w", key, ErrUninitializedAccount)
	}
	return mint, nil
}

func loadAccount(ctx runtime.InvokeContext, key types.Pubkey) (*Account, error) {
	acc, err := ctx.Account(key)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return nil, fmt.Errorf("%s: %w", key, ErrUninitializedAccount)
		}
		return nil, err
	}
	if acc.Owner != ctx.ProgramID() {
		return nil, fmt.Errorf("%s: %w", key, ErrInvalidAccountOwner)
	}
	ta, err := UnmarshalAccount(acc.Data)
	if err != nil || !ta.IsInitialized() {
		return nil, fmt.Errorf("%s: %w", key, ErrUninitializedAccount)
	}
	return ta, nil
}
