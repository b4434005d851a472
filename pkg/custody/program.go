// Package custody implements the custody ledger program.
//
// A single program-derived authority controls one pool token account per
// asset. Depositors lock tokens in a pool and the program records each
// depositor's locked amount in a ledger record keyed by
// (depositor, authority, asset). Withdrawals are signed by the derived
// authority, reproduced from the fixed label and the stored nonce, and are
// bounded by the depositor's locked amount.
//
// Every instruction runs inside one runtime transaction: the token movement
// and the ledger update commit together or not at all.
package custody

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/accounts"
	"github.com/fortiblox/X1-Custody/pkg/runtime"
	"github.com/fortiblox/X1-Custody/pkg/token"
)

// Transferrer moves tokens between token accounts.
type Transferrer interface {
	Transfer(ctx runtime.InvokeContext, from, to types.Pubkey, amount uint64, auth token.Authorization) error
}

// PoolAllocator creates the token account backing a pool.
type PoolAllocator interface {
	InitializeAccount(ctx runtime.InvokeContext, account, owner, mint types.Pubkey) error
}

// Program is the custody program.
type Program struct {
	id        types.Pubkey
	transfers Transferrer
	allocator PoolAllocator
}

// Option configures a Program.
type Option func(*Program)

// WithTransferrer replaces the token transfer collaborator.
func WithTransferrer(t Transferrer) Option {
	return func(p *Program) { p.transfers = t }
}

// WithPoolAllocator replaces the pool account allocator.
func WithPoolAllocator(a PoolAllocator) Option {
	return func(p *Program) { p.allocator = a }
}

// NewProgram returns the custody program deployed at programID. By default
// it calls the token program through cross-program invocation.
func NewProgram(programID types.Pubkey, opts ...Option) *Program {
	p := &Program{
		id:        programID,
		transfers: token.CPI{},
		allocator: token.CPI{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID returns the program ID.
func (p *Program) ID() types.Pubkey {
	return p.id
}

// Process implements runtime.Program.
func (p *Program) Process(ctx runtime.InvokeContext, metas []runtime.AccountMeta, data []byte) error {
	kind, args, err := decodeInstruction(data)
	if err != nil {
		return err
	}
	ctx.Log("Instruction: " + kind.String())

	switch kind {
	case KindInitializeAuthority:
		return p.initializeAuthority(ctx, metas, args[0])
	case KindInitializePool:
		return p.initializePool(ctx, metas)
	case KindInitializeLedgerRecord:
		return p.initializeLedgerRecord(ctx, metas)
	case KindDeposit:
		return p.deposit(ctx, metas, binary.LittleEndian.Uint64(args))
	case KindWithdraw:
		return p.withdraw(ctx, metas, binary.LittleEndian.Uint64(args))
	}
	return ErrInvalidInstruction
}

func (p *Program) initializeAuthority(ctx runtime.InvokeContext, metas []runtime.AccountMeta, nonce uint8) error {
	if len(metas) < 2 {
		return ErrNotEnoughAccounts
	}
	payer, recordKey := metas[0].Pubkey, metas[1].Pubkey

	if !ctx.IsSigner(payer) {
		return ErrMissingSignature
	}
	want, bump, err := AuthorityRecordAddress(p.id)
	if err != nil {
		return err
	}
	if recordKey != want {
		return fmt.Errorf("%w: authority record %s, want %s", ErrSeedsConstraint, recordKey, want)
	}

	// An existing record wins over any nonce check.
	_, err = ctx.Account(recordKey)
	if err == nil {
		return ErrAlreadyInitialized
	}
	if !errors.Is(err, accounts.ErrAccountNotFound) {
		return err
	}
	auth, err := DeriveAuthority(p.id, nonce)
	if err != nil {
		return err
	}

	record := &AuthorityRecord{Initialized: true, SignerCapable: true, Nonce: nonce}
	seeds := [][]byte{[]byte(SignerLabel), {bump}}
	if err := ctx.CreateAccount(recordKey, record.Marshal(), seeds); err != nil {
		if errors.Is(err, runtime.ErrAccountAlreadyInUse) {
			return ErrAlreadyInitialized
		}
		return err
	}

	ctx.Log(fmt.Sprintf("program signer is initialized new pubkey: %s", auth.Identity))
	return nil
}

func (p *Program) initializePool(ctx runtime.InvokeContext, metas []runtime.AccountMeta) error {
	if len(metas) < 4 {
		return ErrNotEnoughAccounts
	}
	payer, recordKey, poolKey, mint := metas[0].Pubkey, metas[1].Pubkey, metas[2].Pubkey, metas[3].Pubkey

	if !ctx.IsSigner(payer) {
		return ErrMissingSignature
	}
	auth, err := p.loadAuthority(ctx, recordKey)
	if err != nil {
		return err
	}
	want, err := auth.PoolAddress(mint)
	if err != nil {
		return err
	}
	if poolKey != want {
		return fmt.Errorf("%w: pool %s, want %s", ErrSeedsConstraint, poolKey, want)
	}

	if err := p.allocator.InitializeAccount(ctx, poolKey, auth.Identity, mint); err != nil {
		if errors.Is(err, runtime.ErrAccountAlreadyInUse) {
			return ErrAlreadyInitialized
		}
		if errors.Is(err, token.ErrUninitializedAccount) || errors.Is(err, token.ErrInvalidAccountOwner) {
			return fmt.Errorf("%w: mint %s: %w", ErrAssetMismatch, mint, err)
		}
		return fmt.Errorf("initialize pool account: %w", err)
	}

	ctx.Log(fmt.Sprintf("program associated token account initialized new pubkey: %s", poolKey))
	return nil
}

func (p *Program) initializeLedgerRecord(ctx runtime.InvokeContext, metas []runtime.AccountMeta) error {
	if len(metas) < 6 {
		return ErrNotEnoughAccounts
	}
	depositor, recordKey, ledgerKey := metas[0].Pubkey, metas[1].Pubkey, metas[2].Pubkey
	depositorTokenKey, poolKey, mint := metas[3].Pubkey, metas[4].Pubkey, metas[5].Pubkey

	if !ctx.IsSigner(depositor) {
		return ErrMissingSignature
	}
	auth, err := p.loadAuthority(ctx, recordKey)
	if err != nil {
		return err
	}
	if err := p.checkTokenAccounts(ctx, auth, depositor, depositorTokenKey, poolKey, mint); err != nil {
		return err
	}
	want, seeds, err := auth.ledgerSeeds(depositor, mint)
	if err != nil {
		return err
	}
	if ledgerKey != want {
		return fmt.Errorf("%w: ledger %s, want %s", ErrSeedsConstraint, ledgerKey, want)
	}

	record := &LedgerRecord{Depositor: depositor, Authority: auth.Identity}
	if err := ctx.CreateAccount(ledgerKey, record.Marshal(), seeds); err != nil {
		if errors.Is(err, runtime.ErrAccountAlreadyInUse) {
			return ErrAlreadyInitialized
		}
		return err
	}

	ctx.Log(fmt.Sprintf("program locked account initialized new pubkey: %s", ledgerKey))
	ctx.Log(fmt.Sprintf("locked amount: %d", record.Amount))
	return nil
}

func (p *Program) deposit(ctx runtime.InvokeContext, metas []runtime.AccountMeta, amount uint64) error {
	if len(metas) < 6 {
		return ErrNotEnoughAccounts
	}
	depositor, recordKey := metas[0].Pubkey, metas[1].Pubkey
	depositorTokenKey, poolKey, ledgerKey, mint := metas[2].Pubkey, metas[3].Pubkey, metas[4].Pubkey, metas[5].Pubkey

	if !ctx.IsSigner(depositor) {
		return ErrMissingSignature
	}
	auth, err := p.loadAuthority(ctx, recordKey)
	if err != nil {
		return err
	}
	if err := p.checkTokenAccounts(ctx, auth, depositor, depositorTokenKey, poolKey, mint); err != nil {
		return err
	}
	ledger, err := p.loadLedger(ctx, auth, depositor, mint, ledgerKey)
	if err != nil {
		return err
	}

	if amount > 0 {
		if ledger.Amount+amount < ledger.Amount {
			return ErrArithmeticOverflow
		}
		err := p.transfers.Transfer(ctx, depositorTokenKey, poolKey, amount, token.Authorization{Authority: depositor})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		ledger.Amount += amount
		if err := ctx.WriteAccount(ledgerKey, ledger.Marshal()); err != nil {
			return err
		}
	}

	ctx.Log(fmt.Sprintf("locked amount: %d", ledger.Amount))
	return nil
}

func (p *Program) withdraw(ctx runtime.InvokeContext, metas []runtime.AccountMeta, amount uint64) error {
	if len(metas) < 7 {
		return ErrNotEnoughAccounts
	}
	depositor, recordKey, identity := metas[0].Pubkey, metas[1].Pubkey, metas[2].Pubkey
	depositorTokenKey, poolKey, ledgerKey, mint := metas[3].Pubkey, metas[4].Pubkey, metas[5].Pubkey, metas[6].Pubkey

	if !ctx.IsSigner(depositor) {
		return ErrMissingSignature
	}
	auth, err := p.loadAuthority(ctx, recordKey)
	if err != nil {
		return err
	}
	if identity != auth.Identity {
		return fmt.Errorf("%w: authority identity %s, want %s", ErrSeedsConstraint, identity, auth.Identity)
	}
	if err := p.checkTokenAccounts(ctx, auth, depositor, depositorTokenKey, poolKey, mint); err != nil {
		return err
	}
	ledger, err := p.loadLedger(ctx, auth, depositor, mint, ledgerKey)
	if err != nil {
		return err
	}
	if amount > ledger.Amount {
		return fmt.Errorf("%w: requested %d, locked %d", ErrAmountTooLarge, amount, ledger.Amount)
	}

	if amount > 0 {
		signer := auth.Signer()
		err := p.transfers.Transfer(ctx, poolKey, depositorTokenKey, amount, token.Authorization{
			Authority:   auth.Identity,
			SignerSeeds: signer.SignerSeeds(),
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		ledger.Amount -= amount
		if err := ctx.WriteAccount(ledgerKey, ledger.Marshal()); err != nil {
			return err
		}
	}

	ctx.Log(fmt.Sprintf("locked amount: %d", ledger.Amount))
	return nil
}

// loadAuthority reads the authority record at its fixed slot and
// reproduces the signing identity from the stored nonce.
func (p *Program) loadAuthority(ctx runtime.InvokeContext, recordKey types.Pubkey) (Authority, error) {
	want, _, err := AuthorityRecordAddress(p.id)
	if err != nil {
		return Authority{}, err
	}
	if recordKey != want {
		return Authority{}, fmt.Errorf("%w: authority record %s, want %s", ErrSeedsConstraint, recordKey, want)
	}

	acc, err := ctx.Account(recordKey)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return Authority{}, ErrAuthorityNotInitialized
	}
	if err != nil {
		return Authority{}, err
	}
	if acc.Owner != p.id {
		return Authority{}, ErrAccountOwnedByWrongProgram
	}
	record, err := UnmarshalAuthorityRecord(acc.Data)
	if err != nil {
		return Authority{}, err
	}
	if !record.Initialized || !record.SignerCapable {
		return Authority{}, ErrAuthorityNotInitialized
	}
	return DeriveAuthority(p.id, record.Nonce)
}

// checkTokenAccounts verifies the depositor token account and the pool:
// both sit at their derived addresses, are token accounts of mint, and the
// pool is controlled by the authority.
func (p *Program) checkTokenAccounts(ctx runtime.InvokeContext, auth Authority, depositor, depositorTokenKey, poolKey, mint types.Pubkey) error {
	wantDepositor, err := DepositorAddress(depositor, mint)
	if err != nil {
		return err
	}
	if depositorTokenKey != wantDepositor {
		return fmt.Errorf("%w: depositor token account %s, want %s", ErrSeedsConstraint, depositorTokenKey, wantDepositor)
	}
	wantPool, err := auth.PoolAddress(mint)
	if err != nil {
		return err
	}
	if poolKey != wantPool {
		return fmt.Errorf("%w: pool %s, want %s", ErrSeedsConstraint, poolKey, wantPool)
	}

	depositorToken, err := loadTokenAccount(ctx, depositorTokenKey)
	if err != nil {
		return fmt.Errorf("depositor token account: %w", err)
	}
	pool, err := loadTokenAccount(ctx, poolKey)
	if err != nil {
		return fmt.Errorf("pool: %w", err)
	}

	if depositorToken.Mint != pool.Mint || depositorToken.Mint != mint {
		return fmt.Errorf("%w: depositor %s, pool %s, mint %s", ErrAssetMismatch, depositorToken.Mint, pool.Mint, mint)
	}
	if pool.Owner != auth.Identity {
		return fmt.Errorf("%w: pool owner %s", ErrPoolAuthorityMismatch, pool.Owner)
	}
	return nil
}

func (p *Program) loadLedger(ctx runtime.InvokeContext, auth Authority, depositor, mint, ledgerKey types.Pubkey) (*LedgerRecord, error) {
	want, err := auth.LedgerAddress(depositor, mint)
	if err != nil {
		return nil, err
	}
	if ledgerKey != want {
		return nil, fmt.Errorf("%w: ledger %s, want %s", ErrSeedsConstraint, ledgerKey, want)
	}

	acc, err := ctx.Account(ledgerKey)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return nil, ErrLedgerNotInitialized
	}
	if err != nil {
		return nil, err
	}
	if acc.Owner != p.id {
		return nil, ErrAccountOwnedByWrongProgram
	}
	record, err := UnmarshalLedgerRecord(acc.Data)
	if err != nil {
		return nil, err
	}
	if record.Depositor != depositor || record.Authority != auth.Identity {
		return nil, fmt.Errorf("%w: ledger %s records depositor %s, authority %s",
			ErrAccountDidNotDeserialize, ledgerKey, record.Depositor, record.Authority)
	}
	return record, nil
}

func loadTokenAccount(ctx runtime.InvokeContext, key types.Pubkey) (*token.Account, error) {
	acc, err := ctx.Account(key)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return nil, ErrAccountNotInitialized
	}
	if err != nil {
		return nil, err
	}
	if acc.Owner != types.TokenProgramAddr {
		return nil, ErrAccountOwnedByWrongProgram
	}
	ta, err := token.UnmarshalAccount(acc.Data)
	if err != nil || !ta.IsInitialized() {
		return nil, ErrAccountDidNotDeserialize
	}
	return ta, nil
}
