package custody

import (
	"bytes"
	"encoding/binary"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/runtime"
)

// Instruction discriminators, sha256("global:<name>")[:8]. The names match
// the deployed program so existing clients keep working.
var (
	ixInitializeAuthority    = discriminator("global:initialize_program_signer")
	ixInitializePool         = discriminator("global:initialize_program_associate_token_account")
	ixInitializeLedgerRecord = discriminator("global:initialize_locked_token_account")
	ixDeposit                = discriminator("global:stake_token")
	ixWithdraw               = discriminator("global:unstake_token")
)

// InstructionKind identifies a decoded custody instruction.
type InstructionKind int

// Instruction kinds.
const (
	KindUnknown InstructionKind = iota
	KindInitializeAuthority
	KindInitializePool
	KindInitializeLedgerRecord
	KindDeposit
	KindWithdraw
)

var kindNames = map[InstructionKind]string{
	KindInitializeAuthority:    "InitializeAuthority",
	KindInitializePool:         "InitializePool",
	KindInitializeLedgerRecord: "InitializeLedgerRecord",
	KindDeposit:                "Deposit",
	KindWithdraw:               "Withdraw",
}

func (k InstructionKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// decodeInstruction splits instruction data into its kind and arguments.
func decodeInstruction(data []byte) (InstructionKind, []byte, error) {
	if len(data) < DiscriminatorSize {
		return KindUnknown, nil, ErrInvalidInstruction
	}
	disc, args := data[:DiscriminatorSize], data[DiscriminatorSize:]
	switch {
	case bytes.Equal(disc, ixInitializeAuthority[:]):
		if len(args) != 1 {
			return KindUnknown, nil, ErrInvalidInstruction
		}
		return KindInitializeAuthority, args, nil
	case bytes.Equal(disc, ixInitializePool[:]):
		return KindInitializePool, args, nil
	case bytes.Equal(disc, ixInitializeLedgerRecord[:]):
		return KindInitializeLedgerRecord, args, nil
	case bytes.Equal(disc, ixDeposit[:]):
		if len(args) != 8 {
			return KindUnknown, nil, ErrInvalidInstruction
		}
		return KindDeposit, args, nil
	case bytes.Equal(disc, ixWithdraw[:]):
		if len(args) != 8 {
			return KindUnknown, nil, ErrInvalidInstruction
		}
		return KindWithdraw, args, nil
	}
	return KindUnknown, nil, ErrInvalidInstruction
}

func amountArg(disc [DiscriminatorSize]byte, amount uint64) []byte {
	data := make([]byte, DiscriminatorSize+8)
	copy(data, disc[:])
	binary.LittleEndian.PutUint64(data[DiscriminatorSize:], amount)
	return data
}

// NewInitializeAuthorityInstruction creates the authority record.
//
// Accounts: [payer (signer, writable), authority record (writable)].
func NewInitializeAuthorityInstruction(programID, payer types.Pubkey, nonce uint8) (runtime.Instruction, error) {
	record, _, err := AuthorityRecordAddress(programID)
	if err != nil {
		return runtime.Instruction{}, err
	}
	data := append(append([]byte(nil), ixInitializeAuthority[:]...), nonce)
	return runtime.Instruction{
		ProgramID: programID,
		Accounts: []runtime.AccountMeta{
			runtime.Signer(payer, true),
			runtime.Writable(record),
		},
		Data: data,
	}, nil
}

// NewInitializePoolInstruction creates the pool token account for mint.
//
// Accounts: [payer (signer), authority record, pool (writable), mint].
func NewInitializePoolInstruction(auth Authority, payer, mint types.Pubkey) (runtime.Instruction, error) {
	pool, err := auth.PoolAddress(mint)
	if err != nil {
		return runtime.Instruction{}, err
	}
	return runtime.Instruction{
		ProgramID: auth.ProgramID,
		Accounts: []runtime.AccountMeta{
			runtime.Signer(payer, false),
			runtime.ReadOnly(auth.Record),
			runtime.Writable(pool),
			runtime.ReadOnly(mint),
		},
		Data: append([]byte(nil), ixInitializePool[:]...),
	}, nil
}

// NewInitializeLedgerRecordInstruction creates the depositor's ledger record.
//
// Accounts: [depositor (signer, writable), authority record,
// ledger (writable), depositor token account, pool, mint].
func NewInitializeLedgerRecordInstruction(auth Authority, depositor, mint types.Pubkey) (runtime.Instruction, error) {
	keys, err := resolve(auth, depositor, mint)
	if err != nil {
		return runtime.Instruction{}, err
	}
	return runtime.Instruction{
		ProgramID: auth.ProgramID,
		Accounts: []runtime.AccountMeta{
			runtime.Signer(depositor, true),
			runtime.ReadOnly(auth.Record),
			runtime.Writable(keys.ledger),
			runtime.ReadOnly(keys.depositorToken),
			runtime.ReadOnly(keys.pool),
			runtime.ReadOnly(mint),
		},
		Data: append([]byte(nil), ixInitializeLedgerRecord[:]...),
	}, nil
}

// NewDepositInstruction locks amount of the depositor's tokens in the pool.
//
// Accounts: [depositor (signer), authority record,
// depositor token account (writable), pool (writable), ledger (writable),
// mint].
func NewDepositInstruction(auth Authority, depositor, mint types.Pubkey, amount uint64) (runtime.Instruction, error) {
	keys, err := resolve(auth, depositor, mint)
	if err != nil {
		return runtime.Instruction{}, err
	}
	return runtime.Instruction{
		ProgramID: auth.ProgramID,
		Accounts: []runtime.AccountMeta{
			runtime.Signer(depositor, false),
			runtime.ReadOnly(auth.Record),
			runtime.Writable(keys.depositorToken),
			runtime.Writable(keys.pool),
			runtime.Writable(keys.ledger),
			runtime.ReadOnly(mint),
		},
		Data: amountArg(ixDeposit, amount),
	}, nil
}

// NewWithdrawInstruction releases amount of the depositor's locked tokens.
//
// Accounts: [depositor (signer), authority record, authority identity,
// depositor token account (writable), pool (writable), ledger (writable),
// mint].
func NewWithdrawInstruction(auth Authority, depositor, mint types.Pubkey, amount uint64) (runtime.Instruction, error) {
	keys, err := resolve(auth, depositor, mint)
	if err != nil {
		return runtime.Instruction{}, err
	}
	return runtime.Instruction{
		ProgramID: auth.ProgramID,
		Accounts: []runtime.AccountMeta{
			runtime.Signer(depositor, false),
			runtime.ReadOnly(auth.Record),
			runtime.ReadOnly(auth.Identity),
			runtime.Writable(keys.depositorToken),
			runtime.Writable(keys.pool),
			runtime.Writable(keys.ledger),
			runtime.ReadOnly(mint),
		},
		Data: amountArg(ixWithdraw, amount),
	}, nil
}

// derivedKeys are the addresses implied by (authority, depositor, mint).
type derivedKeys struct {
	depositorToken types.Pubkey
	pool           types.Pubkey
	ledger         types.Pubkey
}

func resolve(auth Authority, depositor, mint types.Pubkey) (derivedKeys, error) {
	var k derivedKeys
	var err error
	if k.depositorToken, err = DepositorAddress(depositor, mint); err != nil {
		return k, err
	}
	if k.pool, err = auth.PoolAddress(mint); err != nil {
		return k, err
	}
	if k.ledger, err = auth.LedgerAddress(depositor, mint); err != nil {
		return k, err
	}
	return k, nil
}
