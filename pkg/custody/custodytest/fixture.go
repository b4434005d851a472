// Package custodytest builds signed custody transactions for tests of the
// layers above the program (node, RPC, gRPC).
package custodytest

import (
	"bytes"
	"crypto/ed25519"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/custody"
	"github.com/fortiblox/X1-Custody/pkg/runtime"
	"github.com/fortiblox/X1-Custody/pkg/token"
)

// MintKey signs the creation of the asset every fixture pool holds.
var MintKey = ed25519.NewKeyFromSeed(bytes.Repeat([]byte{0x4d}, ed25519.SeedSize))

// Mint is the asset every fixture pool holds.
var Mint = PubkeyOf(MintKey)

// Fixture holds the keys of a custody deployment under test.
type Fixture struct {
	Program types.Pubkey
	Mint    types.Pubkey
	Nonce   uint8
	Auth    custody.Authority

	Payer         ed25519.PrivateKey
	MintKey       ed25519.PrivateKey
	MintAuthority ed25519.PrivateKey

	// Recent supplies the recent sequence of every built transaction. Nil
	// means 0, which only suits a ledger that has barely moved.
	Recent func() uint64
}

// NewKey generates an ed25519 key.
func NewKey() ed25519.PrivateKey {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	return priv
}

// PubkeyOf returns the public key of k.
func PubkeyOf(k ed25519.PrivateKey) types.Pubkey {
	return types.PubkeyFromPublicKey(k.Public().(ed25519.PublicKey))
}

// New creates a fixture for the custody program at types.CustodyProgramAddr
// whose authority uses nonce.
func New(nonce uint8) (*Fixture, error) {
	auth, err := custody.DeriveAuthority(types.CustodyProgramAddr, nonce)
	if err != nil {
		return nil, err
	}
	return &Fixture{
		Program:       types.CustodyProgramAddr,
		Mint:          Mint,
		Nonce:         nonce,
		Auth:          auth,
		Payer:         NewKey(),
		MintKey:       MintKey,
		MintAuthority: NewKey(),
	}, nil
}

// Register installs the token and custody programs on exec.
func (f *Fixture) Register(exec *runtime.Executor) {
	token.Install(exec)
	exec.Register(f.Program, custody.NewProgram(f.Program))
}

// Setup returns the transactions creating the mint, the authority and the
// pool, in order.
func (f *Fixture) Setup() ([]*runtime.Transaction, error) {
	initMint := token.NewInitializeMintInstruction(f.Mint, PubkeyOf(f.MintAuthority), 6)
	initAuth, err := custody.NewInitializeAuthorityInstruction(f.Program, PubkeyOf(f.Payer), f.Nonce)
	if err != nil {
		return nil, err
	}
	initPool, err := custody.NewInitializePoolInstruction(f.Auth, PubkeyOf(f.Payer), f.Mint)
	if err != nil {
		return nil, err
	}
	return f.signAll(
		signed{[]runtime.Instruction{initMint}, []ed25519.PrivateKey{f.MintKey}},
		signed{[]runtime.Instruction{initAuth}, []ed25519.PrivateKey{f.Payer}},
		signed{[]runtime.Instruction{initPool}, []ed25519.PrivateKey{f.Payer}},
	)
}

// Onboard returns the transactions giving user a token account holding
// funds and a ledger record.
func (f *Fixture) Onboard(user ed25519.PrivateKey, funds uint64) ([]*runtime.Transaction, error) {
	owner := PubkeyOf(user)
	ata, err := custody.DepositorAddress(owner, f.Mint)
	if err != nil {
		return nil, err
	}
	initLedger, err := custody.NewInitializeLedgerRecordInstruction(f.Auth, owner, f.Mint)
	if err != nil {
		return nil, err
	}
	return f.signAll(
		signed{[]runtime.Instruction{
			token.NewInitializeAssociatedAccountInstruction(ata, owner, f.Mint),
			token.NewMintToInstruction(f.Mint, ata, PubkeyOf(f.MintAuthority), funds),
		}, []ed25519.PrivateKey{f.MintAuthority}},
		signed{[]runtime.Instruction{initLedger}, []ed25519.PrivateKey{user}},
	)
}

// Deposit returns a signed deposit of amount by user.
func (f *Fixture) Deposit(user ed25519.PrivateKey, amount uint64) (*runtime.Transaction, error) {
	ix, err := custody.NewDepositInstruction(f.Auth, PubkeyOf(user), f.Mint, amount)
	if err != nil {
		return nil, err
	}
	return f.sign([]runtime.Instruction{ix}, user)
}

// Withdraw returns a signed withdrawal of amount by user.
func (f *Fixture) Withdraw(user ed25519.PrivateKey, amount uint64) (*runtime.Transaction, error) {
	ix, err := custody.NewWithdrawInstruction(f.Auth, PubkeyOf(user), f.Mint, amount)
	if err != nil {
		return nil, err
	}
	return f.sign([]runtime.Instruction{ix}, user)
}

type signed struct {
	ixs  []runtime.Instruction
	keys []ed25519.PrivateKey
}

func (f *Fixture) signAll(batch ...signed) ([]*runtime.Transaction, error) {
	txs := make([]*runtime.Transaction, 0, len(batch))
	for _, b := range batch {
		tx, err := f.sign(b.ixs, b.keys...)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (f *Fixture) sign(ixs []runtime.Instruction, keys ...ed25519.PrivateKey) (*runtime.Transaction, error) {
	tx := runtime.NewTransaction(ixs...)
	if f.Recent != nil {
		tx.RecentSequence = f.Recent()
	}
	if err := tx.Sign(keys...); err != nil {
		return nil, err
	}
	return tx, nil
}
