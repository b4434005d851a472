package token

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/accounts"
	"github.com/fortiblox/X1-Custody/pkg/runtime"
)

type fixture struct {
	t    *testing.T
	db   *accounts.MemoryDB
	exec *runtime.Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := accounts.NewMemoryDB()
	cfg := runtime.DefaultConfig()
	cfg.SkipSignatureVerification = true
	exec, err := runtime.NewExecutor(db, cfg)
	if err != nil {
		t.Fatal(err)
	}
	Install(exec)
	return &fixture{t: t, db: db, exec: exec}
}

func (f *fixture) run(ixs ...runtime.Instruction) *runtime.Result {
	f.t.Helper()
	tx := runtime.NewTransaction(ixs...)
	tx.RecentSequence = f.db.Sequence()
	res, err := f.exec.Execute(context.Background(), tx)
	if err != nil {
		f.t.Fatalf("Execute: %v", err)
	}
	return res
}

func (f *fixture) mustRun(ixs ...runtime.Instruction) {
	f.t.Helper()
	if res := f.run(ixs...); !res.Success {
		f.t.Fatalf("transaction failed: %v\nlogs: %v", res.Err, res.Logs)
	}
}

func (f *fixture) balance(pk types.Pubkey) uint64 {
	f.t.Helper()
	acc, err := f.db.GetAccount(pk)
	if err != nil {
		f.t.Fatalf("GetAccount(%s): %v", pk, err)
	}
	ta, err := UnmarshalAccount(acc.Data)
	if err != nil {
		f.t.Fatal(err)
	}
	return ta.Amount
}

// setup creates a mint and funded associated accounts for alice and bob.
func (f *fixture) setup(mint, authority, alice, bob types.Pubkey) (aliceATA, bobATA types.Pubkey) {
	f.t.Helper()
	var err error
	if aliceATA, err = AssociatedAddress(alice, mint); err != nil {
		f.t.Fatal(err)
	}
	if bobATA, err = AssociatedAddress(bob, mint); err != nil {
		f.t.Fatal(err)
	}
	f.mustRun(
		NewInitializeMintInstruction(mint, authority, 6),
		NewInitializeAssociatedAccountInstruction(aliceATA, alice, mint),
		NewInitializeAssociatedAccountInstruction(bobATA, bob, mint),
		NewMintToInstruction(mint, aliceATA, authority, 1000),
	)
	return aliceATA, bobATA
}

func TestLayoutSizes(t *testing.T) {
	auth := types.Pubkey{9}
	native := uint64(5)
	m := &Mint{MintAuthority: &auth, Supply: 77, Decimals: 9, IsInitialized: true}
	if len(m.Marshal()) != MintSize {
		t.Errorf("mint size: got %d, want %d", len(m.Marshal()), MintSize)
	}
	decoded, err := UnmarshalMint(m.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if *decoded.MintAuthority != auth || decoded.Supply != 77 || decoded.FreezeAuthority != nil {
		t.Errorf("mint decoded wrong: %+v", decoded)
	}

	a := &Account{Mint: types.Pubkey{1}, Owner: types.Pubkey{2}, Amount: 3, State: AccountInitialized, IsNative: &native}
	data := a.Marshal()
	if len(data) != AccountSize {
		t.Errorf("account size: got %d, want %d", len(data), AccountSize)
	}
	back, err := UnmarshalAccount(data)
	if err != nil {
		t.Fatal(err)
	}
	if back.Mint != a.Mint || back.Owner != a.Owner || back.Amount != 3 || back.Delegate != nil || *back.IsNative != 5 {
		t.Errorf("account decoded wrong: %+v", back)
	}

	if _, err := UnmarshalAccount(data[:100]); err == nil {
		t.Error("short account data should fail")
	}
}

func TestMintAndTransfer(t *testing.T) {
	f := newFixture(t)
	mint, authority := types.Pubkey{0x4d}, types.Pubkey{0xaa}
	alice, bob := types.Pubkey{0xa1}, types.Pubkey{0xb0}
	aliceATA, bobATA := f.setup(mint, authority, alice, bob)

	if got := f.balance(aliceATA); got != 1000 {
		t.Fatalf("alice balance: got %d, want 1000", got)
	}

	f.mustRun(NewTransferInstruction(aliceATA, bobATA, alice, 400))
	if f.balance(aliceATA) != 600 || f.balance(bobATA) != 400 {
		t.Errorf("after transfer: alice %d bob %d", f.balance(aliceATA), f.balance(bobATA))
	}

	acc, _ := f.db.GetAccount(mint)
	m, _ := UnmarshalMint(acc.Data)
	if m.Supply != 1000 {
		t.Errorf("supply: got %d, want 1000", m.Supply)
	}
}

func TestTransferErrors(t *testing.T) {
	f := newFixture(t)
	mint, authority := types.Pubkey{0x4d}, types.Pubkey{0xaa}
	alice, bob := types.Pubkey{0xa1}, types.Pubkey{0xb0}
	aliceATA, bobATA := f.setup(mint, authority, alice, bob)

	otherMint := types.Pubkey{0x4e}
	otherATA, _ := AssociatedAddress(bob, otherMint)
	f.mustRun(
		NewInitializeMintInstruction(otherMint, authority, 0),
		NewInitializeAssociatedAccountInstruction(otherATA, bob, otherMint),
	)

	unsigned := NewTransferInstruction(aliceATA, bobATA, alice, 1)
	unsigned.Accounts[2].IsSigner = false

	tests := []struct {
		name string
		ix   runtime.Instruction
		want error
	}{
		{"insufficient funds", NewTransferInstruction(aliceATA, bobATA, alice, 1001), ErrInsufficientFunds},
		{"wrong owner", NewTransferInstruction(aliceATA, bobATA, bob, 1), ErrOwnerMismatch},
		{"mint mismatch", NewTransferInstruction(aliceATA, otherATA, alice, 1), ErrMintMismatch},
		{"missing signature", unsigned, ErrMissingSignature},
		{"uninitialized destination", NewTransferInstruction(aliceATA, types.Pubkey{0x77}, alice, 1), ErrUninitializedAccount},
		{"mint authority", NewMintToInstruction(mint, aliceATA, alice, 1), ErrOwnerMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.run(tt.ix)
			if res.Success {
				t.Fatal("expected failure")
			}
			if !errors.Is(res.Err, tt.want) {
				t.Errorf("got %v, want %v", res.Err, tt.want)
			}
		})
	}

	if f.balance(aliceATA) != 1000 || f.balance(bobATA) != 0 {
		t.Errorf("failed transfers moved funds: alice %d bob %d", f.balance(aliceATA), f.balance(bobATA))
	}
}

func TestAssociatedAccountRules(t *testing.T) {
	f := newFixture(t)
	mint, authority, owner := types.Pubkey{0x4d}, types.Pubkey{0xaa}, types.Pubkey{0xa1}
	f.mustRun(NewInitializeMintInstruction(mint, authority, 0))

	res := f.run(NewInitializeAssociatedAccountInstruction(types.Pubkey{0x01}, owner, mint))
	if !errors.Is(res.Err, ErrInvalidAssociatedAddress) {
		t.Errorf("wrong address: got %v, want ErrInvalidAssociatedAddress", res.Err)
	}

	ata, _ := AssociatedAddress(owner, mint)
	f.mustRun(NewInitializeAssociatedAccountInstruction(ata, owner, mint))
	res = f.run(NewInitializeAssociatedAccountInstruction(ata, owner, mint))
	if !errors.Is(res.Err, runtime.ErrAccountAlreadyInUse) {
		t.Errorf("duplicate: got %v, want ErrAccountAlreadyInUse", res.Err)
	}

	noMint := types.Pubkey{0x5e}
	ata2, _ := AssociatedAddress(owner, noMint)
	res = f.run(NewInitializeAssociatedAccountInstruction(ata2, owner, noMint))
	if !errors.Is(res.Err, ErrUninitializedAccount) {
		t.Errorf("missing mint: got %v, want ErrUninitializedAccount", res.Err)
	}
}

func TestAssociatedAddressDependsOnOwnerAndMint(t *testing.T) {
	a, err := AssociatedAddress(types.Pubkey{1}, types.Pubkey{2})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := AssociatedAddress(types.Pubkey{2}, types.Pubkey{1})
	c, _ := AssociatedAddress(types.Pubkey{1}, types.Pubkey{2})
	if a == b {
		t.Error("swapping owner and mint should change the address")
	}
	if a != c {
		t.Error("derivation should be deterministic")
	}
}

func TestInitializeMintRequiresMintSignature(t *testing.T) {
	f := newFixture(t)
	ix := NewInitializeMintInstruction(types.Pubkey{0x4d}, types.Pubkey{0xaa}, 0)
	ix.Accounts[0].IsSigner = false
	res := f.run(ix)
	if !errors.Is(res.Err, ErrMissingSignature) {
		t.Errorf("unsigned mint: got %v, want ErrMissingSignature", res.Err)
	}
	if _, err := f.db.GetAccount(types.Pubkey{0x4d}); !errors.Is(err, accounts.ErrAccountNotFound) {
		t.Errorf("unsigned mint was created: %v", err)
	}
}

func TestAssociatedAddressCannotHoldMint(t *testing.T) {
	db := accounts.NewMemoryDB()
	exec, err := runtime.NewExecutor(db, runtime.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	Install(exec)
	send := func(ix runtime.Instruction, keys ...ed25519.PrivateKey) (*runtime.Result, error) {
		tx := runtime.NewTransaction(ix)
		tx.RecentSequence = db.Sequence()
		if err := tx.Sign(keys...); err != nil {
			return nil, err
		}
		return exec.Execute(context.Background(), tx)
	}
	newKey := func() (ed25519.PrivateKey, types.Pubkey) {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatal(err)
		}
		return priv, types.PubkeyFromPublicKey(pub)
	}

	mintKey, mint := newKey()
	_, authority := newKey()
	_, victim := newKey()
	attacker, attackerPK := newKey()
	if res, err := send(NewInitializeMintInstruction(mint, authority, 6), mintKey); err != nil || !res.Success {
		t.Fatalf("create mint: %v %v", err, res)
	}

	ata, err := AssociatedAddress(victim, mint)
	if err != nil {
		t.Fatal(err)
	}
	plant := NewInitializeMintInstruction(ata, attackerPK, 0)
	if _, err := send(plant, attacker); !errors.Is(err, runtime.ErrMissingSigningKey) {
		t.Errorf("signing for the associated address: got %v, want ErrMissingSigningKey", err)
	}
	plant.Accounts[0].IsSigner = false
	res, err := send(plant, attacker)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("mint planted at an associated address")
	}

	res, err = send(NewInitializeAssociatedAccountInstruction(ata, victim, mint))
	if err != nil || !res.Success {
		t.Fatalf("victim account creation: %v %v", err, res)
	}
	acc, _ := db.GetAccount(ata)
	ta, err := UnmarshalAccount(acc.Data)
	if err != nil || ta.Owner != victim || ta.Mint != mint {
		t.Errorf("associated account: %+v %v", ta, err)
	}
}
