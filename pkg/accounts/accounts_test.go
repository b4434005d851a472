package accounts

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fortiblox/X1-Custody/internal/types"
)

func TestAccountSerialization(t *testing.T) {
	account := &Account{
		Lamports:   1000000000,
		Data:       []byte("test data"),
		Owner:      types.TokenProgramAddr,
		Executable: false,
		RentEpoch:  100,
	}

	restored, err := DeserializeAccount(account.Serialize())
	if err != nil {
		t.Fatalf("Failed to deserialize: %v", err)
	}

	if restored.Lamports != account.Lamports {
		t.Errorf("Lamports mismatch: got %d, want %d", restored.Lamports, account.Lamports)
	}
	if !bytes.Equal(restored.Data, account.Data) {
		t.Errorf("Data mismatch: got %v, want %v", restored.Data, account.Data)
	}
	if restored.Owner != account.Owner {
		t.Errorf("Owner mismatch: got %v, want %v", restored.Owner, account.Owner)
	}
	if restored.RentEpoch != account.RentEpoch {
		t.Errorf("RentEpoch mismatch: got %d, want %d", restored.RentEpoch, account.RentEpoch)
	}
}

func TestDeserializeTruncated(t *testing.T) {
	data := (&Account{Data: []byte("abcdef")}).Serialize()
	if _, err := DeserializeAccount(data[:len(data)-1]); err != ErrInvalidData {
		t.Errorf("got %v, want ErrInvalidData", err)
	}
	if _, err := DeserializeAccount(nil); err != ErrInvalidData {
		t.Errorf("got %v, want ErrInvalidData", err)
	}
}

// exerciseDB runs the same checks against any DB implementation.
func exerciseDB(t *testing.T, db DB) {
	t.Helper()

	pubkey := types.TokenProgramAddr
	account := &Account{
		Data:  []byte("account data"),
		Owner: types.CustodyProgramAddr,
	}

	if _, err := db.GetAccount(pubkey); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("GetAccount on empty db: got %v, want ErrAccountNotFound", err)
	}

	if err := db.SetAccount(pubkey, account); err != nil {
		t.Fatalf("SetAccount failed: %v", err)
	}

	exists, err := db.HasAccount(pubkey)
	if err != nil {
		t.Fatalf("HasAccount failed: %v", err)
	}
	if !exists {
		t.Error("Account should exist")
	}

	retrieved, err := db.GetAccount(pubkey)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if !bytes.Equal(retrieved.Data, account.Data) || retrieved.Owner != account.Owner {
		t.Errorf("Retrieved account mismatch")
	}

	count, err := db.AccountsCount()
	if err != nil {
		t.Fatalf("AccountsCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("AccountsCount: got %d, want 1", count)
	}

	// Batch: update one, create one, delete the first.
	other := types.AssociatedTokenProgramAddr
	err = db.SetAccounts([]AccountEntry{
		{Pubkey: other, Account: &Account{Data: []byte("other"), Owner: types.TokenProgramAddr}},
		{Pubkey: pubkey, Account: nil},
	})
	if err != nil {
		t.Fatalf("SetAccounts failed: %v", err)
	}
	if exists, _ := db.HasAccount(pubkey); exists {
		t.Error("Account should be deleted by nil batch entry")
	}
	if exists, _ := db.HasAccount(other); !exists {
		t.Error("Batch-created account should exist")
	}
	if count, _ := db.AccountsCount(); count != 1 {
		t.Errorf("AccountsCount after batch: got %d, want 1", count)
	}

	// Iteration is ordered.
	_ = db.SetAccount(types.Pubkey{0xff}, &Account{Data: []byte{1}})
	_ = db.SetAccount(types.Pubkey{0x01}, &Account{Data: []byte{2}})
	var seen []types.Pubkey
	err = db.IterateAccounts(func(pk types.Pubkey, _ *Account) error {
		seen = append(seen, pk)
		return nil
	})
	if err != nil {
		t.Fatalf("IterateAccounts failed: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("IterateAccounts: got %d accounts, want 3", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i-1].Compare(seen[i]) >= 0 {
			t.Errorf("IterateAccounts not sorted at %d", i)
		}
	}

	if err := db.SetSequence(42); err != nil {
		t.Fatalf("SetSequence failed: %v", err)
	}
	if db.Sequence() != 42 {
		t.Errorf("Sequence: got %d, want 42", db.Sequence())
	}
	if err := db.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestMemoryDB(t *testing.T) {
	db := NewMemoryDB()
	defer db.Close()
	exerciseDB(t, db)
}

func TestMemoryDBClosed(t *testing.T) {
	db := NewMemoryDB()
	db.Close()
	if _, err := db.GetAccount(types.Pubkey{}); err != ErrClosed {
		t.Errorf("got %v, want ErrClosed", err)
	}
	if err := db.SetAccounts(nil); err != ErrClosed {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestBadgerDB(t *testing.T) {
	cfg := DefaultBadgerDBConfig(t.TempDir())
	db, err := NewBadgerDB(cfg)
	if err != nil {
		t.Fatalf("NewBadgerDB failed: %v", err)
	}
	defer db.Close()
	exerciseDB(t, db)
}

func TestBadgerDBReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := NewBadgerDB(DefaultBadgerDBConfig(dir))
	if err != nil {
		t.Fatalf("NewBadgerDB failed: %v", err)
	}
	pk := types.Pubkey{7}
	if err := db.SetAccount(pk, &Account{Data: []byte("persist")}); err != nil {
		t.Fatal(err)
	}
	db.SetSequence(9)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err = NewBadgerDB(DefaultBadgerDBConfig(dir))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	acc, err := db.GetAccount(pk)
	if err != nil {
		t.Fatalf("GetAccount after reopen: %v", err)
	}
	if string(acc.Data) != "persist" {
		t.Errorf("data after reopen: got %q", acc.Data)
	}
	if db.Sequence() != 9 {
		t.Errorf("sequence after reopen: got %d, want 9", db.Sequence())
	}
	if count, _ := db.AccountsCount(); count != 1 {
		t.Errorf("count after reopen: got %d, want 1", count)
	}
}

func TestAccountHash(t *testing.T) {
	account := &Account{
		Data:  []byte("test"),
		Owner: types.TokenProgramAddr,
	}

	hash1 := ComputeAccountHash(types.CustodyProgramAddr, account)
	hash2 := ComputeAccountHash(types.CustodyProgramAddr, account)
	if hash1 != hash2 {
		t.Error("Same account should produce same hash")
	}

	account.Data = []byte("tesu")
	if hash1 == ComputeAccountHash(types.CustodyProgramAddr, account) {
		t.Error("Different account should produce different hash")
	}
}

func TestMerkleRoot(t *testing.T) {
	if !ComputeMerkleRoot(nil).IsZero() {
		t.Error("Empty merkle root should be zero")
	}

	h1 := types.Hash{1}
	h2 := types.Hash{2}
	h3 := types.Hash{3}

	if ComputeMerkleRoot([]types.Hash{h1}).IsZero() {
		t.Error("Single element merkle root should not be zero")
	}

	root := ComputeMerkleRoot([]types.Hash{h1, h2, h3})
	if root == ComputeMerkleRoot([]types.Hash{h3, h2, h1}) {
		t.Error("Different order should produce different merkle root")
	}
}

func TestComputeAccountsHash(t *testing.T) {
	a := NewMemoryDB()
	b := NewMemoryDB()
	defer a.Close()
	defer b.Close()

	for i := byte(1); i <= 5; i++ {
		acc := &Account{Data: []byte{i, i}}
		a.SetAccount(types.Pubkey{i}, acc)
	}
	// Insert in reverse order; the hash must not depend on insertion order.
	for i := byte(5); i >= 1; i-- {
		b.SetAccount(types.Pubkey{i}, &Account{Data: []byte{i, i}})
	}

	ha, err := ComputeAccountsHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := ComputeAccountsHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Error("accounts hash should be independent of insertion order")
	}
}

func TestAccountClone(t *testing.T) {
	original := &Account{
		Lamports:   1000,
		Data:       []byte("original"),
		Owner:      types.TokenProgramAddr,
		Executable: true,
		RentEpoch:  5,
	}

	cloned := original.Clone()
	original.Data[0] = 'X'
	if cloned.Data[0] == 'X' {
		t.Error("Clone data should be independent")
	}

	var nilAccount *Account
	if nilAccount.Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}
