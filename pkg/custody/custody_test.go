package custody

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/accounts"
	"github.com/fortiblox/X1-Custody/pkg/runtime"
	"github.com/fortiblox/X1-Custody/pkg/token"
)

var (
	testMintKey = ed25519.NewKeyFromSeed(bytes.Repeat([]byte{0x4d}, ed25519.SeedSize))
	testMint    = pubkeyOf(testMintKey)
)

type harness struct {
	t    *testing.T
	db   *accounts.MemoryDB
	exec *runtime.Executor

	programID types.Pubkey
	payer     ed25519.PrivateKey
	mintAuth  ed25519.PrivateKey
	auth      Authority
}

func newKey(t *testing.T) (ed25519.PrivateKey, types.Pubkey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	return priv, types.PubkeyFromPublicKey(pub)
}

func pubkeyOf(k ed25519.PrivateKey) types.Pubkey {
	return types.PubkeyFromPublicKey(k.Public().(ed25519.PublicKey))
}

// newHarness boots an executor with the token and custody programs and a
// mint, without initializing the authority.
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	db := accounts.NewMemoryDB()
	exec, err := runtime.NewExecutor(db, runtime.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	programID := types.CustodyProgramAddr
	token.Install(exec)
	exec.Register(programID, NewProgram(programID, opts...))

	h := &harness{t: t, db: db, exec: exec, programID: programID}
	h.payer, _ = newKey(t)
	h.mintAuth, _ = newKey(t)
	h.mustSend([]ed25519.PrivateKey{testMintKey},
		token.NewInitializeMintInstruction(testMint, pubkeyOf(h.mintAuth), 6))
	return h
}

// newReadyHarness also initializes the authority with nonce and the pool
// for testMint.
func newReadyHarness(t *testing.T, nonce uint8, opts ...Option) *harness {
	t.Helper()
	h := newHarness(t, opts...)
	h.initAuthority(nonce)
	h.initPool(testMint)
	return h
}

func (h *harness) send(keys []ed25519.PrivateKey, ixs ...runtime.Instruction) *runtime.Result {
	h.t.Helper()
	tx := runtime.NewTransaction(ixs...)
	tx.RecentSequence = h.db.Sequence()
	if err := tx.Sign(keys...); err != nil {
		h.t.Fatalf("Sign: %v", err)
	}
	res, err := h.exec.Execute(context.Background(), tx)
	if err != nil {
		h.t.Fatalf("Execute: %v", err)
	}
	return res
}

func (h *harness) mustSend(keys []ed25519.PrivateKey, ixs ...runtime.Instruction) *runtime.Result {
	h.t.Helper()
	res := h.send(keys, ixs...)
	if !res.Success {
		h.t.Fatalf("transaction failed: %v\nlogs:\n%s", res.Err, strings.Join(res.Logs, "\n"))
	}
	return res
}

func (h *harness) must(ix runtime.Instruction, err error) runtime.Instruction {
	h.t.Helper()
	if err != nil {
		h.t.Fatalf("build instruction: %v", err)
	}
	return ix
}

func (h *harness) initAuthority(nonce uint8) *runtime.Result {
	h.t.Helper()
	res := h.send([]ed25519.PrivateKey{h.payer},
		h.must(NewInitializeAuthorityInstruction(h.programID, pubkeyOf(h.payer), nonce)))
	if res.Success {
		auth, err := DeriveAuthority(h.programID, nonce)
		if err != nil {
			h.t.Fatal(err)
		}
		h.auth = auth
	}
	return res
}

func (h *harness) initPool(mint types.Pubkey) *runtime.Result {
	h.t.Helper()
	return h.send([]ed25519.PrivateKey{h.payer},
		h.must(NewInitializePoolInstruction(h.auth, pubkeyOf(h.payer), mint)))
}

// newUser creates a depositor with a funded token account and a ledger
// record.
func (h *harness) newUser(funds uint64) ed25519.PrivateKey {
	h.t.Helper()
	key, _ := newKey(h.t)
	h.onboard(key, funds)
	return key
}

func (h *harness) onboard(key ed25519.PrivateKey, funds uint64) {
	h.t.Helper()
	user := pubkeyOf(key)
	ata, err := DepositorAddress(user, testMint)
	if err != nil {
		h.t.Fatal(err)
	}
	h.mustSend([]ed25519.PrivateKey{h.mintAuth},
		token.NewInitializeAssociatedAccountInstruction(ata, user, testMint),
		token.NewMintToInstruction(testMint, ata, pubkeyOf(h.mintAuth), funds),
	)
	h.mustSend([]ed25519.PrivateKey{key},
		h.must(NewInitializeLedgerRecordInstruction(h.auth, user, testMint)))
}

func (h *harness) deposit(key ed25519.PrivateKey, amount uint64) *runtime.Result {
	h.t.Helper()
	return h.send([]ed25519.PrivateKey{key},
		h.must(NewDepositInstruction(h.auth, pubkeyOf(key), testMint, amount)))
}

func (h *harness) withdraw(key ed25519.PrivateKey, amount uint64) *runtime.Result {
	h.t.Helper()
	return h.send([]ed25519.PrivateKey{key},
		h.must(NewWithdrawInstruction(h.auth, pubkeyOf(key), testMint, amount)))
}

func (h *harness) locked(key ed25519.PrivateKey) uint64 {
	h.t.Helper()
	rec, _, err := LoadLedgerRecord(h.db, h.programID, pubkeyOf(key), testMint)
	if err != nil {
		h.t.Fatalf("LoadLedgerRecord: %v", err)
	}
	return rec.Amount
}

func (h *harness) poolBalance() uint64 {
	h.t.Helper()
	pool, err := LoadPool(h.db, h.programID, testMint)
	if err != nil {
		h.t.Fatalf("LoadPool: %v", err)
	}
	return pool.Balance
}

func (h *harness) wallet(key ed25519.PrivateKey) uint64 {
	h.t.Helper()
	ata, _ := DepositorAddress(pubkeyOf(key), testMint)
	acc, err := h.db.GetAccount(ata)
	if err != nil {
		h.t.Fatalf("GetAccount: %v", err)
	}
	ta, err := token.UnmarshalAccount(acc.Data)
	if err != nil {
		h.t.Fatal(err)
	}
	return ta.Amount
}

func (h *harness) stateHash() types.Hash {
	h.t.Helper()
	hash, err := accounts.ComputeAccountsHash(h.db)
	if err != nil {
		h.t.Fatal(err)
	}
	return hash
}

func (h *harness) assertSolvent() {
	h.t.Helper()
	audit, err := AuditPool(h.db, h.programID, testMint)
	if err != nil {
		h.t.Fatalf("AuditPool: %v", err)
	}
	if !audit.Solvent {
		h.t.Fatalf("pool insolvent: locked %d, balance %d", audit.LockedTotal, audit.Pool.Balance)
	}
}

func expectError(t *testing.T, res *runtime.Result, want error) {
	t.Helper()
	if res.Success {
		t.Fatalf("expected %v, transaction succeeded", want)
	}
	if !errors.Is(res.Err, want) {
		t.Fatalf("got %v, want %v", res.Err, want)
	}
}

func TestLockedBalanceScenario(t *testing.T) {
	h := newHarness(t)
	h.mustSend([]ed25519.PrivateKey{h.payer},
		h.must(NewInitializeAuthorityInstruction(h.programID, pubkeyOf(h.payer), 7)))

	record, auth, err := LoadAuthority(h.db, h.programID)
	if err != nil {
		t.Fatalf("LoadAuthority: %v", err)
	}
	if !record.Initialized || !record.SignerCapable || record.Nonce != 7 {
		t.Fatalf("authority record: %+v", record)
	}
	if got := auth.Identity.String(); got != "y6cquprLEAfzfQPFphFUL6FmywNptJbJtfMeJKTMrWy" {
		t.Errorf("derived identity: got %s", got)
	}
	h.auth = auth

	if res := h.initPool(testMint); !res.Success {
		t.Fatalf("initialize pool: %v", res.Err)
	}
	pool, err := LoadPool(h.db, h.programID, testMint)
	if err != nil {
		t.Fatal(err)
	}
	if pool.Authority != auth.Identity || pool.Balance != 0 || pool.Mint != testMint {
		t.Fatalf("pool: %+v", pool)
	}

	user := h.newUser(1000)
	if h.locked(user) != 0 {
		t.Fatalf("new ledger record should be 0")
	}

	res := h.deposit(user, 100)
	if !res.Success {
		t.Fatalf("deposit: %v", res.Err)
	}
	if h.locked(user) != 100 || h.poolBalance() != 100 || h.wallet(user) != 900 {
		t.Fatalf("after deposit: locked %d pool %d wallet %d", h.locked(user), h.poolBalance(), h.wallet(user))
	}
	if !containsLog(res.Logs, "locked amount: 100") {
		t.Errorf("deposit logs missing locked total: %v", res.Logs)
	}

	before := h.stateHash()
	expectError(t, h.withdraw(user, 150), ErrAmountTooLarge)
	if h.stateHash() != before {
		t.Fatal("failed withdrawal changed state")
	}
	if h.locked(user) != 100 || h.poolBalance() != 100 {
		t.Fatalf("after rejected withdraw: locked %d pool %d", h.locked(user), h.poolBalance())
	}

	if res := h.withdraw(user, 100); !res.Success {
		t.Fatalf("withdraw: %v", res.Err)
	}
	if h.locked(user) != 0 || h.poolBalance() != 0 || h.wallet(user) != 1000 {
		t.Fatalf("after withdraw: locked %d pool %d wallet %d", h.locked(user), h.poolBalance(), h.wallet(user))
	}
}

func TestInitializeAuthorityTwice(t *testing.T) {
	h := newHarness(t)
	if res := h.initAuthority(7); !res.Success {
		t.Fatalf("first initialize: %v", res.Err)
	}
	before := h.stateHash()

	// 255 does not derive a signer, but the existing record is reported
	// first.
	for _, nonce := range []uint8{7, 254, 255} {
		expectError(t, h.initAuthority(nonce), ErrAlreadyInitialized)
	}
	if h.stateHash() != before {
		t.Error("repeated initialization changed state")
	}
	record, _, _ := LoadAuthority(h.db, h.programID)
	if record.Nonce != 7 {
		t.Errorf("nonce overwritten: %d", record.Nonce)
	}
}

func TestInitializeAuthorityInvalidNonce(t *testing.T) {
	h := newHarness(t)
	// sha256("signer" || 255 || program || marker) lands on the curve.
	expectError(t, h.initAuthority(255), ErrInvalidNonce)
	if _, _, err := LoadAuthority(h.db, h.programID); !errors.Is(err, ErrAuthorityNotInitialized) {
		t.Errorf("authority should not exist, got %v", err)
	}
}

func TestCanonicalAuthorityIdentityIsRecord(t *testing.T) {
	auth, err := CanonicalAuthority(types.CustodyProgramAddr)
	if err != nil {
		t.Fatal(err)
	}
	if auth.Identity != auth.Record {
		t.Errorf("canonical identity %s should equal record slot %s", auth.Identity, auth.Record)
	}
	if auth.Nonce != 254 {
		t.Errorf("canonical nonce: got %d, want 254", auth.Nonce)
	}

	h := newReadyHarness(t, auth.Nonce)
	user := h.newUser(50)
	if res := h.deposit(user, 50); !res.Success {
		t.Fatal(res.Err)
	}
	if res := h.withdraw(user, 50); !res.Success {
		t.Fatalf("withdraw with canonical nonce: %v", res.Err)
	}
}

func TestInitializePool(t *testing.T) {
	h := newHarness(t)
	h.auth, _ = DeriveAuthority(h.programID, 7)
	expectError(t, h.initPool(testMint), ErrAuthorityNotInitialized)

	h.initAuthority(7)
	if res := h.initPool(testMint); !res.Success {
		t.Fatalf("initialize pool: %v", res.Err)
	}
	expectError(t, h.initPool(testMint), ErrAlreadyInitialized)

	// The pool must sit at the authority's associated address.
	ix := h.must(NewInitializePoolInstruction(h.auth, pubkeyOf(h.payer), testMint))
	other, _ := token.AssociatedAddress(pubkeyOf(h.payer), testMint)
	ix.Accounts[2].Pubkey = other
	expectError(t, h.send([]ed25519.PrivateKey{h.payer}, ix), ErrSeedsConstraint)

	expectError(t, h.initPool(types.Pubkey{0x99}), ErrAssetMismatch)
}

func TestInitializeLedgerRecord(t *testing.T) {
	h := newReadyHarness(t, 7)
	key := h.newUser(10)

	expectError(t, h.send([]ed25519.PrivateKey{key},
		h.must(NewInitializeLedgerRecordInstruction(h.auth, pubkeyOf(key), testMint))), ErrAlreadyInitialized)

	// No ledger without a depositor token account.
	stranger, strangerPK := newKey(t)
	expectError(t, h.send([]ed25519.PrivateKey{stranger},
		h.must(NewInitializeLedgerRecordInstruction(h.auth, strangerPK, testMint))), ErrAccountNotInitialized)

	// No ledger for a mint without a pool.
	otherMintKey, otherMint := newKey(t)
	ata, _ := DepositorAddress(strangerPK, otherMint)
	h.mustSend([]ed25519.PrivateKey{h.mintAuth, otherMintKey},
		token.NewInitializeMintInstruction(otherMint, pubkeyOf(h.mintAuth), 0),
		token.NewInitializeAssociatedAccountInstruction(ata, strangerPK, otherMint),
	)
	expectError(t, h.send([]ed25519.PrivateKey{stranger},
		h.must(NewInitializeLedgerRecordInstruction(h.auth, strangerPK, otherMint))), ErrAccountNotInitialized)
}

func TestAssetMismatch(t *testing.T) {
	h := newReadyHarness(t, 7)
	stranger, strangerPK := newKey(t)

	// A token account of another mint planted at the depositor's address.
	ata, _ := DepositorAddress(strangerPK, testMint)
	forged := &token.Account{Mint: types.Pubkey{0x66}, Owner: strangerPK, Amount: 500, State: token.AccountInitialized}
	h.db.SetAccount(ata, &accounts.Account{Owner: types.TokenProgramAddr, Data: forged.Marshal()})

	expectError(t, h.send([]ed25519.PrivateKey{stranger},
		h.must(NewInitializeLedgerRecordInstruction(h.auth, strangerPK, testMint))), ErrAssetMismatch)
}

func TestSlotsCannotBeTakenBeforeInitialization(t *testing.T) {
	h := newHarness(t)
	auth, err := DeriveAuthority(h.programID, 7)
	if err != nil {
		t.Fatal(err)
	}
	attacker, attackerPK := newKey(t)
	victim, victimPK := newKey(t)

	pool, _ := auth.PoolAddress(testMint)
	ledger, _ := auth.LedgerAddress(victimPK, testMint)
	ata, _ := DepositorAddress(victimPK, testMint)
	slots := []struct {
		name string
		key  types.Pubkey
	}{
		{"authority record", auth.Record},
		{"pool", pool},
		{"ledger record", ledger},
		{"depositor account", ata},
	}
	for _, slot := range slots {
		t.Run(slot.name, func(t *testing.T) {
			ix := token.NewInitializeMintInstruction(slot.key, attackerPK, 0)
			ix.Accounts[0].IsSigner = false
			expectError(t, h.send([]ed25519.PrivateKey{attacker}, ix), token.ErrMissingSignature)

			if slot.key == ata {
				return
			}
			ix = token.NewInitializeAssociatedAccountInstruction(slot.key, attackerPK, testMint)
			expectError(t, h.send([]ed25519.PrivateKey{attacker}, ix), token.ErrInvalidAssociatedAddress)
		})
	}
	for _, slot := range slots {
		if _, err := h.db.GetAccount(slot.key); !errors.Is(err, accounts.ErrAccountNotFound) {
			t.Errorf("%s created: %v", slot.name, err)
		}
	}

	if res := h.initAuthority(7); !res.Success {
		t.Fatalf("initialize authority: %v", res.Err)
	}
	if res := h.initPool(testMint); !res.Success {
		t.Fatalf("initialize pool: %v", res.Err)
	}
	h.onboard(victim, 40)
	if res := h.deposit(victim, 40); !res.Success {
		t.Fatalf("deposit: %v", res.Err)
	}
	if h.locked(victim) != 40 {
		t.Errorf("locked %d, want 40", h.locked(victim))
	}
}

func TestReplayedDepositRejected(t *testing.T) {
	h := newReadyHarness(t, 7)
	user := h.newUser(300)

	tx := runtime.NewTransaction(h.must(NewDepositInstruction(h.auth, pubkeyOf(user), testMint, 100)))
	tx.RecentSequence = h.db.Sequence()
	if err := tx.Sign(user); err != nil {
		t.Fatal(err)
	}
	res, err := h.exec.Execute(context.Background(), tx)
	if err != nil || !res.Success {
		t.Fatalf("deposit: %v %v", err, res)
	}
	seq := h.db.Sequence()

	raw := tx.Serialize()
	for i := 0; i < 3; i++ {
		copied, err := runtime.DeserializeTransaction(raw)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.exec.Execute(context.Background(), copied); !errors.Is(err, runtime.ErrAlreadyProcessed) {
			t.Fatalf("resubmission %d: got %v, want ErrAlreadyProcessed", i, err)
		}
	}
	if h.locked(user) != 100 || h.wallet(user) != 200 {
		t.Errorf("after replay: locked %d, wallet %d", h.locked(user), h.wallet(user))
	}
	if h.db.Sequence() != seq {
		t.Errorf("replay consumed sequence: %d, want %d", h.db.Sequence(), seq)
	}

	// The same deposit signed again over a newer sequence is a new message.
	if res := h.deposit(user, 100); !res.Success {
		t.Fatalf("second deposit: %v", res.Err)
	}
	if h.locked(user) != 200 {
		t.Errorf("locked %d, want 200", h.locked(user))
	}
}

func TestLedgerRecordMustNameDepositorAndAuthority(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*LedgerRecord)
	}{
		{"depositor", func(r *LedgerRecord) { r.Depositor = types.Pubkey{0x66} }},
		{"authority", func(r *LedgerRecord) { r.Authority = types.Pubkey{0x67} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newReadyHarness(t, 7)
			user := h.newUser(100)
			if res := h.deposit(user, 60); !res.Success {
				t.Fatal(res.Err)
			}

			rec, key, err := LoadLedgerRecord(h.db, h.programID, pubkeyOf(user), testMint)
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(rec)
			h.db.SetAccount(key, &accounts.Account{Owner: h.programID, Data: rec.Marshal()})

			expectError(t, h.deposit(user, 10), ErrAccountDidNotDeserialize)
			expectError(t, h.withdraw(user, 10), ErrAccountDidNotDeserialize)
			if h.wallet(user) != 40 || h.poolBalance() != 60 {
				t.Errorf("balances moved: wallet %d, pool %d", h.wallet(user), h.poolBalance())
			}
		})
	}
}

func TestDepositFailures(t *testing.T) {
	h := newReadyHarness(t, 7)
	user := h.newUser(100)

	before := h.stateHash()
	res := h.deposit(user, 101)
	expectError(t, res, ErrTransferFailed)
	if !errors.Is(res.Err, token.ErrInsufficientFunds) {
		t.Errorf("transfer failure should carry the token error, got %v", res.Err)
	}
	if h.stateHash() != before {
		t.Error("failed deposit changed state")
	}

	// Ledger record missing.
	key, pk := newKey(t)
	ata, _ := DepositorAddress(pk, testMint)
	h.mustSend([]ed25519.PrivateKey{h.mintAuth},
		token.NewInitializeAssociatedAccountInstruction(ata, pk, testMint),
		token.NewMintToInstruction(testMint, ata, pubkeyOf(h.mintAuth), 10),
	)
	expectError(t, h.deposit(key, 5), ErrLedgerNotInitialized)

	// Depositor signature flag cleared.
	ix := h.must(NewDepositInstruction(h.auth, pubkeyOf(user), testMint, 1))
	ix.Accounts[0].IsSigner = false
	expectError(t, h.send(nil, ix), ErrMissingSignature)
}

func TestDepositOverflow(t *testing.T) {
	h := newReadyHarness(t, 7)
	user := h.newUser(10)

	_, ledgerKey, err := LoadLedgerRecord(h.db, h.programID, pubkeyOf(user), testMint)
	if err != nil {
		t.Fatal(err)
	}
	rec := &LedgerRecord{Depositor: pubkeyOf(user), Authority: h.auth.Identity, Amount: ^uint64(0)}
	h.db.SetAccount(ledgerKey, &accounts.Account{Owner: h.programID, Data: rec.Marshal()})

	expectError(t, h.deposit(user, 1), ErrArithmeticOverflow)
	if h.wallet(user) != 10 {
		t.Error("overflowing deposit moved tokens")
	}
}

func TestWithdrawCannotTakeOthersFunds(t *testing.T) {
	h := newReadyHarness(t, 7)
	alice := h.newUser(100)
	bob := h.newUser(100)
	if res := h.deposit(alice, 100); !res.Success {
		t.Fatal(res.Err)
	}

	expectError(t, h.withdraw(bob, 1), ErrAmountTooLarge)

	// Bob signs a withdrawal pointed at Alice's ledger record.
	ix := h.must(NewWithdrawInstruction(h.auth, pubkeyOf(alice), testMint, 100))
	ix.Accounts[0] = runtime.Signer(pubkeyOf(bob), false)
	expectError(t, h.send([]ed25519.PrivateKey{bob}, ix), ErrSeedsConstraint)

	// A spoofed authority identity is rejected.
	ix = h.must(NewWithdrawInstruction(h.auth, pubkeyOf(alice), testMint, 100))
	spoof, spoofPK := newKey(t)
	ix.Accounts[2] = runtime.Signer(spoofPK, false)
	expectError(t, h.send([]ed25519.PrivateKey{alice, spoof}, ix), ErrSeedsConstraint)

	if h.locked(alice) != 100 || h.poolBalance() != 100 {
		t.Errorf("state changed: locked %d pool %d", h.locked(alice), h.poolBalance())
	}
}

func TestRoundTrip(t *testing.T) {
	h := newReadyHarness(t, 7)
	user := h.newUser(500)

	for _, d := range []uint64{1, 42, 457} {
		lockedBefore, walletBefore := h.locked(user), h.wallet(user)
		if res := h.deposit(user, d); !res.Success {
			t.Fatalf("deposit %d: %v", d, res.Err)
		}
		if res := h.withdraw(user, d); !res.Success {
			t.Fatalf("withdraw %d: %v", d, res.Err)
		}
		if h.locked(user) != lockedBefore || h.wallet(user) != walletBefore {
			t.Errorf("round trip %d: locked %d->%d wallet %d->%d",
				d, lockedBefore, h.locked(user), walletBefore, h.wallet(user))
		}
	}
}

// recordingTransferrer records calls and optionally fails them.
type recordingTransferrer struct {
	mu    sync.Mutex
	calls []transferCall
	fail  error
}

type transferCall struct {
	from, to types.Pubkey
	amount   uint64
	auth     token.Authorization
}

func (r *recordingTransferrer) Transfer(ctx runtime.InvokeContext, from, to types.Pubkey, amount uint64, auth token.Authorization) error {
	r.mu.Lock()
	r.calls = append(r.calls, transferCall{from, to, amount, auth})
	r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	return token.CPI{}.Transfer(ctx, from, to, amount, auth)
}

func TestTransferAuthorization(t *testing.T) {
	rec := &recordingTransferrer{}
	h := newReadyHarness(t, 7, WithTransferrer(rec))
	user := h.newUser(100)

	h.deposit(user, 60)
	h.withdraw(user, 20)

	if len(rec.calls) != 2 {
		t.Fatalf("got %d transfer calls, want 2", len(rec.calls))
	}
	dep, wd := rec.calls[0], rec.calls[1]
	if dep.auth.Authority != pubkeyOf(user) || dep.auth.SignerSeeds != nil {
		t.Errorf("deposit must be authorized by the depositor alone: %+v", dep.auth)
	}
	if wd.auth.Authority != h.auth.Identity {
		t.Errorf("withdraw authority: got %s, want %s", wd.auth.Authority, h.auth.Identity)
	}
	if len(wd.auth.SignerSeeds) != 2 || string(wd.auth.SignerSeeds[0]) != SignerLabel || wd.auth.SignerSeeds[1][0] != 7 {
		t.Errorf("withdraw signer seeds: %q", wd.auth.SignerSeeds)
	}
	if wd.from != dep.to || wd.to != dep.from {
		t.Error("withdraw should reverse the deposit's accounts")
	}
}

func TestTransferFailureLeavesLedger(t *testing.T) {
	rec := &recordingTransferrer{}
	h := newReadyHarness(t, 7, WithTransferrer(rec))
	user := h.newUser(100)
	if res := h.deposit(user, 40); !res.Success {
		t.Fatal(res.Err)
	}

	rec.fail = errors.New("collaborator offline")
	expectError(t, h.deposit(user, 10), ErrTransferFailed)
	expectError(t, h.withdraw(user, 10), ErrTransferFailed)
	if h.locked(user) != 40 || h.poolBalance() != 40 {
		t.Errorf("state changed: locked %d pool %d", h.locked(user), h.poolBalance())
	}
}

func TestZeroAmountIsNoOp(t *testing.T) {
	rec := &recordingTransferrer{}
	h := newReadyHarness(t, 7, WithTransferrer(rec))
	user := h.newUser(100)
	h.deposit(user, 30)
	calls := len(rec.calls)

	before := h.stateHash()
	for _, res := range []*runtime.Result{h.deposit(user, 0), h.withdraw(user, 0)} {
		if !res.Success {
			t.Fatalf("zero amount should succeed: %v", res.Err)
		}
		if !containsLog(res.Logs, "locked amount: 30") {
			t.Errorf("zero amount should still log the total: %v", res.Logs)
		}
	}
	if len(rec.calls) != calls {
		t.Error("zero amount should not invoke a transfer")
	}
	if h.stateHash() != before {
		t.Error("zero amount changed state")
	}
}

func TestInvariantUnderRandomOperations(t *testing.T) {
	h := newReadyHarness(t, 7)
	users := make([]ed25519.PrivateKey, 4)
	for i := range users {
		users[i] = h.newUser(1000)
	}
	deposited := make(map[int]uint64)

	rng := rand.New(rand.NewSource(1))
	for step := 0; step < 200; step++ {
		i := rng.Intn(len(users))
		amount := uint64(rng.Intn(300))
		beforeLocked, beforePool := h.locked(users[i]), h.poolBalance()

		if rng.Intn(2) == 0 {
			res := h.deposit(users[i], amount)
			if res.Success {
				deposited[i] += amount
				if h.locked(users[i]) != beforeLocked+amount || h.poolBalance() != beforePool+amount {
					t.Fatalf("step %d: deposit of %d not reflected", step, amount)
				}
			} else if !errors.Is(res.Err, ErrTransferFailed) {
				t.Fatalf("step %d: unexpected deposit error %v", step, res.Err)
			}
		} else {
			res := h.withdraw(users[i], amount)
			switch {
			case amount > beforeLocked:
				expectError(t, res, ErrAmountTooLarge)
			case !res.Success:
				t.Fatalf("step %d: withdraw %d of %d failed: %v", step, amount, beforeLocked, res.Err)
			case h.locked(users[i]) != beforeLocked-amount || h.poolBalance() != beforePool-amount:
				t.Fatalf("step %d: withdraw of %d not reflected", step, amount)
			}
		}

		if h.locked(users[i]) > deposited[i] {
			t.Fatalf("step %d: locked %d exceeds cumulative deposits %d", step, h.locked(users[i]), deposited[i])
		}
		h.assertSolvent()
	}

	audit, err := AuditPool(h.db, h.programID, testMint)
	if err != nil {
		t.Fatal(err)
	}
	if audit.Records != len(users) {
		t.Errorf("audit records: got %d, want %d", audit.Records, len(users))
	}
	if audit.LockedTotal != audit.Pool.Balance {
		t.Errorf("locked total %d should equal pool balance %d", audit.LockedTotal, audit.Pool.Balance)
	}
}

func TestConcurrentDeposits(t *testing.T) {
	h := newReadyHarness(t, 7)
	users := make([]ed25519.PrivateKey, 6)
	for i := range users {
		users[i] = h.newUser(100)
	}

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u ed25519.PrivateKey) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ix, err := NewDepositInstruction(h.auth, pubkeyOf(u), testMint, 5)
				if err != nil {
					t.Error(err)
					return
				}
				tx := runtime.NewTransaction(ix)
				tx.RecentSequence = h.db.Sequence()
				if err := tx.Sign(u); err != nil {
					t.Error(err)
					return
				}
				res, err := h.exec.Execute(context.Background(), tx)
				if err != nil || !res.Success {
					t.Errorf("deposit failed: %v %v", err, res)
					return
				}
			}
		}(u)
	}
	wg.Wait()

	if got, want := h.poolBalance(), uint64(len(users)*50); got != want {
		t.Errorf("pool balance: got %d, want %d", got, want)
	}
	for _, u := range users {
		if h.locked(u) != 50 {
			t.Errorf("locked: got %d, want 50", h.locked(u))
		}
	}
	h.assertSolvent()
}

func TestRecordLayouts(t *testing.T) {
	auth := &AuthorityRecord{Initialized: true, SignerCapable: true, Nonce: 7}
	data := auth.Marshal()
	if len(data) != 11 {
		t.Errorf("authority record size: got %d, want 11", len(data))
	}
	if data[8] != 1 || data[9] != 1 || data[10] != 7 {
		t.Errorf("authority record fields: %v", data[8:])
	}
	back, err := UnmarshalAuthorityRecord(data)
	if err != nil || *back != *auth {
		t.Errorf("authority round trip: %+v %v", back, err)
	}

	ledger := &LedgerRecord{Depositor: types.Pubkey{1}, Authority: types.Pubkey{2}, Amount: 0x0102}
	data = ledger.Marshal()
	if len(data) != 80 {
		t.Errorf("ledger record size: got %d, want 80", len(data))
	}
	if data[8] != 1 || data[40] != 2 || data[72] != 0x02 || data[73] != 0x01 {
		t.Errorf("ledger record layout wrong: %v", data)
	}
	if _, err := UnmarshalAuthorityRecord(data); !errors.Is(err, ErrAccountDidNotDeserialize) {
		t.Errorf("ledger bytes decoded as authority: %v", err)
	}
}

func TestDecodeInstruction(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		kind InstructionKind
		ok   bool
	}{
		{"short", []byte{1, 2, 3}, KindUnknown, false},
		{"unknown", make([]byte, 8), KindUnknown, false},
		{"authority", append(ixInitializeAuthority[:], 7), KindInitializeAuthority, true},
		{"authority missing nonce", ixInitializeAuthority[:], KindUnknown, false},
		{"deposit", amountArg(ixDeposit, 5), KindDeposit, true},
		{"withdraw short", amountArg(ixWithdraw, 5)[:12], KindUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, _, err := decodeInstruction(tt.data)
			if (err == nil) != tt.ok || kind != tt.kind {
				t.Errorf("got %v, %v", kind, err)
			}
		})
	}
}

func containsLog(logs []string, substr string) bool {
	for _, l := range logs {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
