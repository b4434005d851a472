package grpcapi

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/accounts"
	"github.com/fortiblox/X1-Custody/pkg/custody"
	"github.com/fortiblox/X1-Custody/pkg/custody/custodytest"
	"github.com/fortiblox/X1-Custody/pkg/runtime"
)

type testBackend struct {
	exec    *runtime.Executor
	db      *accounts.MemoryDB
	program types.Pubkey
}

func (b *testBackend) Submit(ctx context.Context, tx *runtime.Transaction) (*runtime.Result, error) {
	return b.exec.Execute(ctx, tx)
}

func (b *testBackend) Accounts() accounts.DB        { return b.db }
func (b *testBackend) CustodyProgram() types.Pubkey { return b.program }

// startServer serves a fresh deployment over an in-memory listener.
func startServer(t *testing.T) (*Client, *custodytest.Fixture) {
	t.Helper()
	db := accounts.NewMemoryDB()
	exec, err := runtime.NewExecutor(db, runtime.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	fx, err := custodytest.New(7)
	if err != nil {
		t.Fatal(err)
	}
	fx.Register(exec)
	fx.Recent = db.Sequence

	ln := bufconn.Listen(1 << 20)
	server := New(DefaultConfig(), &testBackend{exec: exec, db: db, program: fx.Program})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ln) }()

	conn, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return ln.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return NewClient(conn), fx
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustSend(t *testing.T, c *Client, tx *runtime.Transaction) *SendTransactionResponse {
	t.Helper()
	resp, err := c.SendTransaction(testContext(t), tx)
	if err != nil {
		t.Fatalf("SendTransaction: %v", err)
	}
	return resp
}

func ready(t *testing.T) (*Client, *custodytest.Fixture, ed25519.PrivateKey) {
	t.Helper()
	c, fx := startServer(t)
	setup, err := fx.Setup()
	if err != nil {
		t.Fatal(err)
	}
	user := custodytest.NewKey()
	onboard, err := fx.Onboard(user, 1000)
	if err != nil {
		t.Fatal(err)
	}
	for _, tx := range append(setup, onboard...) {
		mustSend(t, c, tx)
	}
	return c, fx, user
}

func TestLockedBalanceLifecycle(t *testing.T) {
	c, fx, user := ready(t)
	ctx := testContext(t)
	depositor := custodytest.PubkeyOf(user)

	deposit, _ := fx.Deposit(user, 100)
	resp := mustSend(t, c, deposit)
	if resp.ID != deposit.ID() || resp.Sequence == 0 {
		t.Errorf("unexpected response %+v", resp)
	}

	bal, err := c.GetLockedBalance(ctx, depositor, fx.Mint)
	if err != nil {
		t.Fatalf("GetLockedBalance: %v", err)
	}
	if bal.Amount != 100 || bal.Depositor != depositor || bal.Authority != fx.Auth.Identity {
		t.Errorf("unexpected balance %+v", bal)
	}

	pool, err := c.GetPool(ctx, fx.Mint)
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	if pool.Balance != 100 || pool.Mint != fx.Mint {
		t.Errorf("unexpected pool %+v", pool)
	}

	withdraw, _ := fx.Withdraw(user, 40)
	mustSend(t, c, withdraw)

	audit, err := c.AuditPool(ctx, fx.Mint)
	if err != nil {
		t.Fatalf("AuditPool: %v", err)
	}
	if !audit.Solvent || audit.LockedTotal != 60 || audit.Pool.Balance != 60 || audit.Records != 1 {
		t.Errorf("unexpected audit %+v", audit)
	}
}

func TestSendTransactionFailureTrailer(t *testing.T) {
	c, fx, user := ready(t)

	withdraw, _ := fx.Withdraw(user, 1)
	var trailer metadata.MD
	_, err := c.SendTransaction(testContext(t), withdraw, grpc.Trailer(&trailer))
	if status.Code(err) != codes.OutOfRange {
		t.Fatalf("got %v, want OutOfRange", err)
	}
	if got := trailer.Get(TrailerErrorName); len(got) != 1 || got[0] != "AmountTooLarge" {
		t.Errorf("error name trailer: %v", got)
	}
	want := strconv.FormatUint(uint64(custody.ErrAmountTooLarge.Code), 10)
	if got := trailer.Get(TrailerErrorCode); len(got) != 1 || got[0] != want {
		t.Errorf("error code trailer: %v, want %s", got, want)
	}
	if got := trailer.Get(TrailerID); len(got) != 1 || got[0] != withdraw.ID().String() {
		t.Errorf("id trailer: %v", got)
	}
}

func TestSendTransactionStatusCodes(t *testing.T) {
	c, fx, user := ready(t)

	setup, _ := fx.Setup()
	if _, err := c.SendTransaction(testContext(t), setup[1]); status.Code(err) != codes.AlreadyExists {
		t.Errorf("second authority init: got %v, want AlreadyExists", err)
	}

	tampered, _ := fx.Deposit(user, 1)
	tampered.Signatures[0][5] ^= 1
	if _, err := c.SendTransaction(testContext(t), tampered); status.Code(err) != codes.Unauthenticated {
		t.Errorf("tampered signature: got %v, want Unauthenticated", err)
	}

	deposit, _ := fx.Deposit(user, 2)
	mustSend(t, c, deposit)
	if _, err := c.SendTransaction(testContext(t), deposit); status.Code(err) != codes.AlreadyExists {
		t.Errorf("resubmitted deposit: got %v, want AlreadyExists", err)
	}

	if _, err := c.GetLockedBalance(testContext(t), types.Pubkey{0x42}, fx.Mint); status.Code(err) != codes.FailedPrecondition {
		t.Errorf("missing ledger: got %v, want FailedPrecondition", err)
	}
}

func TestMalformedTransaction(t *testing.T) {
	c, _ := startServer(t)
	out := new(SendTransactionResponse)
	err := c.invoke(testContext(t), "SendTransaction", &SendTransactionRequest{Transaction: []byte{1}}, out)
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("got %v, want InvalidArgument", err)
	}
}

func TestQueriesBeforeSetup(t *testing.T) {
	c, fx := startServer(t)
	if _, err := c.GetPool(testContext(t), fx.Mint); status.Code(err) != codes.FailedPrecondition {
		t.Errorf("GetPool: got %v, want FailedPrecondition", err)
	}
	if _, err := c.AuditPool(testContext(t), fx.Mint); status.Code(err) != codes.FailedPrecondition {
		t.Errorf("AuditPool: got %v, want FailedPrecondition", err)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{custody.ErrAlreadyInitialized, codes.AlreadyExists},
		{fmt.Errorf("instruction 0: %w", custody.ErrLedgerNotInitialized), codes.FailedPrecondition},
		{custody.ErrAmountTooLarge, codes.OutOfRange},
		{custody.ErrArithmeticOverflow, codes.OutOfRange},
		{fmt.Errorf("%w: insufficient funds", custody.ErrTransferFailed), codes.Aborted},
		{custody.ErrSeedsConstraint, codes.InvalidArgument},
		{custody.ErrAssetMismatch, codes.InvalidArgument},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			if got := StatusCode(tt.err); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Addr = ""
	if cfg.Validate() == nil {
		t.Error("empty address accepted")
	}
}
