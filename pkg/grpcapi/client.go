package grpcapi

import (
	"context"

	"google.golang.org/grpc"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/runtime"
)

// Client calls the custody service over an existing connection.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps conn.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}, opts ...grpc.CallOption) error {
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

// SendTransaction submits a signed transaction. Pass grpc.Trailer to read
// the failure trailer.
func (c *Client) SendTransaction(ctx context.Context, tx *runtime.Transaction, opts ...grpc.CallOption) (*SendTransactionResponse, error) {
	out := new(SendTransactionResponse)
	if err := c.invoke(ctx, "SendTransaction", &SendTransactionRequest{Transaction: tx.Serialize()}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetLockedBalance reads a depositor's ledger record.
func (c *Client) GetLockedBalance(ctx context.Context, depositor, mint types.Pubkey) (*LockedBalance, error) {
	out := new(LockedBalance)
	if err := c.invoke(ctx, "GetLockedBalance", &GetLockedBalanceRequest{Depositor: depositor, Mint: mint}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPool reads the pool for mint.
func (c *Client) GetPool(ctx context.Context, mint types.Pubkey) (*Pool, error) {
	out := new(Pool)
	if err := c.invoke(ctx, "GetPool", &GetPoolRequest{Mint: mint}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AuditPool audits the pool for mint.
func (c *Client) AuditPool(ctx context.Context, mint types.Pubkey) (*AuditPoolResponse, error) {
	out := new(AuditPoolResponse)
	if err := c.invoke(ctx, "AuditPool", &AuditPoolRequest{Mint: mint}, out); err != nil {
		return nil, err
	}
	return out, nil
}
