// Package grpcapi serves the custody.v1.Custody gRPC service.
//
// Messages are plain Go structs carried by a JSON codec registered under
// the "json" content subtype. Clients must call with
// grpc.CallContentSubtype(CodecName); Client does this.
package grpcapi

import (
	"github.com/fortiblox/X1-Custody/internal/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "custody.v1.Custody"

// Trailer keys set on failed SendTransaction calls.
const (
	TrailerErrorCode = "custody-error-code"
	TrailerErrorName = "custody-error-name"
	TrailerID        = "custody-tx-id"
	TrailerSequence  = "custody-tx-sequence"
)

// SendTransactionRequest carries a serialized, signed transaction.
type SendTransactionRequest struct {
	Transaction []byte `json:"transaction"`
}

// SendTransactionResponse describes a committed transaction.
type SendTransactionResponse struct {
	ID       types.Hash `json:"id"`
	Sequence uint64     `json:"sequence"`
	Logs     []string   `json:"logs"`
}

// GetLockedBalanceRequest selects a ledger record.
type GetLockedBalanceRequest struct {
	Depositor types.Pubkey `json:"depositor"`
	Mint      types.Pubkey `json:"mint"`
}

// LockedBalance is a depositor's ledger record.
type LockedBalance struct {
	Address   types.Pubkey `json:"address"`
	Depositor types.Pubkey `json:"depositor"`
	Authority types.Pubkey `json:"authority"`
	Amount    uint64       `json:"amount"`
}

// GetPoolRequest selects a pool by mint.
type GetPoolRequest struct {
	Mint types.Pubkey `json:"mint"`
}

// Pool is a pool token account.
type Pool struct {
	Address   types.Pubkey `json:"address"`
	Mint      types.Pubkey `json:"mint"`
	Authority types.Pubkey `json:"authority"`
	Balance   uint64       `json:"balance"`
}

// AuditPoolRequest selects the pool to audit.
type AuditPoolRequest struct {
	Mint types.Pubkey `json:"mint"`
}

// AuditPoolResponse reports a pool's solvency.
type AuditPoolResponse struct {
	Pool        Pool   `json:"pool"`
	LockedTotal uint64 `json:"lockedTotal"`
	Records     int    `json:"records"`
	Solvent     bool   `json:"solvent"`
}
