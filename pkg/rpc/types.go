package rpc

import (
	"encoding/json"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Context carries the state position a response was read at.
type Context struct {
	Sequence uint64 `json:"sequence"`
}

// ResponseWithContext wraps a value with context.
type ResponseWithContext struct {
	Context Context     `json:"context"`
	Value   interface{} `json:"value"`
}

// Encoding types for account and transaction data.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// DataSlice specifies a portion of account data to return.
type DataSlice struct {
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

// AccountInfoConfig configures getAccountInfo and getMultipleAccounts.
type AccountInfoConfig struct {
	Encoding  Encoding   `json:"encoding,omitempty"`
	DataSlice *DataSlice `json:"dataSlice,omitempty"`
}

// ProgramAccountsConfig configures getProgramAccounts requests.
type ProgramAccountsConfig struct {
	Encoding    Encoding               `json:"encoding,omitempty"`
	DataSlice   *DataSlice             `json:"dataSlice,omitempty"`
	Filters     []ProgramAccountFilter `json:"filters,omitempty"`
	WithContext bool                   `json:"withContext,omitempty"`
}

// ProgramAccountFilter filters program accounts.
type ProgramAccountFilter struct {
	Memcmp   *MemcmpFilter `json:"memcmp,omitempty"`
	DataSize *uint64       `json:"dataSize,omitempty"`
}

// MemcmpFilter matches account data at an offset.
type MemcmpFilter struct {
	Offset   uint64   `json:"offset"`
	Bytes    string   `json:"bytes"`
	Encoding Encoding `json:"encoding,omitempty"`
}

// SendTransactionConfig configures sendTransaction requests.
type SendTransactionConfig struct {
	// Encoding of the serialized transaction, base58 by default.
	Encoding Encoding `json:"encoding,omitempty"`
}

// TransactionConfig configures getTransaction requests.
type TransactionConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
}

// HistoryConfig configures getTransactionHistory requests.
type HistoryConfig struct {
	Limit int `json:"limit,omitempty"`

	// Before only returns transactions with a lower sequence.
	Before uint64 `json:"before,omitempty"`
}

// AccountInfo represents account information returned by RPC.
type AccountInfo struct {
	Data       interface{} `json:"data"` // [encoded, encoding]
	Executable bool        `json:"executable"`
	Lamports   uint64      `json:"lamports"`
	Owner      string      `json:"owner"`
	RentEpoch  uint64      `json:"rentEpoch"`
	Space      uint64      `json:"space"`
}

// KeyedAccountInfo wraps AccountInfo with its pubkey.
type KeyedAccountInfo struct {
	Pubkey  string       `json:"pubkey"`
	Account *AccountInfo `json:"account"`
}

// SendTransactionResult is returned for a committed transaction.
type SendTransactionResult struct {
	ID       string   `json:"id"`
	Sequence uint64   `json:"sequence"`
	Logs     []string `json:"logs"`
}

// TransactionErrorData is attached to a failed sendTransaction.
type TransactionErrorData struct {
	ID       string   `json:"id"`
	Sequence uint64   `json:"sequence"`
	Logs     []string `json:"logs"`

	// Code and Name identify the custody program error, when there is one.
	Code uint32 `json:"code,omitempty"`
	Name string `json:"name,omitempty"`
}

// ProgramErrorData identifies a custody program error.
type ProgramErrorData struct {
	Code uint32 `json:"code"`
	Name string `json:"name"`
}

// AuthorityInfo describes the custody signing authority.
type AuthorityInfo struct {
	Record   string `json:"record"`
	Identity string `json:"identity"`
	Nonce    uint8  `json:"nonce"`
}

// PoolInfo describes a pool token account.
type PoolInfo struct {
	Address   string `json:"address"`
	Mint      string `json:"mint"`
	Authority string `json:"authority"`
	Balance   uint64 `json:"balance"`
}

// LockedBalanceInfo describes a depositor's ledger record.
type LockedBalanceInfo struct {
	Address   string `json:"address"`
	Depositor string `json:"depositor"`
	Authority string `json:"authority"`
	Amount    uint64 `json:"amount"`
}

// AuditInfo reports a pool's solvency.
type AuditInfo struct {
	Pool        PoolInfo `json:"pool"`
	LockedTotal uint64   `json:"lockedTotal"`
	Records     int      `json:"records"`
	Solvent     bool     `json:"solvent"`
}

// TransactionInfo is a journaled transaction.
type TransactionInfo struct {
	Sequence    uint64      `json:"sequence"`
	ID          string      `json:"id"`
	Time        int64       `json:"time"`
	Success     bool        `json:"success"`
	Err         string      `json:"err,omitempty"`
	ErrCode     uint32      `json:"errCode,omitempty"`
	Logs        []string    `json:"logs,omitempty"`
	Accounts    []string    `json:"accounts,omitempty"`
	Modified    []string    `json:"modified,omitempty"`
	Transaction interface{} `json:"transaction,omitempty"` // [encoded, encoding]
}

// VersionInfo contains version information.
type VersionInfo struct {
	CustodyCore string `json:"custody-core"`
	Program     string `json:"program"`
}
