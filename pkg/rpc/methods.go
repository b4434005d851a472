package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/accounts"
	"github.com/fortiblox/X1-Custody/pkg/custody"
	"github.com/fortiblox/X1-Custody/pkg/journal"
)

// maxMultipleAccounts bounds getMultipleAccounts.
const maxMultipleAccounts = 100

// parseArgs splits positional params. Missing params parse as no args.
func parseArgs(params json.RawMessage) ([]json.RawMessage, *RPCError) {
	if len(params) == 0 || string(params) == "null" {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("invalid params")
	}
	return args, nil
}

// pubkeyArg decodes args[i] as a base58 pubkey.
func pubkeyArg(args []json.RawMessage, i int, name string) (types.Pubkey, *RPCError) {
	if len(args) <= i {
		return types.Pubkey{}, InvalidParamsErrorf("missing %s parameter", name)
	}
	var s string
	if err := json.Unmarshal(args[i], &s); err != nil {
		return types.Pubkey{}, InvalidParamsErrorf("invalid %s", name)
	}
	pk, err := types.PubkeyFromBase58(s)
	if err != nil {
		return types.Pubkey{}, InvalidParamsErrorf("invalid %s format", name)
	}
	return pk, nil
}

// configArg decodes the optional config object at args[i] into v.
func configArg(args []json.RawMessage, i int, v interface{}) *RPCError {
	if len(args) <= i {
		return nil
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return InvalidParamsError("invalid config")
	}
	return nil
}

func (s *Server) stateContext() Context {
	return Context{Sequence: s.backend.Accounts().Sequence()}
}

// Transaction Methods

// sendTransaction executes a serialized, signed transaction.
func (s *Server) sendTransaction(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing transaction parameter")
	}
	var encoded string
	if err := json.Unmarshal(args[0], &encoded); err != nil {
		return nil, InvalidParamsError("invalid transaction")
	}
	var config SendTransactionConfig
	if rpcErr := configArg(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}

	tx, err := DecodeTransaction(encoded, config.Encoding)
	if err != nil {
		return nil, InvalidParamsErrorf("invalid transaction: %v", err)
	}

	res, err := s.backend.Submit(ctx, tx)
	if res == nil {
		return nil, SubmitError(err)
	}
	if err != nil {
		log.Printf("[RPC] tx %d %s: %v", res.Sequence, res.ID, err)
	}
	if !res.Success {
		return nil, TransactionFailedError(res)
	}
	return SendTransactionResult{
		ID:       res.ID.String(),
		Sequence: res.Sequence,
		Logs:     res.Logs,
	}, nil
}

// getTransaction returns a journaled transaction by ID.
func (s *Server) getTransaction(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing transaction ID parameter")
	}
	var idStr string
	if err := json.Unmarshal(args[0], &idStr); err != nil {
		return nil, InvalidParamsError("invalid transaction ID")
	}
	id, err := types.HashFromBase58(idStr)
	if err != nil {
		return nil, InvalidParamsError("invalid transaction ID format")
	}
	var config TransactionConfig
	if rpcErr := configArg(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}
	if config.Encoding == "" {
		config.Encoding = EncodingBase64
	}

	entry, err := s.backend.Journal().GetByID(id)
	if errors.Is(err, journal.ErrEntryNotFound) {
		return nil, TransactionNotFoundError()
	}
	if err != nil {
		return nil, InternalServerErrorf("failed to get transaction: %v", err)
	}

	info := entryToTransactionInfo(entry)
	encoded, err := EncodeAccountData(entry.Raw, config.Encoding)
	if err != nil {
		return nil, InternalServerErrorf("failed to encode transaction: %v", err)
	}
	info.Transaction = encoded
	return info, nil
}

// getTransactionHistory returns the journaled transactions that declared an
// account, newest first.
func (s *Server) getTransactionHistory(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	account, rpcErr := pubkeyArg(args, 0, "account")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var config HistoryConfig
	if rpcErr := configArg(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}
	if config.Limit < 0 || config.Limit > journal.MaxQueryLimit {
		return nil, InvalidParamsErrorf("limit must be between 1 and %d", journal.MaxQueryLimit)
	}

	entries, err := s.backend.Journal().EntriesForAccount(account, journal.QueryOptions{
		Limit:  config.Limit,
		Before: config.Before,
	})
	if err != nil {
		return nil, InternalServerErrorf("failed to query history: %v", err)
	}

	results := make([]TransactionInfo, 0, len(entries))
	for _, e := range entries {
		results = append(results, entryToTransactionInfo(e))
	}
	return results, nil
}

// Custody Methods

// getAuthority returns the initialized signing authority.
func (s *Server) getAuthority(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	_, auth, err := custody.LoadAuthority(s.backend.Accounts(), s.backend.CustodyProgram())
	if err != nil {
		return nil, StateError(err)
	}
	return AuthorityInfo{
		Record:   auth.Record.String(),
		Identity: auth.Identity.String(),
		Nonce:    auth.Nonce,
	}, nil
}

// getPool returns the pool for a mint.
func (s *Server) getPool(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	mint, rpcErr := pubkeyArg(args, 0, "mint")
	if rpcErr != nil {
		return nil, rpcErr
	}

	pool, err := custody.LoadPool(s.backend.Accounts(), s.backend.CustodyProgram(), mint)
	if err != nil {
		return nil, StateError(err)
	}
	return ResponseWithContext{Context: s.stateContext(), Value: poolToPoolInfo(pool)}, nil
}

// getLockedBalance returns a depositor's ledger record for a mint. The
// value is null when no record exists.
func (s *Server) getLockedBalance(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	depositor, rpcErr := pubkeyArg(args, 0, "depositor")
	if rpcErr != nil {
		return nil, rpcErr
	}
	mint, rpcErr := pubkeyArg(args, 1, "mint")
	if rpcErr != nil {
		return nil, rpcErr
	}

	record, addr, err := custody.LoadLedgerRecord(s.backend.Accounts(), s.backend.CustodyProgram(), depositor, mint)
	if errors.Is(err, custody.ErrLedgerNotInitialized) {
		return ResponseWithContext{Context: s.stateContext(), Value: nil}, nil
	}
	if err != nil {
		return nil, StateError(err)
	}
	return ResponseWithContext{
		Context: s.stateContext(),
		Value: LockedBalanceInfo{
			Address:   addr.String(),
			Depositor: record.Depositor.String(),
			Authority: record.Authority.String(),
			Amount:    record.Amount,
		},
	}, nil
}

// auditPool compares the ledger records of a pool with its balance.
func (s *Server) auditPool(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	mint, rpcErr := pubkeyArg(args, 0, "mint")
	if rpcErr != nil {
		return nil, rpcErr
	}

	audit, err := custody.AuditPool(s.backend.Accounts(), s.backend.CustodyProgram(), mint)
	if err != nil {
		return nil, StateError(err)
	}
	return ResponseWithContext{
		Context: s.stateContext(),
		Value: AuditInfo{
			Pool:        poolToPoolInfo(&audit.Pool),
			LockedTotal: audit.LockedTotal,
			Records:     audit.Records,
			Solvent:     audit.Solvent,
		},
	}, nil
}

// Account Methods

// getAccountInfo returns account information for a pubkey.
func (s *Server) getAccountInfo(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	pubkey, rpcErr := pubkeyArg(args, 0, "pubkey")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var config AccountInfoConfig
	if rpcErr := configArg(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}

	account, err := s.backend.Accounts().GetAccount(pubkey)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return ResponseWithContext{Context: s.stateContext(), Value: nil}, nil
	}
	if err != nil {
		return nil, InternalServerErrorf("failed to get account: %v", err)
	}

	info, rpcErr := accountToAccountInfo(account, config.Encoding, config.DataSlice)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return ResponseWithContext{Context: s.stateContext(), Value: info}, nil
}

// getMultipleAccounts returns account information for several pubkeys.
// Missing accounts are null.
func (s *Server) getMultipleAccounts(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing pubkeys parameter")
	}
	var keys []string
	if err := json.Unmarshal(args[0], &keys); err != nil {
		return nil, InvalidParamsError("invalid pubkeys")
	}
	if len(keys) > maxMultipleAccounts {
		return nil, InvalidParamsErrorf("too many pubkeys: %d > %d", len(keys), maxMultipleAccounts)
	}
	var config AccountInfoConfig
	if rpcErr := configArg(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}

	results := make([]*AccountInfo, len(keys))
	for i, k := range keys {
		pubkey, err := types.PubkeyFromBase58(k)
		if err != nil {
			return nil, InvalidParamsErrorf("invalid pubkey at index %d", i)
		}
		account, err := s.backend.Accounts().GetAccount(pubkey)
		if errors.Is(err, accounts.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return nil, InternalServerErrorf("failed to get account: %v", err)
		}
		info, rpcErr := accountToAccountInfo(account, config.Encoding, config.DataSlice)
		if rpcErr != nil {
			return nil, rpcErr
		}
		results[i] = info
	}
	return ResponseWithContext{Context: s.stateContext(), Value: results}, nil
}

// getProgramAccounts returns all accounts owned by a program.
func (s *Server) getProgramAccounts(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	programID, rpcErr := pubkeyArg(args, 0, "program ID")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var config ProgramAccountsConfig
	if rpcErr := configArg(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}

	filters, rpcErr := compileFilters(config.Filters)
	if rpcErr != nil {
		return nil, rpcErr
	}

	results := []KeyedAccountInfo{}
	err := s.backend.Accounts().IterateAccounts(func(pubkey types.Pubkey, account *accounts.Account) error {
		if account.Owner != programID || !matchesFilters(account, filters) {
			return nil
		}
		info, rpcErr := accountToAccountInfo(account, config.Encoding, config.DataSlice)
		if rpcErr != nil {
			return rpcErr
		}
		results = append(results, KeyedAccountInfo{
			Pubkey:  pubkey.String(),
			Account: info,
		})
		return nil
	})
	if err != nil {
		return nil, InternalServerErrorf("iteration failed: %v", err)
	}

	if config.WithContext {
		return ResponseWithContext{Context: s.stateContext(), Value: results}, nil
	}
	return results, nil
}

// Node Methods

// getSequence returns the sequence of the last executed transaction.
func (s *Server) getSequence(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return s.backend.Accounts().Sequence(), nil
}

// getHealth returns the node health status.
func (s *Server) getHealth(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

// getVersion returns version information.
func (s *Server) getVersion(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return VersionInfo{
		CustodyCore: Version,
		Program:     s.backend.CustodyProgram().String(),
	}, nil
}

// Helpers

// accountToAccountInfo converts an internal account to RPC AccountInfo.
func accountToAccountInfo(account *accounts.Account, encoding Encoding, dataSlice *DataSlice) (*AccountInfo, *RPCError) {
	data := ApplyDataSlice(account.Data, dataSlice)

	encodedData, err := EncodeAccountData(data, encoding)
	if err != nil {
		return nil, InternalServerErrorf("failed to encode data: %v", err)
	}

	return &AccountInfo{
		Data:       encodedData,
		Executable: account.Executable,
		Lamports:   account.Lamports,
		Owner:      account.Owner.String(),
		RentEpoch:  account.RentEpoch,
		Space:      uint64(len(account.Data)),
	}, nil
}

// accountFilter is a ProgramAccountFilter with its bytes decoded.
type accountFilter struct {
	dataSize *uint64
	offset   uint64
	bytes    []byte
}

func compileFilters(filters []ProgramAccountFilter) ([]accountFilter, *RPCError) {
	compiled := make([]accountFilter, 0, len(filters))
	for i, f := range filters {
		c := accountFilter{dataSize: f.DataSize}
		if f.Memcmp != nil {
			var err error
			switch f.Memcmp.Encoding {
			case EncodingBase64:
				c.bytes, err = DecodeBase64(f.Memcmp.Bytes)
			default:
				c.bytes, err = DecodeBase58(f.Memcmp.Bytes)
			}
			if err != nil {
				return nil, InvalidParamsErrorf("invalid memcmp bytes in filter %d", i)
			}
			c.offset = f.Memcmp.Offset
		}
		compiled = append(compiled, c)
	}
	return compiled, nil
}

// matchesFilters checks if an account matches every filter.
func matchesFilters(account *accounts.Account, filters []accountFilter) bool {
	for _, f := range filters {
		if f.dataSize != nil && uint64(len(account.Data)) != *f.dataSize {
			return false
		}
		if f.bytes != nil {
			end := f.offset + uint64(len(f.bytes))
			if end < f.offset || end > uint64(len(account.Data)) {
				return false
			}
			if !bytes.Equal(account.Data[f.offset:end], f.bytes) {
				return false
			}
		}
	}
	return true
}

func poolToPoolInfo(pool *custody.Pool) PoolInfo {
	return PoolInfo{
		Address:   pool.Address.String(),
		Mint:      pool.Mint.String(),
		Authority: pool.Authority.String(),
		Balance:   pool.Balance,
	}
}

func entryToTransactionInfo(e *journal.Entry) TransactionInfo {
	return TransactionInfo{
		Sequence: e.Sequence,
		ID:       e.ID.String(),
		Time:     e.Time.Unix(),
		Success:  e.Success,
		Err:      e.Err,
		ErrCode:  e.ErrCode,
		Logs:     e.Logs,
		Accounts: pubkeyStrings(e.Accounts),
		Modified: pubkeyStrings(e.Modified),
	}
}

func pubkeyStrings(keys []types.Pubkey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
