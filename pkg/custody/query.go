package custody

import (
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/accounts"
	"github.com/fortiblox/X1-Custody/pkg/token"
)

// Read-only views over committed state, used by the RPC and gRPC APIs.

// LoadAuthority reads the committed authority record.
func LoadAuthority(db accounts.DB, programID types.Pubkey) (*AuthorityRecord, Authority, error) {
	slot, _, err := AuthorityRecordAddress(programID)
	if err != nil {
		return nil, Authority{}, err
	}
	acc, err := db.GetAccount(slot)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return nil, Authority{}, ErrAuthorityNotInitialized
	}
	if err != nil {
		return nil, Authority{}, err
	}
	if acc.Owner != programID {
		return nil, Authority{}, ErrAccountOwnedByWrongProgram
	}
	record, err := UnmarshalAuthorityRecord(acc.Data)
	if err != nil {
		return nil, Authority{}, err
	}
	if !record.Initialized {
		return nil, Authority{}, ErrAuthorityNotInitialized
	}
	auth, err := DeriveAuthority(programID, record.Nonce)
	if err != nil {
		return nil, Authority{}, err
	}
	return record, auth, nil
}

// Pool is a pool token account and its address.
type Pool struct {
	Address types.Pubkey
	Mint    types.Pubkey
	Balance uint64

	// Authority is the pool's controlling identity.
	Authority types.Pubkey
}

// LoadPool reads the pool for mint.
func LoadPool(db accounts.DB, programID, mint types.Pubkey) (*Pool, error) {
	_, auth, err := LoadAuthority(db, programID)
	if err != nil {
		return nil, err
	}
	return loadPool(db, auth, mint)
}

func loadPool(db accounts.DB, auth Authority, mint types.Pubkey) (*Pool, error) {
	addr, err := auth.PoolAddress(mint)
	if err != nil {
		return nil, err
	}
	acc, err := db.GetAccount(addr)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return nil, fmt.Errorf("pool %s: %w", addr, ErrAccountNotInitialized)
	}
	if err != nil {
		return nil, err
	}
	if acc.Owner != types.TokenProgramAddr {
		return nil, ErrAccountOwnedByWrongProgram
	}
	ta, err := token.UnmarshalAccount(acc.Data)
	if err != nil {
		return nil, ErrAccountDidNotDeserialize
	}
	return &Pool{Address: addr, Mint: ta.Mint, Balance: ta.Amount, Authority: ta.Owner}, nil
}

// LoadLedgerRecord reads the ledger record of depositor for mint.
func LoadLedgerRecord(db accounts.DB, programID, depositor, mint types.Pubkey) (*LedgerRecord, types.Pubkey, error) {
	_, auth, err := LoadAuthority(db, programID)
	if err != nil {
		return nil, types.Pubkey{}, err
	}
	addr, err := auth.LedgerAddress(depositor, mint)
	if err != nil {
		return nil, types.Pubkey{}, err
	}
	acc, err := db.GetAccount(addr)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return nil, addr, ErrLedgerNotInitialized
	}
	if err != nil {
		return nil, addr, err
	}
	if acc.Owner != programID {
		return nil, addr, ErrAccountOwnedByWrongProgram
	}
	record, err := UnmarshalLedgerRecord(acc.Data)
	if err != nil {
		return nil, addr, err
	}
	return record, addr, nil
}

// PoolAudit compares the sum of a pool's ledger records with its balance.
type PoolAudit struct {
	Pool        Pool
	LockedTotal uint64
	Records     int

	// Solvent is true when LockedTotal does not exceed the pool balance.
	Solvent bool
}

// AuditPool sums every ledger record belonging to the pool for mint.
//
// Ledger records do not store the mint, so a record belongs to the pool
// when its address re-derives from (depositor, authority, mint).
func AuditPool(db accounts.DB, programID, mint types.Pubkey) (*PoolAudit, error) {
	_, auth, err := LoadAuthority(db, programID)
	if err != nil {
		return nil, err
	}
	pool, err := loadPool(db, auth, mint)
	if err != nil {
		return nil, err
	}

	audit := &PoolAudit{Pool: *pool}
	overflow := false
	err = db.IterateAccounts(func(pubkey types.Pubkey, acc *accounts.Account) error {
		if acc.Owner != programID || !IsLedgerRecord(acc.Data) {
			return nil
		}
		record, err := UnmarshalLedgerRecord(acc.Data)
		if err != nil || record.Authority != auth.Identity {
			return nil
		}
		want, err := auth.LedgerAddress(record.Depositor, mint)
		if err != nil {
			return err
		}
		if want != pubkey {
			return nil
		}
		if audit.LockedTotal+record.Amount < audit.LockedTotal {
			overflow = true
		}
		audit.LockedTotal += record.Amount
		audit.Records++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}

	audit.Solvent = !overflow && audit.LockedTotal <= pool.Balance
	return audit, nil
}
