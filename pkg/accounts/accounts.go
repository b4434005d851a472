// Package accounts implements the account store backing the custody node.
//
// Every piece of persistent state is an Account keyed by a 32-byte address:
// the authority record, ledger records, mints and token accounts alike. The
// store only knows about opaque account data; interpretation belongs to the
// program that owns the account.
//
// Two implementations are provided:
//   - MemoryDB for tests and ephemeral nodes
//   - BadgerDB for durable storage
//
// Both support SetAccounts, which applies a set of writes atomically. The
// runtime relies on this to commit a whole transaction or nothing.
package accounts

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	"github.com/fortiblox/X1-Custody/internal/types"
)

var (
	// ErrAccountNotFound is returned when an account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("database closed")

	// ErrInvalidData is returned when account data is malformed.
	ErrInvalidData = errors.New("invalid account data")
)

// MaxAccountDataSize is the largest data payload an account may carry.
const MaxAccountDataSize = 10 * 1024 * 1024

// Account is one addressable unit of state.
type Account struct {
	// Lamports is the native balance. The custody programs never move it.
	Lamports uint64

	// Data is the program-defined payload.
	Data []byte

	// Owner is the only program allowed to modify Data.
	Owner types.Pubkey

	Executable bool

	// RentEpoch is kept for layout compatibility.
	RentEpoch uint64
}

// Clone returns a deep copy of a.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Data = append(make([]byte, 0, len(a.Data)), a.Data...)
	return &c
}

// IsZero reports whether the account holds neither lamports nor data.
// Stores delete zero accounts instead of writing them.
func (a *Account) IsZero() bool {
	return a.Lamports == 0 && len(a.Data) == 0
}

// accountHeaderSize is lamports + data length; accountTrailerSize is
// owner + executable + rent epoch.
const (
	accountHeaderSize  = 8 + 8
	accountTrailerSize = types.PubkeySize + 1 + 8
)

// Size returns the length of Serialize's output.
func (a *Account) Size() int {
	return accountHeaderSize + len(a.Data) + accountTrailerSize
}

// Serialize encodes the account as
// lamports u64 | data_len u64 | data | owner [32] | executable u8 | rent_epoch u64,
// integers little-endian.
func (a *Account) Serialize() []byte {
	buf := make([]byte, 0, a.Size())
	buf = binary.LittleEndian.AppendUint64(buf, a.Lamports)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(a.Data)))
	buf = append(buf, a.Data...)
	buf = append(buf, a.Owner[:]...)
	var exec byte
	if a.Executable {
		exec = 1
	}
	buf = append(buf, exec)
	return binary.LittleEndian.AppendUint64(buf, a.RentEpoch)
}

// DeserializeAccount decodes the output of Serialize.
func DeserializeAccount(data []byte) (*Account, error) {
	if len(data) < accountHeaderSize+accountTrailerSize {
		return nil, ErrInvalidData
	}
	dataLen := binary.LittleEndian.Uint64(data[8:])
	if dataLen > MaxAccountDataSize || uint64(len(data)) != accountHeaderSize+dataLen+accountTrailerSize {
		return nil, ErrInvalidData
	}

	acc := &Account{Lamports: binary.LittleEndian.Uint64(data)}
	rest := data[accountHeaderSize:]
	acc.Data = append([]byte(nil), rest[:dataLen]...)
	rest = rest[dataLen:]
	copy(acc.Owner[:], rest)
	acc.Executable = rest[types.PubkeySize] != 0
	acc.RentEpoch = binary.LittleEndian.Uint64(rest[types.PubkeySize+1:])
	return acc, nil
}

// AccountEntry pairs a pubkey with its account.
// A nil Account in a SetAccounts batch deletes the key.
type AccountEntry struct {
	Pubkey  types.Pubkey
	Account *Account
}

// DB is the accounts database interface.
// Implementations must be safe for concurrent use.
type DB interface {
	// GetAccount retrieves an account by public key.
	// Returns ErrAccountNotFound if the account doesn't exist.
	GetAccount(pubkey types.Pubkey) (*Account, error)

	// SetAccount stores an account.
	// If the account is zero (no lamports and no data), it will be deleted.
	SetAccount(pubkey types.Pubkey, account *Account) error

	// SetAccounts applies all entries atomically: either every write is
	// visible afterwards or none is.
	SetAccounts(entries []AccountEntry) error

	// DeleteAccount removes an account.
	// Returns nil if the account doesn't exist.
	DeleteAccount(pubkey types.Pubkey) error

	// HasAccount checks if an account exists.
	HasAccount(pubkey types.Pubkey) (bool, error)

	// IterateAccounts calls fn for every account in ascending pubkey order.
	// Returning an error from fn stops iteration and returns that error.
	IterateAccounts(fn func(pubkey types.Pubkey, account *Account) error) error

	// Sequence returns the sequence number of the last committed transaction.
	Sequence() uint64

	// SetSequence records the last committed sequence number.
	SetSequence(seq uint64) error

	// AccountsCount returns the total number of accounts.
	AccountsCount() (uint64, error)

	// Commit persists metadata to disk.
	Commit() error

	// Close closes the database.
	Close() error
}

// MemoryDB is a DB held in a map. Reads and writes copy accounts so
// callers never share buffers with the store.
type MemoryDB struct {
	mu       sync.RWMutex
	accounts map[types.Pubkey]*Account
	seq      uint64
	closed   bool
}

// NewMemoryDB returns an empty MemoryDB.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{accounts: make(map[types.Pubkey]*Account)}
}

// read runs fn under the read lock unless the store is closed.
func (m *MemoryDB) read(fn func()) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	fn()
	return nil
}

// write runs fn under the write lock unless the store is closed.
func (m *MemoryDB) write(fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	fn()
	return nil
}

func (m *MemoryDB) GetAccount(pubkey types.Pubkey) (*Account, error) {
	var acc *Account
	if err := m.read(func() { acc = m.accounts[pubkey].Clone() }); err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ErrAccountNotFound
	}
	return acc, nil
}

func (m *MemoryDB) SetAccount(pubkey types.Pubkey, account *Account) error {
	return m.write(func() { m.put(pubkey, account) })
}

// SetAccounts applies entries under one lock acquisition.
func (m *MemoryDB) SetAccounts(entries []AccountEntry) error {
	return m.write(func() {
		for _, e := range entries {
			m.put(e.Pubkey, e.Account)
		}
	})
}

func (m *MemoryDB) put(pubkey types.Pubkey, account *Account) {
	if account == nil || account.IsZero() {
		delete(m.accounts, pubkey)
		return
	}
	m.accounts[pubkey] = account.Clone()
}

func (m *MemoryDB) DeleteAccount(pubkey types.Pubkey) error {
	return m.write(func() { delete(m.accounts, pubkey) })
}

func (m *MemoryDB) HasAccount(pubkey types.Pubkey) (bool, error) {
	var ok bool
	err := m.read(func() { _, ok = m.accounts[pubkey] })
	return ok, err
}

// IterateAccounts walks a point-in-time copy, so fn may write to m.
func (m *MemoryDB) IterateAccounts(fn func(pubkey types.Pubkey, account *Account) error) error {
	var entries []AccountEntry
	err := m.read(func() {
		entries = make([]AccountEntry, 0, len(m.accounts))
		for k, v := range m.accounts {
			entries = append(entries, AccountEntry{Pubkey: k, Account: v.Clone()})
		}
	})
	if err != nil {
		return err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Pubkey.Compare(entries[j].Pubkey) < 0
	})
	for _, e := range entries {
		if err := fn(e.Pubkey, e.Account); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryDB) Sequence() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}

func (m *MemoryDB) SetSequence(seq uint64) error {
	return m.write(func() { m.seq = seq })
}

func (m *MemoryDB) AccountsCount() (uint64, error) {
	var n int
	err := m.read(func() { n = len(m.accounts) })
	return uint64(n), err
}

// Commit has nothing to flush.
func (m *MemoryDB) Commit() error {
	return m.read(func() {})
}

func (m *MemoryDB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.accounts = nil
	return nil
}

var _ DB = (*MemoryDB)(nil)
