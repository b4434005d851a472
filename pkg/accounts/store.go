package accounts

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/fortiblox/X1-Custody/internal/types"
)

// Key layout:
//
//	0x01 | pubkey   serialized Account
//	0x02 | "seq"    last committed sequence, u64 LE
//	0x02 | "count"  number of stored accounts, u64 LE
const (
	prefixAccount byte = 0x01
	prefixMeta    byte = 0x02
)

var (
	metaSequence      = []byte{prefixMeta, 's', 'e', 'q'}
	metaAccountsCount = []byte{prefixMeta, 'c', 'o', 'u', 'n', 't'}
)

// BadgerDBConfig contains configuration for BadgerDB.
type BadgerDBConfig struct {
	// Path is the directory holding the database.
	Path string

	// InMemory keeps everything in memory; Path is ignored.
	InMemory bool

	// SyncWrites fsyncs before every transaction returns.
	SyncWrites bool

	NumCompactors    int
	NumMemtables     int
	ValueLogFileSize int64

	// Logger receives badger's internal logs. Nil silences them.
	Logger badger.Logger
}

// DefaultBadgerDBConfig returns a durable configuration rooted at path.
func DefaultBadgerDBConfig(path string) BadgerDBConfig {
	return BadgerDBConfig{
		Path:             path,
		SyncWrites:       true,
		NumCompactors:    2,
		NumMemtables:     2,
		ValueLogFileSize: 64 << 20,
	}
}

func (cfg BadgerDBConfig) options() badger.Options {
	opts := badger.DefaultOptions(cfg.Path).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if cfg.NumCompactors > 0 {
		opts = opts.WithNumCompactors(cfg.NumCompactors)
	}
	if cfg.NumMemtables > 0 {
		opts = opts.WithNumMemtables(cfg.NumMemtables)
	}
	if cfg.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(cfg.ValueLogFileSize)
	}
	return opts
}

// BadgerDB stores accounts in badger.
//
// SetAccounts is one badger transaction that also rewrites the account
// count, and SetSequence is persisted before it returns, so a restart
// always sees the state of the last committed transaction.
type BadgerDB struct {
	db *badger.DB

	seq   atomic.Uint64
	count atomic.Uint64

	// mu serializes writers so count matches the stored keys.
	mu sync.Mutex

	closed atomic.Bool
}

// NewBadgerDB opens or creates the database described by cfg.
func NewBadgerDB(cfg BadgerDBConfig) (*BadgerDB, error) {
	db, err := badger.Open(cfg.options())
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	b := &BadgerDB{db: db}
	err = db.View(func(txn *badger.Txn) error {
		seq, err := getUint64(txn, metaSequence)
		if err != nil {
			return err
		}
		count, err := getUint64(txn, metaAccountsCount)
		if err != nil {
			return err
		}
		b.seq.Store(seq)
		b.count.Store(count)
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return b, nil
}

func getUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("%w: metadata %q", ErrInvalidData, key[1:])
		}
		v = binary.LittleEndian.Uint64(val)
		return nil
	})
	return v, err
}

func setUint64(txn *badger.Txn, key []byte, v uint64) error {
	return txn.Set(key, binary.LittleEndian.AppendUint64(nil, v))
}

func accountKey(pubkey types.Pubkey) []byte {
	return append([]byte{prefixAccount}, pubkey[:]...)
}

func (b *BadgerDB) GetAccount(pubkey types.Pubkey) (*Account, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	var account *Account
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(accountKey(pubkey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) (err error) {
			account, err = DeserializeAccount(val)
			return err
		})
	})
	return account, err
}

func (b *BadgerDB) SetAccount(pubkey types.Pubkey, account *Account) error {
	return b.SetAccounts([]AccountEntry{{Pubkey: pubkey, Account: account}})
}

// SetAccounts writes entries and the new account count in one badger
// transaction.
func (b *BadgerDB) SetAccounts(entries []AccountEntry) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var count uint64
	err := b.db.Update(func(txn *badger.Txn) error {
		count = b.count.Load()
		for _, e := range entries {
			key := accountKey(e.Pubkey)
			_, err := txn.Get(key)
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			exists := err == nil

			switch {
			case e.Account == nil || e.Account.IsZero():
				if !exists {
					continue
				}
				if err := txn.Delete(key); err != nil {
					return err
				}
				count--
			default:
				if err := txn.Set(key, e.Account.Serialize()); err != nil {
					return err
				}
				if !exists {
					count++
				}
			}
		}
		return setUint64(txn, metaAccountsCount, count)
	})
	if err != nil {
		return fmt.Errorf("commit accounts: %w", err)
	}
	b.count.Store(count)
	return nil
}

func (b *BadgerDB) DeleteAccount(pubkey types.Pubkey) error {
	return b.SetAccounts([]AccountEntry{{Pubkey: pubkey}})
}

func (b *BadgerDB) HasAccount(pubkey types.Pubkey) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}

	var exists bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(accountKey(pubkey))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			return nil
		case err != nil:
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// IterateAccounts walks accounts in key order, which is pubkey order, inside
// one read transaction.
func (b *BadgerDB) IterateAccounts(fn func(pubkey types.Pubkey, account *Account) error) error {
	if b.closed.Load() {
		return ErrClosed
	}

	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixAccount}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			pubkey, err := types.PubkeyFromBytes(item.Key()[1:])
			if err != nil {
				continue
			}
			err = item.Value(func(val []byte) error {
				account, err := DeserializeAccount(val)
				if err != nil {
					return fmt.Errorf("account %s: %w", pubkey, err)
				}
				return fn(pubkey, account)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerDB) Sequence() uint64 {
	return b.seq.Load()
}

// SetSequence persists seq as the last committed sequence.
func (b *BadgerDB) SetSequence(seq uint64) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.db.Update(func(txn *badger.Txn) error {
		return setUint64(txn, metaSequence, seq)
	}); err != nil {
		return fmt.Errorf("store sequence: %w", err)
	}
	b.seq.Store(seq)
	return nil
}

func (b *BadgerDB) AccountsCount() (uint64, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	return b.count.Load(), nil
}

// Commit flushes badger's write-ahead state to disk. Only needed when
// SyncWrites is off.
func (b *BadgerDB) Commit() error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.db.Sync()
}

func (b *BadgerDB) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	return b.db.Close()
}

// RunGC reclaims value-log space. A pass with nothing to rewrite is not an
// error.
func (b *BadgerDB) RunGC() error {
	if b.closed.Load() {
		return ErrClosed
	}
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Size returns the on-disk size of the LSM tree and value log.
func (b *BadgerDB) Size() (lsm, vlog int64) {
	return b.db.Size()
}

var _ DB = (*BadgerDB)(nil)
