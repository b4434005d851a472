// Package journal provides persistent storage for executed custody
// transactions, indexed by sequence, transaction ID and account.
package journal

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fortiblox/X1-Custody/internal/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrEntryNotFound is returned when an entry doesn't exist.
	ErrEntryNotFound = errors.New("journal entry not found")

	// ErrDuplicateSequence is returned when appending a sequence twice.
	ErrDuplicateSequence = errors.New("duplicate sequence")

	// ErrInvalidSequence is returned for the zero sequence.
	ErrInvalidSequence = errors.New("invalid sequence")

	// ErrClosed is returned when operating on a closed journal.
	ErrClosed = errors.New("journal closed")
)

// Bucket names for BoltDB.
var (
	// bucketEntries stores entries keyed by sequence.
	bucketEntries = []byte("entries")

	// bucketByID maps transaction IDs to their latest sequence.
	bucketByID = []byte("by_id")

	// bucketByAccount indexes sequences by account+sequence.
	bucketByAccount = []byte("by_account")

	// bucketMetadata stores journal counters.
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keyCount     = []byte("count")
	keySucceeded = []byte("succeeded")
	keyFailed    = []byte("failed")
)

// Config holds journal configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// PruneEnabled enables automatic pruning of old entries.
	PruneEnabled bool

	// PruneInterval is how often to run the pruning routine.
	PruneInterval time.Duration

	// RetainEntries is the number of most recent sequences kept by pruning.
	RetainEntries uint64
}

// DefaultRetainEntries is the default pruning horizon.
const DefaultRetainEntries uint64 = 1_000_000

// DefaultConfig returns the default journal configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		PruneEnabled:  true,
		PruneInterval: time.Hour,
		RetainEntries: DefaultRetainEntries,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("journal path is required")
	}
	if c.PruneEnabled && c.PruneInterval <= 0 {
		return errors.New("prune interval must be positive")
	}
	if c.PruneEnabled && c.RetainEntries == 0 {
		return errors.New("retain entries must be positive")
	}
	return nil
}

// Store is the journal interface.
type Store interface {
	// Append records an executed transaction.
	Append(entry *Entry) error

	// Get returns the entry with the given sequence.
	Get(seq uint64) (*Entry, error)

	// GetByID returns the most recent entry for a transaction ID.
	GetByID(id types.Hash) (*Entry, error)

	// EntriesForAccount returns entries declaring account, newest first.
	EntriesForAccount(account types.Pubkey, opts QueryOptions) ([]*Entry, error)

	// Latest returns the highest appended sequence, 0 if empty.
	Latest() uint64

	// Prune removes entries with a sequence lower than keepFrom.
	Prune(keepFrom uint64) (uint64, error)

	Stats() Stats
	Close() error
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	config Config

	// Cached values for fast reads.
	mu        sync.RWMutex
	latest    uint64
	count     uint64
	succeeded uint64
	failed    uint64

	pruneStop chan struct{}
	pruneWG   sync.WaitGroup

	closed bool
}

// Open creates or opens a journal at the configured path.
func Open(config Config) (*BoltStore, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  config.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &BoltStore{
		db:        db,
		config:    config,
		pruneStop: make(chan struct{}),
	}
	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	if err := store.loadCachedValues(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load cached values: %w", err)
	}
	if config.PruneEnabled {
		store.startPruning()
	}
	return store, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketByID, bucketByAccount, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) loadCachedValues() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(bucketEntries).Cursor().Last(); k != nil {
			s.latest = DecodeSequenceKey(k)
		}
		meta := tx.Bucket(bucketMetadata)
		s.count = DecodeSequenceKey(meta.Get(keyCount))
		s.succeeded = DecodeSequenceKey(meta.Get(keySucceeded))
		s.failed = DecodeSequenceKey(meta.Get(keyFailed))
		return nil
	})
}

func (s *BoltStore) startPruning() {
	s.pruneWG.Add(1)
	go func() {
		defer s.pruneWG.Done()
		ticker := time.NewTicker(s.config.PruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				latest := s.Latest()
				if latest <= s.config.RetainEntries {
					continue
				}
				n, err := s.Prune(latest - s.config.RetainEntries + 1)
				if err != nil {
					log.Printf("[JOURNAL] Prune error: %v", err)
				} else if n > 0 {
					log.Printf("[JOURNAL] Pruned %d entries", n)
				}
			case <-s.pruneStop:
				return
			}
		}
	}()
}

func (s *BoltStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func encodeEntry(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (*Entry, error) {
	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &entry, nil
}

// Append stores an entry and indexes it by ID and account. Entries may
// arrive out of sequence order.
func (s *BoltStore) Append(entry *Entry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if entry.Sequence == 0 {
		return ErrInvalidSequence
	}
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	succeeded, failed := s.succeeded, s.failed
	if entry.Success {
		succeeded++
	} else {
		failed++
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		seqKey := EncodeSequenceKey(entry.Sequence)
		entries := tx.Bucket(bucketEntries)
		if entries.Get(seqKey) != nil {
			return fmt.Errorf("%w: %d", ErrDuplicateSequence, entry.Sequence)
		}
		if err := entries.Put(seqKey, data); err != nil {
			return err
		}

		byID := tx.Bucket(bucketByID)
		if prev := byID.Get(entry.ID[:]); prev == nil || DecodeSequenceKey(prev) < entry.Sequence {
			if err := byID.Put(entry.ID[:], seqKey); err != nil {
				return err
			}
		}

		byAccount := tx.Bucket(bucketByAccount)
		for _, account := range entry.Accounts {
			if err := byAccount.Put(EncodeAccountSequenceKey(account, entry.Sequence), nil); err != nil {
				return err
			}
		}

		meta := tx.Bucket(bucketMetadata)
		if err := meta.Put(keyCount, EncodeSequenceKey(s.count+1)); err != nil {
			return err
		}
		if err := meta.Put(keySucceeded, EncodeSequenceKey(succeeded)); err != nil {
			return err
		}
		return meta.Put(keyFailed, EncodeSequenceKey(failed))
	})
	if err != nil {
		return err
	}

	s.count++
	s.succeeded, s.failed = succeeded, failed
	if entry.Sequence > s.latest {
		s.latest = entry.Sequence
	}
	return nil
}

// Get retrieves an entry by sequence.
func (s *BoltStore) Get(seq uint64) (*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get(EncodeSequenceKey(seq))
		if v == nil {
			return ErrEntryNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeEntry(data)
}

// GetByID retrieves the most recent entry for a transaction ID.
func (s *BoltStore) GetByID(id types.Hash) (*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketByID).Get(id[:])
		if v == nil {
			return ErrEntryNotFound
		}
		seq = DecodeSequenceKey(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(seq)
}

// EntriesForAccount returns the entries that declared account, newest
// first.
func (s *BoltStore) EntriesForAccount(account types.Pubkey, opts QueryOptions) ([]*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	limit := opts.limit()
	upper := opts.Before
	if upper == 0 {
		upper = math.MaxUint64
	}

	var result []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		c := tx.Bucket(bucketByAccount).Cursor()

		// Seek lands on the first key >= (account, upper); step back from
		// there to reach the newest entry below the bound.
		k, _ := c.Seek(EncodeAccountSequenceKey(account, upper))
		if k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}
		for ; k != nil && len(result) < limit; k, _ = c.Prev() {
			key, seq := DecodeAccountSequenceKey(k)
			if key != account {
				break
			}
			data := entries.Get(EncodeSequenceKey(seq))
			if data == nil {
				continue
			}
			entry, err := decodeEntry(data)
			if err != nil {
				return err
			}
			result = append(result, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Latest returns the highest appended sequence.
func (s *BoltStore) Latest() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Prune removes entries with a sequence lower than keepFrom together with
// their indexes.
func (s *BoltStore) Prune(keepFrom uint64) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned, succeeded, failed uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		byID := tx.Bucket(bucketByID)
		byAccount := tx.Bucket(bucketByAccount)

		var doomed [][]byte
		c := entries.Cursor()
		for k, v := c.First(); k != nil && DecodeSequenceKey(k) < keepFrom; k, v = c.Next() {
			entry, err := decodeEntry(v)
			if err != nil {
				return err
			}
			if ref := byID.Get(entry.ID[:]); ref != nil && bytes.Equal(ref, k) {
				if err := byID.Delete(entry.ID[:]); err != nil {
					return err
				}
			}
			for _, account := range entry.Accounts {
				if err := byAccount.Delete(EncodeAccountSequenceKey(account, entry.Sequence)); err != nil {
					return err
				}
			}
			if entry.Success {
				succeeded++
			} else {
				failed++
			}
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := entries.Delete(k); err != nil {
				return err
			}
		}
		pruned = uint64(len(doomed))

		meta := tx.Bucket(bucketMetadata)
		if err := meta.Put(keyCount, EncodeSequenceKey(s.count-pruned)); err != nil {
			return err
		}
		if err := meta.Put(keySucceeded, EncodeSequenceKey(s.succeeded-succeeded)); err != nil {
			return err
		}
		return meta.Put(keyFailed, EncodeSequenceKey(s.failed-failed))
	})
	if err != nil {
		return 0, err
	}

	s.count -= pruned
	s.succeeded -= succeeded
	s.failed -= failed
	return pruned, nil
}

// Stats returns journal statistics.
func (s *BoltStore) Stats() Stats {
	s.mu.RLock()
	stats := Stats{
		Latest:    s.latest,
		Count:     s.count,
		Succeeded: s.succeeded,
		Failed:    s.failed,
	}
	closed := s.closed
	s.mu.RUnlock()

	if !closed {
		s.db.View(func(tx *bolt.Tx) error {
			if k, _ := tx.Bucket(bucketEntries).Cursor().First(); k != nil {
				stats.Oldest = DecodeSequenceKey(k)
			}
			return nil
		})
	}
	return stats
}

// Close stops pruning and closes the database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.config.PruneEnabled {
		close(s.pruneStop)
		s.pruneWG.Wait()
	}
	return s.db.Close()
}
