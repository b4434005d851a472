package journal

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fortiblox/X1-Custody/internal/types"
)

// MemoryStore is an in-memory Store for tests and ephemeral nodes.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[uint64]*Entry
	byID      map[types.Hash]uint64
	byAccount map[types.Pubkey][]uint64 // ascending
	latest    uint64
	succeeded uint64
	closed    bool
}

// NewMemoryStore returns an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[uint64]*Entry),
		byID:      make(map[types.Hash]uint64),
		byAccount: make(map[types.Pubkey][]uint64),
	}
}

// Append implements Store.
func (m *MemoryStore) Append(entry *Entry) error {
	if entry.Sequence == 0 {
		return ErrInvalidSequence
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.entries[entry.Sequence]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateSequence, entry.Sequence)
	}

	stored := *entry
	m.entries[entry.Sequence] = &stored
	if prev, ok := m.byID[entry.ID]; !ok || prev < entry.Sequence {
		m.byID[entry.ID] = entry.Sequence
	}
	for _, account := range entry.Accounts {
		seqs := m.byAccount[account]
		i := sort.Search(len(seqs), func(i int) bool { return seqs[i] >= entry.Sequence })
		seqs = append(seqs, 0)
		copy(seqs[i+1:], seqs[i:])
		seqs[i] = entry.Sequence
		m.byAccount[account] = seqs
	}
	if entry.Success {
		m.succeeded++
	}
	if entry.Sequence > m.latest {
		m.latest = entry.Sequence
	}
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(seq uint64) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	entry, ok := m.entries[seq]
	if !ok {
		return nil, ErrEntryNotFound
	}
	out := *entry
	return &out, nil
}

// GetByID implements Store.
func (m *MemoryStore) GetByID(id types.Hash) (*Entry, error) {
	m.mu.RLock()
	seq, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrEntryNotFound
	}
	return m.Get(seq)
}

// EntriesForAccount implements Store.
func (m *MemoryStore) EntriesForAccount(account types.Pubkey, opts QueryOptions) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	limit := opts.limit()
	seqs := m.byAccount[account]
	var result []*Entry
	for i := len(seqs) - 1; i >= 0 && len(result) < limit; i-- {
		if opts.Before != 0 && seqs[i] >= opts.Before {
			continue
		}
		out := *m.entries[seqs[i]]
		result = append(result, &out)
	}
	return result, nil
}

// Latest implements Store.
func (m *MemoryStore) Latest() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// Prune implements Store.
func (m *MemoryStore) Prune(keepFrom uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var pruned uint64
	for seq, entry := range m.entries {
		if seq >= keepFrom {
			continue
		}
		if m.byID[entry.ID] == seq {
			delete(m.byID, entry.ID)
		}
		if entry.Success {
			m.succeeded--
		}
		delete(m.entries, seq)
		pruned++
	}
	for account, seqs := range m.byAccount {
		i := sort.Search(len(seqs), func(i int) bool { return seqs[i] >= keepFrom })
		if i == len(seqs) {
			delete(m.byAccount, account)
		} else {
			m.byAccount[account] = seqs[i:]
		}
	}
	return pruned, nil
}

// Stats implements Store.
func (m *MemoryStore) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{
		Latest:    m.latest,
		Count:     uint64(len(m.entries)),
		Succeeded: m.succeeded,
		Failed:    uint64(len(m.entries)) - m.succeeded,
	}
	for seq := range m.entries {
		if stats.Oldest == 0 || seq < stats.Oldest {
			stats.Oldest = seq
		}
	}
	return stats
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
