package runtime

import (
	"sort"
	"sync"

	"github.com/fortiblox/X1-Custody/internal/types"
)

// lockRequest is one key a transaction needs, with its access mode.
type lockRequest struct {
	key       types.Pubkey
	exclusive bool
}

// keyLock is a reference-counted reader/writer lock for one account.
type keyLock struct {
	sync.RWMutex
	refs int
}

// keyLocks hands out per-account locks. Entries are dropped once no
// transaction references them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[types.Pubkey]*keyLock
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[types.Pubkey]*keyLock)}
}

// lockSet merges the accounts of every instruction into one request per
// key. A key is exclusive if any instruction writes it. The result is sorted
// so that every transaction acquires in the same order.
func lockSet(instructions []Instruction) []lockRequest {
	modes := make(map[types.Pubkey]bool)
	for _, ix := range instructions {
		for _, m := range ix.Accounts {
			modes[m.Pubkey] = modes[m.Pubkey] || m.IsWritable
		}
	}

	reqs := make([]lockRequest, 0, len(modes))
	for k, exclusive := range modes {
		reqs = append(reqs, lockRequest{key: k, exclusive: exclusive})
	}
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].key.Compare(reqs[j].key) < 0
	})
	return reqs
}

// acquire blocks until every requested lock is held and returns the
// matching release function. reqs must be sorted.
func (k *keyLocks) acquire(reqs []lockRequest) (release func()) {
	held := make([]*keyLock, len(reqs))

	k.mu.Lock()
	for i, r := range reqs {
		l, ok := k.locks[r.key]
		if !ok {
			l = &keyLock{}
			k.locks[r.key] = l
		}
		l.refs++
		held[i] = l
	}
	k.mu.Unlock()

	for i, r := range reqs {
		if r.exclusive {
			held[i].Lock()
		} else {
			held[i].RLock()
		}
	}

	return func() {
		for i := len(reqs) - 1; i >= 0; i-- {
			if reqs[i].exclusive {
				held[i].Unlock()
			} else {
				held[i].RUnlock()
			}
		}

		k.mu.Lock()
		for i, r := range reqs {
			held[i].refs--
			if held[i].refs == 0 {
				delete(k.locks, r.key)
			}
		}
		k.mu.Unlock()
	}
}

// active returns the number of keys currently referenced.
func (k *keyLocks) active() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
