// Package runtime is the host execution environment for custody programs.
//
// A Transaction declares every account its instructions touch. The Executor
// locks that set (exclusive for writable keys, shared for read-only keys),
// loads the accounts into a private working set, runs each instruction
// through its registered Program and then commits every modified account in
// one accounts.DB.SetAccounts call. If any instruction fails, the working
// set is discarded and the store is left untouched.
//
// Transactions touching disjoint writable keys run concurrently.
//
// Each message runs at most once. A transaction names a recent ledger
// sequence and is only accepted while the ledger is no more than
// MaxTransactionAge sequences past it, so the executor only has to remember
// the IDs inside that window.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/accounts"
)

// Execution errors.
var (
	ErrInvalidSignature            = errors.New("invalid transaction signature")
	ErrMissingRequiredSignature    = errors.New("missing required signature")
	ErrProgramNotFound             = errors.New("program not found")
	ErrAccountNotDeclared          = errors.New("account not declared by instruction")
	ErrAccountNotWritable          = errors.New("account not writable")
	ErrAccountAlreadyInUse         = errors.New("account already in use")
	ErrExternalAccountDataModified = errors.New("program modified data of an account it does not own")
	ErrPrivilegeEscalation         = errors.New("cross-program invocation with unauthorized signer or writable account")
	ErrCallDepth                   = errors.New("cross-program invocation call depth too deep")
	ErrAccountDataTooLarge         = errors.New("account data too large")
	ErrAddressNotAuthorized        = errors.New("new account address did not sign and is not derived by the program")
	ErrAlreadyProcessed            = errors.New("transaction already processed")
	ErrTransactionExpired          = errors.New("transaction recent sequence is too old")
	ErrInvalidRecentSequence       = errors.New("transaction recent sequence is ahead of the ledger")
)

// DefaultMaxTransactionAge is the default replay window in sequences.
const DefaultMaxTransactionAge = 300

// Program processes instructions addressed to its program ID.
type Program interface {
	Process(ctx InvokeContext, metas []AccountMeta, data []byte) error
}

// ProgramFunc adapts a function to the Program interface.
type ProgramFunc func(ctx InvokeContext, metas []AccountMeta, data []byte) error

// Process calls f.
func (f ProgramFunc) Process(ctx InvokeContext, metas []AccountMeta, data []byte) error {
	return f(ctx, metas, data)
}

// Config holds executor configuration.
type Config struct {
	// SkipSignatureVerification trusts the declared signer list without
	// checking signatures. Signers must still be listed.
	SkipSignatureVerification bool

	// MaxInvokeDepth bounds nested cross-program invocations.
	MaxInvokeDepth int

	// Verbose logs every executed transaction.
	Verbose bool

	// MaxTransactionAge is how many sequences past its RecentSequence a
	// transaction is still accepted.
	MaxTransactionAge uint64
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxInvokeDepth:    4,
		MaxTransactionAge: DefaultMaxTransactionAge,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxInvokeDepth < 1 {
		return errors.New("max invoke depth must be at least 1")
	}
	if c.MaxTransactionAge < 1 {
		return errors.New("max transaction age must be at least 1")
	}
	return nil
}

// Result is the outcome of an executed transaction.
type Result struct {
	// Sequence is the position of the transaction in execution order.
	Sequence uint64

	ID      types.Hash
	Success bool

	// Err is the program error that aborted the transaction.
	Err error

	Logs []string

	// Modified lists the committed accounts, in ascending key order.
	Modified []types.Pubkey
}

// Error returns the failure message, or "" on success.
func (r *Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Executor runs transactions against an accounts database.
type Executor struct {
	config   Config
	db       accounts.DB
	locks    *keyLocks
	programs map[types.Pubkey]Program

	// derivers lists, per program, the extra bases it may derive new
	// account addresses under.
	derivers map[types.Pubkey][]types.Pubkey

	// commitMu orders commits and sequence assignment. It also guards
	// processed and floor.
	commitMu sync.Mutex

	// processed maps the ID of every transaction still inside the replay
	// window to its recent sequence.
	processed map[types.Hash]uint64

	// floor is the lowest recent sequence accepted.
	floor uint64
}

// NewExecutor creates an executor over db.
func NewExecutor(db accounts.DB, config Config) (*Executor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Executor{
		config:   config,
		db:       db,
		locks:     newKeyLocks(),
		programs:  make(map[types.Pubkey]Program),
		derivers:  make(map[types.Pubkey][]types.Pubkey),
		processed: make(map[types.Hash]uint64),
	}, nil
}

// Register installs a program. It must be called before Execute.
func (e *Executor) Register(programID types.Pubkey, p Program) {
	e.programs[programID] = p
}

// AllowDerivation lets programID create accounts at addresses derived
// under base as well as under its own ID. It must be called before Execute.
func (e *Executor) AllowDerivation(programID, base types.Pubkey) {
	e.derivers[programID] = append(e.derivers[programID], base)
}

// MaxTransactionAge returns the replay window in sequences.
func (e *Executor) MaxTransactionAge() uint64 {
	return e.config.MaxTransactionAge
}

// RestoreProcessed reloads the replay window after a restart. ids maps
// transaction IDs to their recent sequences. Transactions whose recent
// sequence is below floor are rejected as expired, which covers sequences
// whose IDs were lost.
func (e *Executor) RestoreProcessed(ids map[types.Hash]uint64, floor uint64) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	for id, recent := range ids {
		e.processed[id] = recent
	}
	if floor > e.floor {
		e.floor = floor
	}
}

// Accounts returns the underlying accounts database.
func (e *Executor) Accounts() accounts.DB {
	return e.db
}

// Validate checks a transaction's shape and signatures without executing it.
func (e *Executor) Validate(tx *Transaction) error {
	if len(tx.Instructions) == 0 {
		return ErrNoInstructions
	}
	if len(tx.Instructions) > MaxInstructions {
		return ErrTransactionTooLarge
	}

	signers := make(map[types.Pubkey]bool, len(tx.Signers))
	for _, s := range tx.Signers {
		signers[s] = true
	}
	for _, ix := range tx.Instructions {
		if _, ok := e.programs[ix.ProgramID]; !ok {
			return fmt.Errorf("%w: %s", ErrProgramNotFound, ix.ProgramID)
		}
		for _, m := range ix.Accounts {
			if m.IsSigner && !signers[m.Pubkey] {
				return fmt.Errorf("%w: %s", ErrMissingRequiredSignature, m.Pubkey)
			}
		}
	}

	if e.config.SkipSignatureVerification {
		return nil
	}
	return tx.VerifySignatures()
}

// Execute validates, runs and commits a transaction.
//
// A malformed, badly signed, expired or already processed transaction
// returns an error and consumes no sequence number. A transaction whose
// program fails returns a Result with Success false and nothing committed;
// it still counts as processed. An error is also returned if the store
// fails.
func (e *Executor) Execute(ctx context.Context, tx *Transaction) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.Validate(tx); err != nil {
		return nil, err
	}
	id := tx.ID()

	e.commitMu.Lock()
	err := e.checkRecent(id, tx.RecentSequence)
	e.commitMu.Unlock()
	if err != nil {
		return nil, err
	}

	release := e.locks.acquire(lockSet(tx.Instructions))
	defer release()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	state := newTxState()
	result := &Result{ID: id}

	var execErr error
	for i, ix := range tx.Instructions {
		if err := e.load(state, ix.Accounts); err != nil {
			return nil, err
		}
		state.logs = append(state.logs, fmt.Sprintf("Program %s invoke [1]", ix.ProgramID))
		ictx := e.newInvokeContext(state, ix, 0)
		err := e.programs[ix.ProgramID].Process(ictx, ix.Accounts, ix.Data)
		if err == nil {
			err = state.failed
		}
		if err != nil {
			state.logs = append(state.logs, fmt.Sprintf("Program %s failed: %v", ix.ProgramID, err))
			execErr = fmt.Errorf("instruction %d: %w", i, err)
			break
		}
		state.logs = append(state.logs, fmt.Sprintf("Program %s success", ix.ProgramID))
	}
	result.Logs = state.logs

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	// Copies of the same message may have raced past the first check.
	if err := e.checkRecent(id, tx.RecentSequence); err != nil {
		return nil, err
	}

	if execErr == nil {
		entries := state.modifiedEntries()
		if err := e.db.SetAccounts(entries); err != nil {
			return nil, fmt.Errorf("commit accounts: %w", err)
		}
		result.Success = true
		for _, entry := range entries {
			result.Modified = append(result.Modified, entry.Pubkey)
		}
	} else {
		result.Err = execErr
	}

	result.Sequence = e.db.Sequence() + 1
	if err := e.db.SetSequence(result.Sequence); err != nil {
		return nil, fmt.Errorf("set sequence: %w", err)
	}
	e.markProcessed(id, tx.RecentSequence, result.Sequence)

	if e.config.Verbose {
		if result.Success {
			log.Printf("[RUNTIME] tx %d %s ok (%d accounts)", result.Sequence, result.ID, len(result.Modified))
		} else {
			log.Printf("[RUNTIME] tx %d %s failed: %v", result.Sequence, result.ID, result.Err)
		}
	}
	return result, nil
}

// checkRecent rejects a transaction whose recent sequence is outside the
// replay window or whose ID was already processed. commitMu must be held.
func (e *Executor) checkRecent(id types.Hash, recent uint64) error {
	current := e.db.Sequence()
	switch {
	case recent > current:
		return fmt.Errorf("%w: %d, ledger at %d", ErrInvalidRecentSequence, recent, current)
	case recent < e.floor || current-recent > e.config.MaxTransactionAge:
		return fmt.Errorf("%w: %d, ledger at %d", ErrTransactionExpired, recent, current)
	}
	if _, ok := e.processed[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, id)
	}
	return nil
}

// markProcessed records id and, once per window, forgets IDs that can no
// longer pass the age check. commitMu must be held.
func (e *Executor) markProcessed(id types.Hash, recent, seq uint64) {
	e.processed[id] = recent
	age := e.config.MaxTransactionAge
	if seq%age != 0 {
		return
	}
	for k, r := range e.processed {
		if seq-r > age {
			delete(e.processed, k)
		}
	}
}

// load reads any declared accounts not yet in the working set.
func (e *Executor) load(state *txState, metas []AccountMeta) error {
	for _, m := range metas {
		if _, ok := state.accounts[m.Pubkey]; ok {
			continue
		}
		acc, err := e.db.GetAccount(m.Pubkey)
		if errors.Is(err, accounts.ErrAccountNotFound) {
			state.accounts[m.Pubkey] = &slot{}
			continue
		}
		if err != nil {
			return fmt.Errorf("load account %s: %w", m.Pubkey, err)
		}
		state.accounts[m.Pubkey] = &slot{account: acc}
	}
	return nil
}

// txState is the private working set of one transaction.
type txState struct {
	accounts map[types.Pubkey]*slot
	logs     []string

	// failed records an inner invocation failure so that a caller that
	// swallows the error cannot commit partial effects.
	failed error
}

type slot struct {
	account  *accounts.Account // nil if the account does not exist
	modified bool
}

func newTxState() *txState {
	return &txState{accounts: make(map[types.Pubkey]*slot)}
}

func (s *txState) modifiedEntries() []accounts.AccountEntry {
	var entries []accounts.AccountEntry
	for _, key := range sortedKeys(s.accounts) {
		sl := s.accounts[key]
		if sl.modified {
			entries = append(entries, accounts.AccountEntry{Pubkey: key, Account: sl.account})
		}
	}
	return entries
}

func sortedKeys(m map[types.Pubkey]*slot) []types.Pubkey {
	keys := make([]types.Pubkey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}
