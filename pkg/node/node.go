// Package node provides the orchestrator for an X1-Custody node.
//
// The Node ties together all components:
//   - AccountsDB holding custody and token account state
//   - Runtime executor with the token and custody programs installed
//   - Journal recording every executed transaction
//   - Snapshots of the account state, loaded at start and written periodically
//   - JSON-RPC and gRPC servers
//
// Transactions enter through Submit. Snapshots take a write barrier that
// waits for in-flight transactions so each snapshot captures a committed
// state.
package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/accounts"
	"github.com/fortiblox/X1-Custody/pkg/custody"
	"github.com/fortiblox/X1-Custody/pkg/grpcapi"
	"github.com/fortiblox/X1-Custody/pkg/journal"
	"github.com/fortiblox/X1-Custody/pkg/rpc"
	"github.com/fortiblox/X1-Custody/pkg/runtime"
	"github.com/fortiblox/X1-Custody/pkg/snapshot"
	"github.com/fortiblox/X1-Custody/pkg/token"
)

// Node errors.
var (
	ErrAlreadyRunning = errors.New("node is already running")
	ErrNotRunning     = errors.New("node is not running")
	ErrConfigInvalid  = errors.New("invalid node configuration")
	ErrInitFailed     = errors.New("node initialization failed")
	ErrJournal        = errors.New("transaction committed but not journaled")
)

// Config holds node configuration.
type Config struct {
	// DataDir is the root directory for all node data.
	// Subdirectories are created for accounts, journal and snapshots.
	DataDir string

	// InMemory keeps accounts and journal in memory. Nothing is written to
	// DataDir except snapshots.
	InMemory bool

	// ProgramID is the address the custody program is installed at.
	ProgramID types.Pubkey

	// SnapshotPath is an optional snapshot to load into an empty accounts
	// database at start. "latest" picks the newest snapshot in SnapshotDir.
	SnapshotPath string

	// SnapshotDir is where snapshots are written. Defaults to
	// DataDir/snapshots.
	SnapshotDir string

	// SnapshotInterval is the period of automatic snapshots. Zero disables
	// them.
	SnapshotInterval time.Duration

	// SnapshotOnShutdown writes a snapshot when the node stops.
	SnapshotOnShutdown bool

	// SnapshotsRetained is the number of snapshots kept in SnapshotDir.
	SnapshotsRetained int

	// SkipSignatureVerification trusts declared signers without checking
	// signatures.
	SkipSignatureVerification bool

	// Verbose logs every executed transaction.
	Verbose bool

	// JournalRetainEntries is the journal pruning window. Zero disables
	// pruning. It must cover the executor's replay window, which is rebuilt
	// from the journal at start.
	JournalRetainEntries uint64

	// GCInterval is the period of accounts value-log garbage collection.
	GCInterval time.Duration

	// RPCEnabled enables the JSON-RPC server.
	RPCEnabled bool

	// RPCAddr is the listen address for the RPC server (default ":8899").
	RPCAddr string

	// RPCLogRequests enables logging of RPC requests.
	RPCLogRequests bool

	// GRPCEnabled enables the gRPC server.
	GRPCEnabled bool

	// GRPCAddr is the listen address for the gRPC server (default ":8900").
	GRPCAddr string

	// OnError is called for background errors.
	OnError func(err error)
}

// LatestSnapshot selects the newest snapshot in SnapshotDir.
const LatestSnapshot = "latest"

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:              "./data",
		ProgramID:            types.CustodyProgramAddr,
		SnapshotInterval:     time.Hour,
		SnapshotOnShutdown:   true,
		SnapshotsRetained:    3,
		JournalRetainEntries: journal.DefaultRetainEntries,
		GCInterval:           10 * time.Minute,
		RPCEnabled:           true,
		RPCAddr:              ":8899",
		GRPCEnabled:          true,
		GRPCAddr:             ":8900",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data directory is required", ErrConfigInvalid)
	}
	if c.ProgramID.IsZero() {
		return fmt.Errorf("%w: custody program ID is required", ErrConfigInvalid)
	}
	if c.SnapshotInterval < 0 {
		return fmt.Errorf("%w: snapshot interval cannot be negative", ErrConfigInvalid)
	}
	if c.SnapshotsRetained < 1 {
		return fmt.Errorf("%w: at least one snapshot must be retained", ErrConfigInvalid)
	}
	if c.JournalRetainEntries > 0 && c.JournalRetainEntries < runtime.DefaultMaxTransactionAge {
		return fmt.Errorf("%w: journal must retain at least %d entries", ErrConfigInvalid, runtime.DefaultMaxTransactionAge)
	}
	if c.RPCEnabled && c.RPCAddr == "" {
		return fmt.Errorf("%w: rpc address is required", ErrConfigInvalid)
	}
	if c.GRPCEnabled && c.GRPCAddr == "" {
		return fmt.Errorf("%w: grpc address is required", ErrConfigInvalid)
	}
	return nil
}

func (c *Config) snapshotDir() string {
	if c.SnapshotDir != "" {
		return c.SnapshotDir
	}
	return filepath.Join(c.DataDir, "snapshots")
}

// Node represents a running custody node.
type Node struct {
	config Config

	// Core components
	accounts   accounts.DB
	journal    journal.Store
	exec       *runtime.Executor
	rpcServer  *rpc.Server
	grpcServer *grpcapi.Server

	// barrier is held shared by Submit and exclusively by Snapshot.
	barrier sync.RWMutex

	// State management
	running     atomic.Bool
	startTime   time.Time
	lastError   error
	lastErrorMu sync.RWMutex

	lastSnapshot   *snapshot.Info
	lastSnapshotMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a node with the given configuration. The node is not
// started until Start is called.
func New(config *Config) (*Node, error) {
	if config == nil {
		c := DefaultConfig()
		config = &c
	}
	if config.ProgramID.IsZero() {
		config.ProgramID = DefaultConfig().ProgramID
	}
	if config.SnapshotsRetained == 0 {
		config.SnapshotsRetained = DefaultConfig().SnapshotsRetained
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Node{config: *config}, nil
}

// Start opens storage, loads the configured snapshot and starts the
// servers and background loops. It returns once the node is serving.
func (n *Node) Start(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	n.ctx, n.cancel = context.WithCancel(ctx)
	n.startTime = time.Now()

	if err := n.initialize(); err != nil {
		n.cancel()
		n.running.Store(false)
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	if n.config.SnapshotInterval > 0 {
		n.wg.Add(1)
		go n.snapshotLoop()
	}
	if _, ok := n.accounts.(*accounts.BadgerDB); ok && n.config.GCInterval > 0 {
		n.wg.Add(1)
		go n.gcLoop()
	}

	if n.rpcServer != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.rpcServer.Start(n.ctx); err != nil {
				n.reportError(fmt.Errorf("RPC server error: %w", err))
			}
		}()
	}
	if n.grpcServer != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.grpcServer.Start(n.ctx); err != nil {
				n.reportError(fmt.Errorf("gRPC server error: %w", err))
			}
		}()
	}

	log.Printf("[NODE] Started at sequence %d (program %s)", n.accounts.Sequence(), n.config.ProgramID)
	return nil
}

// initialize sets up storage, the executor and the servers.
func (n *Node) initialize() error {
	if err := os.MkdirAll(n.config.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	if n.config.InMemory {
		n.accounts = accounts.NewMemoryDB()
		n.journal = journal.NewMemoryStore()
	} else {
		accts, err := accounts.NewBadgerDB(accounts.DefaultBadgerDBConfig(filepath.Join(n.config.DataDir, "accounts")))
		if err != nil {
			return fmt.Errorf("open accounts database: %w", err)
		}
		n.accounts = accts

		jcfg := journal.DefaultConfig(filepath.Join(n.config.DataDir, "journal", "journal.db"))
		jcfg.RetainEntries = n.config.JournalRetainEntries
		jcfg.PruneEnabled = n.config.JournalRetainEntries > 0
		j, err := journal.Open(jcfg)
		if err != nil {
			n.closeStorage()
			return fmt.Errorf("open journal: %w", err)
		}
		n.journal = j
	}

	if err := n.loadInitialSnapshot(); err != nil {
		n.closeStorage()
		return fmt.Errorf("load snapshot: %w", err)
	}

	execConfig := runtime.DefaultConfig()
	execConfig.SkipSignatureVerification = n.config.SkipSignatureVerification
	execConfig.Verbose = n.config.Verbose
	exec, err := runtime.NewExecutor(n.accounts, execConfig)
	if err != nil {
		n.closeStorage()
		return err
	}
	token.Install(exec)
	exec.Register(n.config.ProgramID, custody.NewProgram(n.config.ProgramID))
	n.exec = exec

	if err := n.restoreProcessed(); err != nil {
		n.closeStorage()
		return fmt.Errorf("restore processed transactions: %w", err)
	}

	if n.config.RPCEnabled {
		rpcConfig := rpc.DefaultConfig()
		rpcConfig.Addr = n.config.RPCAddr
		rpcConfig.LogRequests = n.config.RPCLogRequests
		n.rpcServer = rpc.New(rpcConfig, n)
	}
	if n.config.GRPCEnabled {
		grpcConfig := grpcapi.DefaultConfig()
		grpcConfig.Addr = n.config.GRPCAddr
		grpcConfig.LogRequests = n.config.RPCLogRequests
		n.grpcServer = grpcapi.New(grpcConfig, n)
	}
	return nil
}

// loadInitialSnapshot loads the configured snapshot into an empty accounts
// database. A populated database is left as is.
func (n *Node) loadInitialSnapshot() error {
	path := n.config.SnapshotPath
	if path == "" {
		return nil
	}
	if path == LatestSnapshot {
		latest, err := snapshot.FindLatestSnapshot(n.config.snapshotDir())
		if errors.Is(err, snapshot.ErrSnapshotNotFound) {
			log.Printf("[NODE] No snapshot in %s, starting from current state", n.config.snapshotDir())
			return nil
		}
		if err != nil {
			return fmt.Errorf("find snapshot: %w", err)
		}
		path = latest.Path
	}

	count, err := n.accounts.AccountsCount()
	if err != nil {
		return err
	}
	if count > 0 {
		log.Printf("[NODE] Accounts database holds %d accounts at sequence %d, not loading %s",
			count, n.accounts.Sequence(), filepath.Base(path))
		return nil
	}

	result, err := snapshot.Load(path, n.accounts, n.config.ProgramID)
	if err != nil {
		return err
	}
	log.Printf("[NODE] Loaded snapshot %s: %d accounts at sequence %d in %v",
		filepath.Base(path), result.AccountsCount, result.Sequence, result.Duration)
	return nil
}

// restoreProcessed hands the executor the IDs of journaled transactions
// still inside the replay window. A sequence missing from the journal, as
// after loading a snapshot into a fresh node, raises the recent sequence
// floor past it.
func (n *Node) restoreProcessed() error {
	current := n.accounts.Sequence()
	age := n.exec.MaxTransactionAge()
	from := uint64(1)
	if current > age {
		from = current - age + 1
	}

	ids := make(map[types.Hash]uint64)
	var floor uint64
	for seq := from; seq <= current; seq++ {
		entry, err := n.journal.Get(seq)
		if errors.Is(err, journal.ErrEntryNotFound) {
			floor = seq
			continue
		}
		if err != nil {
			return fmt.Errorf("journal entry %d: %w", seq, err)
		}
		tx, err := runtime.DeserializeTransaction(entry.Raw)
		if err != nil {
			log.Printf("[NODE] Journal entry %d does not decode: %v", seq, err)
			floor = seq
			continue
		}
		ids[tx.ID()] = tx.RecentSequence
	}

	n.exec.RestoreProcessed(ids, floor)
	if current > 0 {
		log.Printf("[NODE] Replay window: %d transactions, recent sequence floor %d", len(ids), floor)
	}
	return nil
}

// closeStorage closes all storage backends.
func (n *Node) closeStorage() {
	if n.journal != nil {
		n.journal.Close()
	}
	if n.accounts != nil {
		n.accounts.Close()
	}
}

// Submit executes tx and journals the outcome.
//
// The returned error is from validation or storage. A transaction a
// program rejected comes back as a Result with Success false. If the
// journal append fails the committed Result is returned with an error
// wrapping ErrJournal.
func (n *Node) Submit(ctx context.Context, tx *runtime.Transaction) (*runtime.Result, error) {
	n.barrier.RLock()
	defer n.barrier.RUnlock()

	if !n.running.Load() {
		return nil, ErrNotRunning
	}

	n.submitted.Add(1)
	res, err := n.exec.Execute(ctx, tx)
	if err != nil {
		n.rejected.Add(1)
		return nil, err
	}
	if res.Success {
		n.succeeded.Add(1)
	} else {
		n.failed.Add(1)
	}

	entry := journal.NewEntry(tx, res, time.Now())
	if pe, ok := custody.AsProgramError(res.Err); ok {
		entry.ErrCode = pe.Code
	}
	if err := n.journal.Append(entry); err != nil {
		err = fmt.Errorf("%w: sequence %d: %v", ErrJournal, res.Sequence, err)
		n.reportError(err)
		return res, err
	}
	return res, nil
}

// Snapshot writes a snapshot of the current state to SnapshotDir and
// prunes old ones. Submissions wait until it completes.
func (n *Node) Snapshot() (*snapshot.Info, error) {
	if !n.running.Load() {
		return nil, ErrNotRunning
	}
	return n.writeSnapshot()
}

func (n *Node) writeSnapshot() (*snapshot.Info, error) {
	n.barrier.Lock()
	defer n.barrier.Unlock()

	if n.accounts.Sequence() == 0 {
		return nil, nil
	}
	if last := n.LastSnapshot(); last != nil && last.Sequence == n.accounts.Sequence() {
		return last, nil
	}

	if err := n.accounts.Commit(); err != nil {
		return nil, fmt.Errorf("commit accounts: %w", err)
	}
	dir := n.config.snapshotDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	start := time.Now()
	info, err := snapshot.Create(dir, n.accounts, snapshot.DefaultCreateOptions(n.config.ProgramID))
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	log.Printf("[NODE] Wrote snapshot %s (%d bytes) in %v", filepath.Base(info.Path), info.Size, time.Since(start))

	removed, err := snapshot.Prune(dir, n.config.SnapshotsRetained)
	if err != nil {
		log.Printf("[NODE] Snapshot prune failed: %v", err)
	} else if len(removed) > 0 {
		log.Printf("[NODE] Pruned %d old snapshots", len(removed))
	}

	n.lastSnapshotMu.Lock()
	n.lastSnapshot = info
	n.lastSnapshotMu.Unlock()
	return info, nil
}

// LastSnapshot returns the most recent snapshot written by this node.
func (n *Node) LastSnapshot() *snapshot.Info {
	n.lastSnapshotMu.RLock()
	defer n.lastSnapshotMu.RUnlock()
	return n.lastSnapshot
}

// snapshotLoop writes snapshots every SnapshotInterval.
func (n *Node) snapshotLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.writeSnapshot(); err != nil {
				n.reportError(fmt.Errorf("periodic snapshot: %w", err))
			}
		}
	}
}

// gcLoop runs value-log garbage collection on the accounts database.
func (n *Node) gcLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if b, ok := n.accounts.(*accounts.BadgerDB); ok {
				if err := b.RunGC(); err != nil {
					n.reportError(fmt.Errorf("accounts gc: %w", err))
				}
			}
		}
	}
}

// Stop gracefully stops the node.
func (n *Node) Stop() error {
	if !n.running.Load() {
		return ErrNotRunning
	}

	// Cancel context to stop all goroutines and servers
	if n.cancel != nil {
		n.cancel()
	}
	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.grpcServer != nil {
		n.grpcServer.Stop()
	}
	n.wg.Wait()

	if n.config.SnapshotOnShutdown {
		if _, err := n.writeSnapshot(); err != nil {
			log.Printf("[NODE] Shutdown snapshot failed: %v", err)
		}
	}

	n.barrier.Lock()
	defer n.barrier.Unlock()
	n.running.Store(false)

	seq := n.accounts.Sequence()
	var errs []error
	if err := n.accounts.Commit(); err != nil {
		errs = append(errs, fmt.Errorf("commit accounts: %w", err))
	}
	if err := n.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}
	if err := n.accounts.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close accounts: %w", err))
	}
	log.Printf("[NODE] Stopped at sequence %d", seq)
	return errors.Join(errs...)
}

// Accounts returns the accounts database.
func (n *Node) Accounts() accounts.DB {
	return n.accounts
}

// Journal returns the transaction journal.
func (n *Node) Journal() journal.Store {
	return n.journal
}

// CustodyProgram returns the custody program ID.
func (n *Node) CustodyProgram() types.Pubkey {
	return n.config.ProgramID
}

// RPCServer returns the JSON-RPC server, or nil if disabled.
func (n *Node) RPCServer() *rpc.Server {
	return n.rpcServer
}

// Status returns the current node status.
func (n *Node) Status() *Status {
	s := &Status{
		IsRunning: n.running.Load(),
		Submitted: n.submitted.Load(),
		Succeeded: n.succeeded.Load(),
		Failed:    n.failed.Load(),
		Rejected:  n.rejected.Load(),
		LastError: n.getLastError(),
	}
	if !n.startTime.IsZero() {
		s.Uptime = time.Since(n.startTime)
	}
	if n.accounts != nil && s.IsRunning {
		s.Sequence = n.accounts.Sequence()
		s.AccountsCount, _ = n.accounts.AccountsCount()
	}
	if n.journal != nil && s.IsRunning {
		s.Journal = n.journal.Stats()
	}
	if n.rpcServer != nil {
		s.RPCAddr = n.config.RPCAddr
	}
	if n.grpcServer != nil {
		s.GRPCAddr = n.config.GRPCAddr
	}
	if last := n.LastSnapshot(); last != nil {
		s.LastSnapshotSequence = last.Sequence
	}
	return s
}

// Status contains the current node status.
type Status struct {
	// Sequence is the sequence of the last executed transaction.
	Sequence uint64

	// AccountsCount is the total number of accounts in the database.
	AccountsCount uint64

	// IsRunning indicates if the node is running.
	IsRunning bool

	// Uptime is how long the node has been running.
	Uptime time.Duration

	// Submitted counts Submit calls since start. Every submission is
	// exactly one of Succeeded, Failed or Rejected.
	Submitted uint64
	Succeeded uint64
	Failed    uint64
	Rejected  uint64

	// Journal summarizes the transaction journal.
	Journal journal.Stats

	// LastSnapshotSequence is the sequence of the last snapshot written.
	LastSnapshotSequence uint64

	RPCAddr  string
	GRPCAddr string

	// LastError is the most recent background error.
	LastError error
}

func (n *Node) reportError(err error) {
	log.Printf("[NODE] %v", err)
	n.setLastError(err)
	if n.config.OnError != nil {
		n.config.OnError(err)
	}
}

// setLastError safely sets the last error.
func (n *Node) setLastError(err error) {
	n.lastErrorMu.Lock()
	n.lastError = err
	n.lastErrorMu.Unlock()
}

// getLastError safely gets the last error.
func (n *Node) getLastError() error {
	n.lastErrorMu.RLock()
	defer n.lastErrorMu.RUnlock()
	return n.lastError
}

var (
	_ rpc.Backend     = (*Node)(nil)
	_ grpcapi.Backend = (*Node)(nil)
)
