// X1-Custody: Custody Ledger Node
//
// This is the main entry point for custodyd, a node that runs the custody
// program against a local accounts database and serves it over JSON-RPC
// and gRPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/node"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	dataDir          = flag.String("data-dir", "./data", "Data directory for accounts, journal and snapshots")
	programID        = flag.String("program-id", types.CustodyProgramAddr.String(), "Custody program address (base58)")
	inMemory         = flag.Bool("in-memory", false, "Keep accounts and journal in memory")
	rpcAddr          = flag.String("rpc-addr", ":8899", "JSON-RPC server listen address")
	enableRPC        = flag.Bool("enable-rpc", true, "Enable JSON-RPC server")
	grpcAddr         = flag.String("grpc-addr", ":8900", "gRPC server listen address")
	enableGRPC       = flag.Bool("enable-grpc", true, "Enable gRPC server")
	logRequests      = flag.Bool("log-requests", false, "Log every RPC and gRPC request")
	snapshotPath     = flag.String("snapshot", "", "Snapshot to load into an empty database (\"latest\" = newest in snapshot dir)")
	snapshotInterval = flag.Duration("snapshot-interval", time.Hour, "Period of automatic snapshots (0 = disabled)")
	snapshotsKept    = flag.Int("snapshots-retained", 3, "Number of snapshots to keep")
	skipSigVerify    = flag.Bool("skip-sig-verify", false, "Trust declared signers without verifying signatures")
	verbose          = flag.Bool("verbose", false, "Log every executed transaction")
	statusInterval   = flag.Duration("status-interval", 30*time.Second, "Period of status log lines")
	showVersion      = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("X1-Custody %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	// Setup logging
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting X1-Custody %s", Version)

	program, err := types.PubkeyFromBase58(*programID)
	if err != nil {
		log.Fatalf("Invalid program ID %q: %v", *programID, err)
	}

	cfg := node.DefaultConfig()
	cfg.DataDir = *dataDir
	cfg.InMemory = *inMemory
	cfg.ProgramID = program
	cfg.RPCEnabled = *enableRPC
	cfg.RPCAddr = *rpcAddr
	cfg.GRPCEnabled = *enableGRPC
	cfg.GRPCAddr = *grpcAddr
	cfg.RPCLogRequests = *logRequests
	cfg.SnapshotPath = *snapshotPath
	cfg.SnapshotInterval = *snapshotInterval
	cfg.SnapshotsRetained = *snapshotsKept
	cfg.SkipSignatureVerification = *skipSigVerify
	cfg.Verbose = *verbose

	if cfg.SkipSignatureVerification {
		log.Println("Warning: signature verification is disabled")
	}

	n, err := node.New(&cfg)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := n.Start(ctx); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	ticker := time.NewTicker(*statusInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			log.Printf("Received signal %v, shutting down...", sig)
			cancel()
			if err := n.Stop(); err != nil {
				log.Printf("Shutdown error: %v", err)
				os.Exit(1)
			}
			log.Println("X1-Custody stopped")
			return
		case <-ticker.C:
			s := n.Status()
			log.Printf("Status: sequence=%d, accounts=%d, submitted=%d (ok=%d failed=%d rejected=%d), journal=%d, uptime=%v",
				s.Sequence, s.AccountsCount, s.Submitted, s.Succeeded, s.Failed, s.Rejected,
				s.Journal.Count, s.Uptime.Truncate(time.Second))
			if s.LastError != nil {
				log.Printf("Last error: %v", s.LastError)
			}
		}
	}
}
