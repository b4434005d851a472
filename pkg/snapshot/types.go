// Package snapshot writes and loads point-in-time copies of the custody
// account state.
//
// # Snapshot Format
//
// A snapshot is a tar archive, optionally compressed with zstd, named
// custody-snapshot-SEQUENCE-HASH.tar.zst and containing:
//
//	version
//	manifest
//	accounts/SEQUENCE.INDEX (append-vec files)
//
// The manifest records the sequence, account count and accounts hash of the
// state. The append-vec files contain accounts stored sequentially with the
// following format for each account:
//   - StoredMeta: write_version (u64), data_len (u64), pubkey (32 bytes)
//   - AccountMeta: lamports (u64), rent_epoch (u64), owner (32 bytes), executable (bool)
//   - hash (32 bytes)
//   - data (variable length, padded to 8-byte alignment)
package snapshot

import (
	"errors"
	"time"

	"github.com/fortiblox/X1-Custody/internal/types"
)

// Errors returned by the snapshot package.
var (
	// ErrInvalidSnapshot indicates the snapshot file is malformed.
	ErrInvalidSnapshot = errors.New("invalid snapshot")

	// ErrUnsupportedVersion indicates the snapshot version is not supported.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")

	// ErrCorruptedData indicates data corruption was detected.
	ErrCorruptedData = errors.New("corrupted snapshot data")

	// ErrMissingManifest indicates the manifest is missing.
	ErrMissingManifest = errors.New("missing snapshot manifest")

	// ErrHashMismatch indicates the computed hash doesn't match expected.
	ErrHashMismatch = errors.New("snapshot hash mismatch")

	// ErrSnapshotNotFound indicates no snapshot was found at the path.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrDecompressionFailed indicates zstd decompression failed.
	ErrDecompressionFailed = errors.New("decompression failed")

	// ErrTargetNotEmpty indicates a snapshot was loaded into a populated
	// database.
	ErrTargetNotEmpty = errors.New("target database is not empty")
)

// FormatVersion is the snapshot format written by this package.
const FormatVersion uint32 = 1

// Info contains metadata about a discovered snapshot.
type Info struct {
	// Path is the full path to the snapshot file.
	Path string

	// Sequence is the last transaction sequence included in the snapshot.
	Sequence uint64

	// Hash is the base58 accounts hash from the filename.
	Hash string

	// IsCompressed indicates if the snapshot is zstd compressed.
	IsCompressed bool

	// Size is the file size in bytes.
	Size int64
}

// Manifest describes the state captured by a snapshot.
type Manifest struct {
	Version       uint32
	Sequence      uint64
	AccountsCount uint64
	AccountsHash  types.Hash

	// Program is the custody program the state belongs to.
	Program types.Pubkey

	CreatedAt time.Time
}

// Result contains the result of loading a snapshot.
type Result struct {
	Manifest

	// Duration is how long the load took.
	Duration time.Duration
}

// StoredAccountMeta is one account as stored in an append-vec file.
type StoredAccountMeta struct {
	WriteVersion uint64
	Pubkey       types.Pubkey
	Lamports     uint64
	RentEpoch    uint64
	Owner        types.Pubkey
	Executable   bool
	Hash         types.Hash
	Data         []byte
}
