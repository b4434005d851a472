package snapshot

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/accounts"
)

// Archive member names.
const (
	versionFile  = "version"
	manifestFile = "manifest"
	accountsDir  = "accounts/"
)

// snapshotPattern matches custody-snapshot-SEQUENCE-HASH.tar.zst or .tar.
var snapshotPattern = regexp.MustCompile(`^custody-snapshot-(\d+)-([1-9A-HJ-NP-Za-km-z]+)\.(tar\.zst|tar)$`)

// DefaultAccountsPerFile bounds the number of accounts in one append-vec.
const DefaultAccountsPerFile = 4096

// loadBatchSize is the number of accounts written per SetAccounts call.
const loadBatchSize = 1024

// CreateOptions configures snapshot creation.
type CreateOptions struct {
	// Program is recorded in the manifest and checked on load.
	Program types.Pubkey

	// Compress enables zstd compression.
	Compress bool

	// Level is the zstd encoder level.
	Level zstd.EncoderLevel

	// AccountsPerFile bounds each append-vec file. Zero means
	// DefaultAccountsPerFile.
	AccountsPerFile int
}

// DefaultCreateOptions returns compressed snapshot options for program.
func DefaultCreateOptions(program types.Pubkey) CreateOptions {
	return CreateOptions{
		Program:         program,
		Compress:        true,
		Level:           zstd.SpeedDefault,
		AccountsPerFile: DefaultAccountsPerFile,
	}
}

// FileName returns the snapshot file name for a sequence and hash.
func FileName(seq uint64, hash types.Hash, compressed bool) string {
	name := fmt.Sprintf("custody-snapshot-%d-%s.tar", seq, hash)
	if compressed {
		name += ".zst"
	}
	return name
}

// Create writes a snapshot of db into dir. The caller must keep db
// quiescent while Create runs.
func Create(dir string, db accounts.DB, opts CreateOptions) (*Info, error) {
	if opts.AccountsPerFile <= 0 {
		opts.AccountsPerFile = DefaultAccountsPerFile
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	seq := db.Sequence()
	var (
		files  [][]byte
		hashes []types.Hash
		buf    bytes.Buffer
		writer = NewAppendVecWriter(&buf)
	)
	err := db.IterateAccounts(func(pubkey types.Pubkey, account *accounts.Account) error {
		stored := NewStoredAccount(seq, pubkey, account)
		if err := writer.WriteAccount(stored); err != nil {
			return err
		}
		hashes = append(hashes, stored.Hash)
		if writer.Count() == opts.AccountsPerFile {
			files = append(files, append([]byte(nil), buf.Bytes()...))
			buf.Reset()
			writer = NewAppendVecWriter(&buf)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	if writer.Count() > 0 {
		files = append(files, buf.Bytes())
	}

	manifest := &Manifest{
		Version:       FormatVersion,
		Sequence:      seq,
		AccountsCount: uint64(len(hashes)),
		AccountsHash:  accounts.ComputeMerkleRoot(hashes),
		Program:       opts.Program,
		CreatedAt:     time.Now().UTC(),
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeArchive(tmp, manifest, files, opts); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close snapshot: %w", err)
	}

	path := filepath.Join(dir, FileName(seq, manifest.AccountsHash, opts.Compress))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("rename snapshot: %w", err)
	}
	return GetSnapshotInfo(path)
}

func writeArchive(w io.Writer, manifest *Manifest, files [][]byte, opts CreateOptions) error {
	var out io.Writer = w
	var enc *zstd.Encoder
	if opts.Compress {
		var err error
		enc, err = zstd.NewWriter(w, zstd.WithEncoderLevel(opts.Level))
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		out = enc
	}

	tw := tar.NewWriter(out)
	add := func(name string, data []byte) error {
		hdr := &tar.Header{
			Name:    name,
			Mode:    0644,
			Size:    int64(len(data)),
			ModTime: manifest.CreatedAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		return nil
	}

	if err := add(versionFile, []byte(strconv.FormatUint(uint64(FormatVersion), 10))); err != nil {
		return err
	}
	if err := add(manifestFile, MarshalManifest(manifest)); err != nil {
		return err
	}
	for i, data := range files {
		if err := add(fmt.Sprintf("%s%d.%d", accountsDir, manifest.Sequence, i), data); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("close zstd encoder: %w", err)
		}
	}
	return nil
}

// archive is the decoded content of a snapshot file.
type archive struct {
	manifest *Manifest
	files    map[int][]byte
}

func readArchive(path string) (*archive, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(path, ".zst") {
		decoder, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
		defer decoder.Close()
		reader = decoder
	}

	a := &archive{files: make(map[int][]byte)}
	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read tar header: %v", ErrInvalidSnapshot, err)
		}
		if header.Size > accounts.MaxAccountDataSize*int64(DefaultAccountsPerFile) {
			return nil, fmt.Errorf("%w: member %s too large", ErrInvalidSnapshot, header.Name)
		}
		data := make([]byte, header.Size)
		if _, err := io.ReadFull(tr, data); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidSnapshot, header.Name, err)
		}

		switch {
		case header.Name == versionFile:
			if strings.TrimSpace(string(data)) != strconv.FormatUint(uint64(FormatVersion), 10) {
				return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, data)
			}
		case header.Name == manifestFile:
			if a.manifest, err = ParseManifest(data); err != nil {
				return nil, err
			}
		case strings.HasPrefix(header.Name, accountsDir):
			index, ok := appendVecIndex(strings.TrimPrefix(header.Name, accountsDir))
			if !ok {
				return nil, fmt.Errorf("%w: unexpected member %s", ErrInvalidSnapshot, header.Name)
			}
			a.files[index] = data
		}
	}
	if a.manifest == nil {
		return nil, ErrMissingManifest
	}
	return a, nil
}

// appendVecIndex parses the INDEX of a SEQUENCE.INDEX file name.
func appendVecIndex(name string) (int, bool) {
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return 0, false
	}
	if _, err := strconv.ParseUint(parts[0], 10, 64); err != nil {
		return 0, false
	}
	index, err := strconv.Atoi(parts[1])
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}

// decodeAccounts reads every account of the archive in file order and
// checks the result against the manifest.
func (a *archive) decodeAccounts() ([]accounts.AccountEntry, error) {
	indexes := make([]int, 0, len(a.files))
	for i := range a.files {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var entries []accounts.AccountEntry
	var hashes []types.Hash
	for _, i := range indexes {
		data := a.files[i]
		reader := NewAppendVecReader(bytes.NewReader(data), int64(len(data)))
		err := IterateAppendVec(reader, func(s *StoredAccountMeta) error {
			if n := len(entries); n > 0 && entries[n-1].Pubkey.Compare(s.Pubkey) >= 0 {
				return fmt.Errorf("%w: accounts out of order at %s", ErrCorruptedData, s.Pubkey)
			}
			entries = append(entries, accounts.AccountEntry{Pubkey: s.Pubkey, Account: s.ToAccount()})
			hashes = append(hashes, s.Hash)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("append-vec %d: %w", i, err)
		}
	}

	m := a.manifest
	if uint64(len(entries)) != m.AccountsCount {
		return nil, fmt.Errorf("%w: %d accounts, manifest says %d", ErrCorruptedData, len(entries), m.AccountsCount)
	}
	if got := accounts.ComputeMerkleRoot(hashes); got != m.AccountsHash {
		return nil, fmt.Errorf("%w: computed %s, manifest %s", ErrHashMismatch, got, m.AccountsHash)
	}
	return entries, nil
}

// Load restores a snapshot into an empty accounts database. The snapshot
// is fully verified before anything is written. A zero program accepts a
// snapshot of any program.
func Load(path string, db accounts.DB, program types.Pubkey) (*Result, error) {
	start := time.Now()

	count, err := db.AccountsCount()
	if err != nil {
		return nil, fmt.Errorf("count accounts: %w", err)
	}
	if count != 0 {
		return nil, fmt.Errorf("%w: %d accounts", ErrTargetNotEmpty, count)
	}

	a, err := readArchive(path)
	if err != nil {
		return nil, err
	}
	if !program.IsZero() && a.manifest.Program != program {
		return nil, fmt.Errorf("%w: snapshot of program %s, want %s", ErrInvalidSnapshot, a.manifest.Program, program)
	}
	entries, err := a.decodeAccounts()
	if err != nil {
		return nil, err
	}

	for lo := 0; lo < len(entries); lo += loadBatchSize {
		hi := lo + loadBatchSize
		if hi > len(entries) {
			hi = len(entries)
		}
		if err := db.SetAccounts(entries[lo:hi]); err != nil {
			return nil, fmt.Errorf("store accounts: %w", err)
		}
	}
	if err := db.SetSequence(a.manifest.Sequence); err != nil {
		return nil, fmt.Errorf("set sequence: %w", err)
	}
	if err := db.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &Result{Manifest: *a.manifest, Duration: time.Since(start)}, nil
}

// Verify checks a snapshot's integrity without loading it.
func Verify(path string) (*Manifest, error) {
	a, err := readArchive(path)
	if err != nil {
		return nil, err
	}
	if _, err := a.decodeAccounts(); err != nil {
		return nil, err
	}
	return a.manifest, nil
}

// GetSnapshotInfo returns information about a snapshot file from its name.
func GetSnapshotInfo(path string) (*Info, error) {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}
	name := filepath.Base(path)
	matches := snapshotPattern.FindStringSubmatch(name)
	if matches == nil {
		return nil, fmt.Errorf("%w: unrecognized file name %s", ErrInvalidSnapshot, name)
	}
	seq, err := strconv.ParseUint(matches[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: sequence in %s", ErrInvalidSnapshot, name)
	}
	return &Info{
		Path:         path,
		Sequence:     seq,
		Hash:         matches[2],
		IsCompressed: strings.HasSuffix(name, ".zst"),
		Size:         stat.Size(),
	}, nil
}

// FindSnapshots discovers available snapshots in a directory.
// Returns snapshots sorted by sequence (newest first).
func FindSnapshots(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var snapshots []Info
	for _, entry := range entries {
		if entry.IsDir() || !snapshotPattern.MatchString(entry.Name()) {
			continue
		}
		info, err := GetSnapshotInfo(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		snapshots = append(snapshots, *info)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Sequence > snapshots[j].Sequence
	})
	return snapshots, nil
}

// FindLatestSnapshot finds the most recent snapshot in a directory.
func FindLatestSnapshot(dir string) (*Info, error) {
	snapshots, err := FindSnapshots(dir)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, ErrSnapshotNotFound
	}
	return &snapshots[0], nil
}

// Prune removes all but the newest keep snapshots in dir and returns the
// removed paths.
func Prune(dir string, keep int) ([]string, error) {
	snapshots, err := FindSnapshots(dir)
	if err != nil {
		return nil, err
	}
	if keep < 0 {
		keep = 0
	}
	var removed []string
	for i := keep; i < len(snapshots); i++ {
		if err := os.Remove(snapshots[i].Path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", snapshots[i].Path, err)
		}
		removed = append(removed, snapshots[i].Path)
	}
	return removed, nil
}
