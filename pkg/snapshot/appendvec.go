package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/accounts"
)

// AppendVec alignment requirement.
const appendVecAlignment = 8

// Account storage sizes.
const (
	// StoredMetaSize is the size of StoredMeta (write_version + data_len + pubkey).
	StoredMetaSize = 8 + 8 + 32

	// AccountMetaSize is the size of AccountMeta (lamports + rent_epoch + owner + executable).
	AccountMetaSize = 8 + 8 + 32 + 1

	// AccountHashSize is the size of the account hash.
	AccountHashSize = 32

	// MinAccountSize is the minimum size of a stored account entry.
	MinAccountSize = StoredMetaSize + AccountMetaSize + AccountHashSize
)

// NewStoredAccount captures account for storage, hashing it as the
// accounts database does.
func NewStoredAccount(writeVersion uint64, pubkey types.Pubkey, account *accounts.Account) *StoredAccountMeta {
	return &StoredAccountMeta{
		WriteVersion: writeVersion,
		Pubkey:       pubkey,
		Lamports:     account.Lamports,
		RentEpoch:    account.RentEpoch,
		Owner:        account.Owner,
		Executable:   account.Executable,
		Hash:         accounts.ComputeAccountHash(pubkey, account),
		Data:         account.Data,
	}
}

// ToAccount converts the stored form back into an account.
func (s *StoredAccountMeta) ToAccount() *accounts.Account {
	return &accounts.Account{
		Lamports:   s.Lamports,
		Data:       s.Data,
		Owner:      s.Owner,
		Executable: s.Executable,
		RentEpoch:  s.RentEpoch,
	}
}

// EncodedSize returns the number of bytes the account occupies in an
// append-vec file.
func (s *StoredAccountMeta) EncodedSize() int64 {
	return MinAccountSize + alignUp(int64(len(s.Data)), appendVecAlignment)
}

// AppendVecWriter writes accounts in append-vec format.
type AppendVecWriter struct {
	w        io.Writer
	position int64
	count    int
}

// NewAppendVecWriter creates a writer over w.
func NewAppendVecWriter(w io.Writer) *AppendVecWriter {
	return &AppendVecWriter{w: w}
}

// WriteAccount appends one account.
func (w *AppendVecWriter) WriteAccount(s *StoredAccountMeta) error {
	if len(s.Data) > accounts.MaxAccountDataSize {
		return fmt.Errorf("%w: account %s data_len %d", ErrCorruptedData, s.Pubkey, len(s.Data))
	}
	buf := make([]byte, s.EncodedSize())
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], s.WriteVersion)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(s.Data)))
	off += 8
	off += copy(buf[off:], s.Pubkey[:])
	binary.LittleEndian.PutUint64(buf[off:], s.Lamports)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], s.RentEpoch)
	off += 8
	off += copy(buf[off:], s.Owner[:])
	if s.Executable {
		buf[off] = 1
	}
	off++
	off += copy(buf[off:], s.Hash[:])
	copy(buf[off:], s.Data)

	n, err := w.w.Write(buf)
	w.position += int64(n)
	if err != nil {
		return fmt.Errorf("write account %s: %w", s.Pubkey, err)
	}
	w.count++
	return nil
}

// Size returns the number of bytes written.
func (w *AppendVecWriter) Size() int64 {
	return w.position
}

// Count returns the number of accounts written.
func (w *AppendVecWriter) Count() int {
	return w.count
}

// AppendVecReader reads accounts from an append-vec file.
type AppendVecReader struct {
	reader   io.Reader
	size     int64
	position int64
}

// NewAppendVecReader creates a reader over size bytes of r.
func NewAppendVecReader(r io.Reader, size int64) *AppendVecReader {
	return &AppendVecReader{reader: r, size: size}
}

// HasMore returns true if there are more accounts to read.
func (r *AppendVecReader) HasMore() bool {
	return r.position < r.size
}

// ReadAccount reads the next account and checks its stored hash.
// Returns io.EOF when no more accounts are available.
func (r *AppendVecReader) ReadAccount() (*StoredAccountMeta, error) {
	if r.position >= r.size {
		return nil, io.EOF
	}
	if r.position+MinAccountSize > r.size {
		return nil, fmt.Errorf("%w: truncated account at offset %d", ErrCorruptedData, r.position)
	}

	header := make([]byte, MinAccountSize)
	if err := r.read(header); err != nil {
		return nil, fmt.Errorf("read account header: %w", err)
	}

	s := &StoredAccountMeta{}
	off := 0
	s.WriteVersion = binary.LittleEndian.Uint64(header[off:])
	off += 8
	dataLen := binary.LittleEndian.Uint64(header[off:])
	off += 8
	off += copy(s.Pubkey[:], header[off:])
	s.Lamports = binary.LittleEndian.Uint64(header[off:])
	off += 8
	s.RentEpoch = binary.LittleEndian.Uint64(header[off:])
	off += 8
	off += copy(s.Owner[:], header[off:])
	s.Executable = header[off] != 0
	off++
	copy(s.Hash[:], header[off:])

	if dataLen > accounts.MaxAccountDataSize {
		return nil, fmt.Errorf("%w: data_len %d exceeds maximum %d", ErrCorruptedData, dataLen, accounts.MaxAccountDataSize)
	}
	aligned := alignUp(int64(dataLen), appendVecAlignment)
	if r.position+aligned > r.size {
		return nil, fmt.Errorf("%w: account %s data runs past end of file", ErrCorruptedData, s.Pubkey)
	}
	padded := make([]byte, aligned)
	if err := r.read(padded); err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	s.Data = padded[:dataLen]

	if accounts.ComputeAccountHash(s.Pubkey, s.ToAccount()) != s.Hash {
		return nil, fmt.Errorf("%w: account %s hash", ErrCorruptedData, s.Pubkey)
	}
	return s, nil
}

func (r *AppendVecReader) read(buf []byte) error {
	n, err := io.ReadFull(r.reader, buf)
	r.position += int64(n)
	return err
}

func alignUp(n, alignment int64) int64 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// IterateAppendVec calls fn for each account in the reader.
func IterateAppendVec(reader *AppendVecReader, fn func(*StoredAccountMeta) error) error {
	for reader.HasMore() {
		s, err := reader.ReadAccount()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}
