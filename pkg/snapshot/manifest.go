package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// BincodeReader provides helpers for reading little-endian fixed-width
// fields, the encoding used by the manifest.
type BincodeReader struct {
	reader io.Reader
	buf    []byte
}

// NewBincodeReader creates a new bincode reader.
func NewBincodeReader(r io.Reader) *BincodeReader {
	return &BincodeReader{reader: r, buf: make([]byte, 8)}
}

// ReadU32 reads a little-endian uint32.
func (r *BincodeReader) ReadU32() (uint32, error) {
	if _, err := io.ReadFull(r.reader, r.buf[:4]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.buf[:4]), nil
}

// ReadU64 reads a little-endian uint64.
func (r *BincodeReader) ReadU64() (uint64, error) {
	if _, err := io.ReadFull(r.reader, r.buf[:8]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.buf[:8]), nil
}

// ReadI64 reads a little-endian int64.
func (r *BincodeReader) ReadI64() (int64, error) {
	v, err := r.ReadU64()
	return int64(v), err
}

// ReadFixed fills dst.
func (r *BincodeReader) ReadFixed(dst []byte) error {
	_, err := io.ReadFull(r.reader, dst)
	return err
}

// BincodeWriter is the writing counterpart of BincodeReader.
type BincodeWriter struct {
	buf bytes.Buffer
}

// WriteU32 writes a little-endian uint32.
func (w *BincodeWriter) WriteU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

// WriteU64 writes a little-endian uint64.
func (w *BincodeWriter) WriteU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// WriteI64 writes a little-endian int64.
func (w *BincodeWriter) WriteI64(v int64) {
	w.WriteU64(uint64(v))
}

// WriteFixed writes b as-is.
func (w *BincodeWriter) WriteFixed(b []byte) {
	w.buf.Write(b)
}

// Bytes returns the encoded bytes.
func (w *BincodeWriter) Bytes() []byte {
	return w.buf.Bytes()
}

// manifestSize is version + sequence + count + hash + program + created_at.
const manifestSize = 4 + 8 + 8 + 32 + 32 + 8

// MarshalManifest encodes m.
func MarshalManifest(m *Manifest) []byte {
	var w BincodeWriter
	w.WriteU32(m.Version)
	w.WriteU64(m.Sequence)
	w.WriteU64(m.AccountsCount)
	w.WriteFixed(m.AccountsHash[:])
	w.WriteFixed(m.Program[:])
	w.WriteI64(m.CreatedAt.UnixNano())
	return w.Bytes()
}

// ParseManifest decodes a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) != manifestSize {
		return nil, fmt.Errorf("%w: manifest is %d bytes, want %d", ErrInvalidSnapshot, len(data), manifestSize)
	}
	r := NewBincodeReader(bytes.NewReader(data))
	m := &Manifest{}

	var err error
	if m.Version, err = r.ReadU32(); err != nil {
		return nil, err
	}
	if m.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.Version)
	}
	if m.Sequence, err = r.ReadU64(); err != nil {
		return nil, err
	}
	if m.AccountsCount, err = r.ReadU64(); err != nil {
		return nil, err
	}
	if err := r.ReadFixed(m.AccountsHash[:]); err != nil {
		return nil, err
	}
	if err := r.ReadFixed(m.Program[:]); err != nil {
		return nil, err
	}
	created, err := r.ReadI64()
	if err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(0, created).UTC()
	return m, nil
}
