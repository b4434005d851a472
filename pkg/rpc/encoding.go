package rpc

import (
	"encoding/base64"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"

	"github.com/fortiblox/X1-Custody/pkg/runtime"
)

// maxDecodedSize bounds base64+zstd payloads accepted from clients.
const maxDecodedSize = 16 << 20

// Shared zstd coders. EncodeAll and DecodeAll are safe for concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
)

// EncodeAccountData renders data as the [payload, encoding] pair used in
// account responses. Unknown encodings fall back to base64.
func EncodeAccountData(data []byte, encoding Encoding) (interface{}, error) {
	var payload string
	switch encoding {
	case EncodingBase58:
		payload = base58.Encode(data)
	case EncodingBase64Zstd:
		payload = base64.StdEncoding.EncodeToString(zstdEncoder.EncodeAll(data, nil))
	default:
		encoding = EncodingBase64
		payload = base64.StdEncoding.EncodeToString(data)
	}
	return []string{payload, string(encoding)}, nil
}

// DecodeAccountData reverses EncodeAccountData.
func DecodeAccountData(encoded string, encoding Encoding) ([]byte, error) {
	switch encoding {
	case EncodingBase58:
		return DecodeBase58(encoded)
	case EncodingBase64Zstd:
		compressed, err := DecodeBase64(encoded)
		if err != nil {
			return nil, err
		}
		data, err := zstdDecoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return data, nil
	default:
		return DecodeBase64(encoded)
	}
}

// EncodeTransaction serializes tx for sendTransaction: base64 if asked,
// base58 otherwise.
func EncodeTransaction(tx *runtime.Transaction, encoding Encoding) string {
	if encoding == EncodingBase64 {
		return base64.StdEncoding.EncodeToString(tx.Serialize())
	}
	return base58.Encode(tx.Serialize())
}

// DecodeTransaction parses a sendTransaction payload. The empty encoding
// means base58. Compressed transactions are not accepted.
func DecodeTransaction(encoded string, encoding Encoding) (*runtime.Transaction, error) {
	var (
		raw []byte
		err error
	)
	switch encoding {
	case "", EncodingBase58:
		raw, err = DecodeBase58(encoded)
	case EncodingBase64:
		raw, err = DecodeBase64(encoded)
	default:
		return nil, fmt.Errorf("unsupported transaction encoding %q", encoding)
	}
	if err != nil {
		return nil, err
	}
	return runtime.DeserializeTransaction(raw)
}

func DecodeBase58(s string) ([]byte, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("base58 decode: %w", err)
	}
	return b, nil
}

func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return b, nil
}

// ApplyDataSlice returns the window of data selected by slice, clamped to
// the data. A nil slice selects everything.
func ApplyDataSlice(data []byte, slice *DataSlice) []byte {
	if slice == nil {
		return data
	}
	n := uint64(len(data))
	if slice.Offset >= n {
		return []byte{}
	}
	end := slice.Offset + slice.Length
	if end > n || end < slice.Offset {
		end = n
	}
	return data[slice.Offset:end]
}
