package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a blob is encoded on disk. The tag is the first
// byte of every object file; changing values breaks existing stores.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a configured compression name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

var errIncompressible = errors.New("incompressible")

// Upper bounds on how far a payload can expand. A length header beyond them
// cannot be genuine.
const (
	lz4MaxRatio  = 255
	zstdMaxRatio = 1 << 16

	// zstdPrealloc caps the buffer reserved up front; DecodeAll grows it.
	zstdPrealloc = 1 << 20
)

func checkLength(size uint64, payload []byte, ratio uint64) error {
	if limit := ratio*uint64(len(payload)) + 16; size > limit {
		return fmt.Errorf("length header %d exceeds %d for a %d byte payload", size, limit, len(payload))
	}
	return nil
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeBlob frames data as tag | uvarint(raw length) | payload. Data that
// does not shrink under the requested compression is stored raw.
func encodeBlob(data []byte, c Compression) ([]byte, error) {
	payload, tag := data, CompressionNone
	if c != CompressionNone && len(data) > 0 {
		compressed, err := compress(data, c)
		switch {
		case err == nil:
			payload, tag = compressed, c
		case !errors.Is(err, errIncompressible):
			return nil, err
		}
	}
	out := make([]byte, 1, 1+binary.MaxVarintLen64+len(payload))
	out[0] = byte(tag)
	out = binary.AppendUvarint(out, uint64(len(data)))
	return append(out, payload...), nil
}

// decodeBlob reverses encodeBlob.
func decodeBlob(blob []byte) ([]byte, error) {
	if len(blob) < 2 {
		return nil, fmt.Errorf("blob too short (%d bytes)", len(blob))
	}
	tag := Compression(blob[0])
	size, n := binary.Uvarint(blob[1:])
	if n <= 0 {
		return nil, errors.New("bad blob length header")
	}
	payload := blob[1+n:]
	switch tag {
	case CompressionNone:
		if uint64(len(payload)) != size {
			return nil, fmt.Errorf("raw blob: size %d does not match header %d", len(payload), size)
		}
		return payload, nil
	case CompressionLZ4:
		if err := checkLength(size, payload, lz4MaxRatio); err != nil {
			return nil, err
		}
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(read) != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return out, nil
	case CompressionZstd:
		if err := checkLength(size, payload, zstdMaxRatio); err != nil {
			return nil, err
		}
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, min(size, zstdPrealloc)))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if uint64(len(out)) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag %d", uint8(tag))
	}
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return dst[:written], nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %d", uint8(c))
	}
}
