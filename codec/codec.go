// Package codec centralizes block compression for persisted memory images.
//
// Walloc intentionally treats codec selection as a breaking-change boundary:
// snapshots store the codec name in their header, and bytes written by one
// codec only decode with the same codec.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrCorruptBlock is returned when a framed block does not decode cleanly.
var ErrCorruptBlock = errors.New("codec: corrupt block")

// Type selects the compression algorithm.
type Type uint8

const (
	// None stores blocks uncompressed.
	None Type = 0
	// LZ4 uses LZ4 block compression (fast, moderate ratio).
	LZ4 Type = 1
	// ZSTD uses zstd block compression (better ratio, still fast).
	ZSTD Type = 2
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ByName returns a codec type by its stable name, as stored in snapshot
// headers.
func ByName(name string) (Type, bool) {
	switch name {
	case "none":
		return None, true
	case "lz4":
		return LZ4, true
	case "zstd":
		return ZSTD, true
	default:
		return 0, false
	}
}

// Valid reports whether t is a known codec type.
func (t Type) Valid() bool {
	return t == None || t == LZ4 || t == ZSTD
}

// Encoder/decoder pools; zstd contexts are expensive to build.
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Block framing: [UncompressedSize uint32][CompressedSize uint32][Data...].
// CompressedSize == 0 marks a raw block.
const blockHeaderSize = 8

// CompressBlock frames and compresses data with the given codec. Blocks that
// do not compress below 90% of their raw size are stored uncompressed so the
// reader never pays a decompression cost for incompressible pages.
func CompressBlock(data []byte, t Type) ([]byte, error) {
	var compressed []byte
	var err error

	switch t {
	case LZ4:
		compressed, err = compressLZ4(data)
	case ZSTD:
		compressed = compressZSTD(data)
	case None:
	default:
		return nil, errors.New("codec: unknown type")
	}
	if err != nil {
		return nil, err
	}

	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		result := make([]byte, blockHeaderSize+len(data))
		binary.LittleEndian.PutUint32(result[0:], uint32(len(data)))
		binary.LittleEndian.PutUint32(result[4:], 0)
		copy(result[blockHeaderSize:], data)
		return result, nil
	}

	result := make([]byte, blockHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(result[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(result[4:], uint32(len(compressed)))
	copy(result[blockHeaderSize:], compressed)
	return result, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	compressed := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Incompressible.
		return nil, nil
	}
	return compressed[:n], nil
}

func compressZSTD(data []byte) []byte {
	enc := getZstdEncoder()
	defer zstdEncoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

// DecompressBlock decodes one framed block and returns the payload together
// with the total number of input bytes consumed.
func DecompressBlock(data []byte, t Type) ([]byte, int, error) {
	if len(data) < blockHeaderSize {
		return nil, 0, fmt.Errorf("%w: truncated header", ErrCorruptBlock)
	}

	uncompressedSize := binary.LittleEndian.Uint32(data[0:])
	compressedSize := binary.LittleEndian.Uint32(data[4:])

	if compressedSize == 0 {
		end := blockHeaderSize + int(uncompressedSize)
		if len(data) < end {
			return nil, 0, fmt.Errorf("%w: raw block extends beyond data", ErrCorruptBlock)
		}
		return data[blockHeaderSize:end], end, nil
	}

	end := blockHeaderSize + int(compressedSize)
	if len(data) < end {
		return nil, 0, fmt.Errorf("%w: compressed block extends beyond data", ErrCorruptBlock)
	}
	payload := data[blockHeaderSize:end]
	result := make([]byte, uncompressedSize)

	switch t {
	case LZ4:
		n, err := lz4.UncompressBlock(payload, result)
		if err != nil {
			return nil, 0, err
		}
		if uint32(n) != uncompressedSize {
			return nil, 0, fmt.Errorf("%w: decompressed size mismatch", ErrCorruptBlock)
		}
		return result, end, nil

	case ZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)

		decoded, err := dec.DecodeAll(payload, result[:0])
		if err != nil {
			return nil, 0, err
		}
		if uint32(len(decoded)) != uncompressedSize {
			return nil, 0, fmt.Errorf("%w: decompressed size mismatch", ErrCorruptBlock)
		}
		return decoded, end, nil

	default:
		return nil, 0, fmt.Errorf("%w: compressed block with codec none", ErrCorruptBlock)
	}
}
