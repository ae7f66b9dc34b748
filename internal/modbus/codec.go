// Package modbus is the Modbus Poller (C6): per-device polling for RTU
// and TCP targets, decode/calibrate, and synchronous write support for
// BLE-initiated writes (spec §4.6). Grounded on the teacher's
// internal/modbus package (client.go's ensureConnected/bumpBackoff
// reconnect pattern, chunked.go's chunking helpers), generalized from
// the teacher's per-device-type catalog model to the spec's
// Register.DataType/Endianness model, using the same
// github.com/goburrow/modbus + github.com/goburrow/serial dependencies.
package modbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fisaks/uhn-gateway/internal/gwerr"
	"github.com/fisaks/uhn-gateway/internal/model"
)

// DecodeRaw interprets wordCount 16-bit words (as returned by the
// Modbus client, MSB-first per word) into a float64 according to the
// register's data type and endianness, before calibration is applied.
func DecodeRaw(words []uint16, dt model.DataType, end model.Endianness) (float64, error) {
	need := dt.WordCount()
	if len(words) < need {
		return 0, fmt.Errorf("%w: need %d words, got %d", gwerr.ErrInvalidConfig, need, len(words))
	}
	ordered := reorderWords(words[:need], end)

	switch dt {
	case model.TypeBool, model.TypeUint16:
		return float64(ordered[0]), nil
	case model.TypeInt16:
		return float64(int16(ordered[0])), nil
	case model.TypeUint32:
		return float64(wordsToUint32(ordered)), nil
	case model.TypeInt32:
		return float64(int32(wordsToUint32(ordered))), nil
	case model.TypeFloat32:
		bits := wordsToUint32(ordered)
		return float64(math.Float32frombits(bits)), nil
	case model.TypeUint64:
		return float64(wordsToUint64(ordered)), nil
	case model.TypeInt64:
		return float64(int64(wordsToUint64(ordered))), nil
	case model.TypeFloat64:
		return math.Float64frombits(wordsToUint64(ordered)), nil
	default:
		return 0, fmt.Errorf("%w: unsupported data_type %q", gwerr.ErrInvalidConfig, dt)
	}
}

// reorderWords applies the endianness convention: BE/LE only affect
// multi-word ordering (byte order within a word is fixed by the Modbus
// wire protocol as big-endian), BE_SWAP swaps the two bytes within each
// word before BE word order, LE_WORDSWAP reverses word order on top of
// byte-swapped words.
func reorderWords(words []uint16, end model.Endianness) []uint16 {
	out := make([]uint16, len(words))
	copy(out, words)
	switch end {
	case model.EndianLE:
		reverse(out)
	case model.EndianBESwap:
		for i := range out {
			out[i] = swapBytes(out[i])
		}
	case model.EndianLEWordSwap:
		for i := range out {
			out[i] = swapBytes(out[i])
		}
		reverse(out)
	}
	return out
}

func reverse(words []uint16) {
	for i, j := 0, len(words)-1; i < j; i, j = i+1, j-1 {
		words[i], words[j] = words[j], words[i]
	}
}

func swapBytes(w uint16) uint16 {
	return (w << 8) | (w >> 8)
}

func wordsToUint32(words []uint16) uint32 {
	return uint32(words[0])<<16 | uint32(words[1])
}

func wordsToUint64(words []uint16) uint64 {
	return uint64(words[0])<<48 | uint64(words[1])<<32 | uint64(words[2])<<16 | uint64(words[3])
}

// EncodeRaw is the write-path inverse of DecodeRaw: turns a raw
// (post-inverse-calibration) numeric value into the words a write
// command sends, respecting data type and endianness (spec §4.6 write
// support).
func EncodeRaw(raw float64, dt model.DataType, end model.Endianness) ([]uint16, error) {
	var words []uint16
	switch dt {
	case model.TypeBool, model.TypeUint16:
		words = []uint16{uint16(raw)}
	case model.TypeInt16:
		words = []uint16{uint16(int16(raw))}
	case model.TypeUint32:
		words = uint32ToWords(uint32(raw))
	case model.TypeInt32:
		words = uint32ToWords(uint32(int32(raw)))
	case model.TypeFloat32:
		words = uint32ToWords(math.Float32bits(float32(raw)))
	case model.TypeUint64:
		words = uint64ToWords(uint64(raw))
	case model.TypeInt64:
		words = uint64ToWords(uint64(int64(raw)))
	case model.TypeFloat64:
		words = uint64ToWords(math.Float64bits(raw))
	default:
		return nil, fmt.Errorf("%w: unsupported data_type %q", gwerr.ErrInvalidConfig, dt)
	}
	return reorderWordsForWrite(words, end), nil
}

// reorderWordsForWrite is reorderWords' own inverse; both operations are
// involutions for BE/LE/BE_SWAP (applying twice restores the original),
// and LE_WORDSWAP is also self-inverse since reverse and per-word
// byte-swap commute.
func reorderWordsForWrite(words []uint16, end model.Endianness) []uint16 {
	return reorderWords(words, end)
}

func uint32ToWords(v uint32) []uint16 {
	return []uint16{uint16(v >> 16), uint16(v)}
}

func uint64ToWords(v uint64) []uint16 {
	return []uint16{uint16(v >> 48), uint16(v >> 32), uint16(v >> 16), uint16(v)}
}

// BytesToWords reinterprets a Modbus client's raw response bytes
// (big-endian byte pairs) as a slice of 16-bit words.
func BytesToWords(b []byte) []uint16 {
	words := make([]uint16, len(b)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(b[i*2 : i*2+2])
	}
	return words
}

// WordsToBytes is BytesToWords' inverse, used to build a write payload.
func WordsToBytes(words []uint16) []byte {
	b := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(b[i*2:i*2+2], w)
	}
	return b
}
