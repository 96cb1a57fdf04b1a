package modelspec

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/dllama-go/dllama/internal/dllamaerr"
	"github.com/dllama-go/dllama/internal/quant"
)

// Recognized model-file magic numbers (spec.md §4.9, §6).
const (
	magicLegacyV0 uint32 = 0xABCD00
	magicLegacyV1 uint32 = 0xABCD01
	magicTLV      uint32 = 0x0A00ABCD
)

// TLV header keys.
const (
	keyVersion        uint32 = 0
	keyArchType       uint32 = 1
	keyDim            uint32 = 2
	keyHiddenDim      uint32 = 3
	keyNLayers        uint32 = 4
	keyNHeads         uint32 = 5
	keyNKvHeads       uint32 = 6
	keyNExperts       uint32 = 7
	keyNActiveExperts uint32 = 8
	keyVocabSize      uint32 = 9
	keySeqLen         uint32 = 10
	keyHiddenAct      uint32 = 11
	keyRopeTheta      uint32 = 12
)

// ReadHeader parses a model file's header from r, returning a ModelSpec
// with HeaderSize set (and also returned) and FileSize left for the
// caller to fill in once the full file size is known. weightsFloatType/bufferFloatType/nSlices come from
// runtime configuration (spec.md §6), not the file.
func ReadHeader(r io.Reader, weightsFloatType, bufferFloatType quant.DType, nSlices int) (*ModelSpec, int64, error) {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, 0, fmt.Errorf("modelspec: read magic: %w", err)
	}

	var m *ModelSpec
	var headerSize int64
	var err error
	switch magic {
	case magicLegacyV0, magicLegacyV1:
		m, err = readLegacyHeader(r)
		headerSize = 4 + 9*4 // magic + 9 legacy ints
	case magicTLV:
		m, headerSize, err = readTLVHeader(r)
	default:
		return nil, 0, &dllamaerr.CorruptWeightsFileError{Reason: fmt.Sprintf("unrecognized magic 0x%x", magic)}
	}
	if err != nil {
		return nil, 0, err
	}

	m.WeightsFloatType = weightsFloatType
	m.BufferFloatType = bufferFloatType
	m.NSlices = nSlices
	m.HeaderSize = headerSize

	if err := m.Validate(); err != nil {
		return nil, 0, fmt.Errorf("modelspec: %w", err)
	}
	return m, headerSize, nil
}

func readLegacyHeader(r io.Reader) (*ModelSpec, error) {
	var fields [9]int32
	if err := binary.Read(r, binary.LittleEndian, &fields); err != nil {
		return nil, &dllamaerr.CorruptWeightsFileError{Reason: "truncated legacy header: " + err.Error()}
	}
	return &ModelSpec{
		ArchType:       LLAMA2,
		Dim:            int(fields[0]),
		HiddenDim:      int(fields[1]),
		NLayers:        int(fields[2]),
		NHeads:         int(fields[3]),
		NKvHeads:       int(fields[4]),
		NExperts:       int(fields[5]),
		NActiveExperts: int(fields[6]),
		VocabSize:      int(fields[7]),
		SeqLen:         int(fields[8]),
		HiddenAct:      SILU,
		RopeTheta:      10000.0,
	}, nil
}

func readTLVHeader(r io.Reader) (*ModelSpec, int64, error) {
	var headerSize uint32
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, 0, &dllamaerr.CorruptWeightsFileError{Reason: "truncated TLV header size: " + err.Error()}
	}
	if headerSize%8 != 0 {
		return nil, 0, &dllamaerr.CorruptWeightsFileError{Reason: fmt.Sprintf("TLV header size %d not a multiple of 8", headerSize)}
	}

	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, 0, &dllamaerr.CorruptWeightsFileError{Reason: "truncated TLV header body: " + err.Error()}
	}

	m := &ModelSpec{ArchType: LLAMA2, HiddenAct: SILU, RopeTheta: 10000.0}
	nPairs := int(headerSize) / 8
	for i := 0; i < nPairs; i++ {
		key := binary.LittleEndian.Uint32(buf[i*8 : i*8+4])
		value := binary.LittleEndian.Uint32(buf[i*8+4 : i*8+8])
		switch key {
		case keyVersion:
			// version is informational; no field to set.
		case keyArchType:
			m.ArchType = ArchType(value)
		case keyDim:
			m.Dim = int(value)
		case keyHiddenDim:
			m.HiddenDim = int(value)
		case keyNLayers:
			m.NLayers = int(value)
		case keyNHeads:
			m.NHeads = int(value)
		case keyNKvHeads:
			m.NKvHeads = int(value)
		case keyNExperts:
			m.NExperts = int(value)
		case keyNActiveExperts:
			m.NActiveExperts = int(value)
		case keyVocabSize:
			m.VocabSize = int(value)
		case keySeqLen:
			m.SeqLen = int(value)
		case keyHiddenAct:
			m.HiddenAct = HiddenAct(value)
		case keyRopeTheta:
			m.RopeTheta = math.Float32frombits(value)
		default:
			return nil, 0, &dllamaerr.UnsupportedHeaderKeyError{Key: key}
		}
	}
	return m, int64(4 + 4 + headerSize), nil
}
