// Package bootstrap implements the connect/handshake/weight-stream
// sequence of spec.md §4.9/§6: root opens the model file, tells each
// worker its sliceIndex and the ModelSpec, then streams every tensor in
// canonical per-layer order, splitting projection weights across nodes
// via slicing.MatmulSlice the way the original reference's loadRoot/
// loadSlice do (original_source/src/transformer.cpp).
package bootstrap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dllama-go/dllama/internal/dllamaerr"
	"github.com/dllama-go/dllama/internal/modelspec"
	"github.com/dllama-go/dllama/internal/quant"
	"github.com/dllama-go/dllama/internal/transport"
)

// handshakeWhere is the Socket.Write/Read "where" tag for bootstrap
// handshake traffic, distinct from the forward pass's transferWhere.
const handshakeWhere = "bootstrap-handshake"

// handshakeWireLen is 1 sliceIndex byte plus the fixed specWire encoding.
var handshakeWireLen = 1 + binary.Size(specWire{})

// specWire is the fixed field order of the bootstrap handshake's
// ModelSpec payload: every dimension a worker needs to size its own
// buffers and projection slices before any weight bytes arrive. Unlike
// the reference's "write the struct whole" approach (C has a stable
// memory layout to rely on; Go does not), each field is written
// explicitly so the wire format doesn't depend on compiler struct
// packing.
type specWire struct {
	ArchType         uint8
	HiddenAct        uint8
	WeightsFloatType uint8
	BufferFloatType  uint8
	Dim              uint32
	HiddenDim        uint32
	NLayers          uint32
	NHeads           uint32
	NKvHeads         uint32
	SeqLen           uint32
	VocabSize        uint32
	NExperts         uint32
	NActiveExperts   uint32
	NSlices          uint32
	RopeTheta        uint32 // float32 bits
	HeaderSize       uint64
	FileSize         uint64
}

// writeHandshake sends sliceIndex followed by the full ModelSpec to one
// worker connection, mirroring loadRoot's per-worker
// "write(sliceIndex); write(spec)" pair.
func writeHandshake(sock *transport.Socket, sliceIndex uint8, spec *modelspec.ModelSpec) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, sliceIndex); err != nil {
		return fmt.Errorf("bootstrap: encode sliceIndex: %w", err)
	}
	f := specWire{
		ArchType:         uint8(spec.ArchType),
		HiddenAct:        uint8(spec.HiddenAct),
		WeightsFloatType: uint8(spec.WeightsFloatType),
		BufferFloatType:  uint8(spec.BufferFloatType),
		Dim:              uint32(spec.Dim),
		HiddenDim:        uint32(spec.HiddenDim),
		NLayers:          uint32(spec.NLayers),
		NHeads:           uint32(spec.NHeads),
		NKvHeads:         uint32(spec.NKvHeads),
		SeqLen:           uint32(spec.SeqLen),
		VocabSize:        uint32(spec.VocabSize),
		NExperts:         uint32(spec.NExperts),
		NActiveExperts:   uint32(spec.NActiveExperts),
		NSlices:          uint32(spec.NSlices),
		RopeTheta:        math.Float32bits(spec.RopeTheta),
		HeaderSize:       uint64(spec.HeaderSize),
		FileSize:         uint64(spec.FileSize),
	}
	if err := binary.Write(&buf, binary.LittleEndian, f); err != nil {
		return fmt.Errorf("bootstrap: encode spec: %w", err)
	}
	return sock.Write(handshakeWhere, buf.Bytes())
}

// readHandshake is the worker-side counterpart of writeHandshake.
func readHandshake(sock *transport.Socket) (uint8, *modelspec.ModelSpec, error) {
	raw := make([]byte, handshakeWireLen)
	if err := sock.Read(handshakeWhere, raw); err != nil {
		return 0, nil, err
	}
	r := bytes.NewReader(raw)

	var sliceIndex uint8
	if err := binary.Read(r, binary.LittleEndian, &sliceIndex); err != nil {
		return 0, nil, &dllamaerr.TransportFailedError{Where: "bootstrap handshake sliceIndex", Err: err}
	}
	var f specWire
	if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
		return 0, nil, &dllamaerr.TransportFailedError{Where: "bootstrap handshake spec", Err: err}
	}
	spec := &modelspec.ModelSpec{
		ArchType:         modelspec.ArchType(f.ArchType),
		HiddenAct:        modelspec.HiddenAct(f.HiddenAct),
		WeightsFloatType: quant.DType(f.WeightsFloatType),
		BufferFloatType:  quant.DType(f.BufferFloatType),
		Dim:              int(f.Dim),
		HiddenDim:        int(f.HiddenDim),
		NLayers:          int(f.NLayers),
		NHeads:           int(f.NHeads),
		NKvHeads:         int(f.NKvHeads),
		SeqLen:           int(f.SeqLen),
		VocabSize:        int(f.VocabSize),
		NExperts:         int(f.NExperts),
		NActiveExperts:   int(f.NActiveExperts),
		NSlices:          int(f.NSlices),
		RopeTheta:        math.Float32frombits(f.RopeTheta),
		HeaderSize:       int64(f.HeaderSize),
		FileSize:         int64(f.FileSize),
	}
	if sliceIndex < 1 {
		return 0, nil, &dllamaerr.CorruptWeightsFileError{Reason: fmt.Sprintf("worker received sliceIndex %d, want >= 1", sliceIndex)}
	}
	if err := spec.Validate(); err != nil {
		return 0, nil, fmt.Errorf("bootstrap: %w", err)
	}
	return sliceIndex, spec, nil
}
