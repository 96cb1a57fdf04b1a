// Package modelspec holds the immutable per-run model descriptor
// (spec.md §3 ModelSpec) parsed from a weights file header and broadcast
// from root to every worker during bootstrap.
package modelspec

import (
	"fmt"

	"github.com/dllama-go/dllama/internal/quant"
)

// ArchType selects the transformer variant.
type ArchType uint8

const (
	LLAMA2 ArchType = iota
	GROK1
	MIXTRAL
)

func (a ArchType) String() string {
	switch a {
	case LLAMA2:
		return "LLAMA2"
	case GROK1:
		return "GROK1"
	case MIXTRAL:
		return "MIXTRAL"
	default:
		return fmt.Sprintf("ArchType(%d)", uint8(a))
	}
}

// HiddenAct selects the FFN activation.
type HiddenAct uint8

const (
	SILU HiddenAct = iota
	GELU
)

func (h HiddenAct) String() string {
	if h == GELU {
		return "GELU"
	}
	return "SILU"
}

// ModelSpec is the immutable per-run descriptor broadcast to every node.
type ModelSpec struct {
	ArchType ArchType

	Dim       int
	HiddenDim int
	NLayers   int
	NHeads    int
	NKvHeads  int
	SeqLen    int
	VocabSize int

	NExperts       int // 0 for dense
	NActiveExperts int

	HiddenAct HiddenAct
	RopeTheta float32

	WeightsFloatType quant.DType
	BufferFloatType  quant.DType

	NSlices int

	HeaderSize int64
	FileSize   int64
}

// HeadSize is dim/nHeads.
func (m *ModelSpec) HeadSize() int { return m.Dim / m.NHeads }

// KvDim is headSize*nKvHeads.
func (m *ModelSpec) KvDim() int { return m.HeadSize() * m.NKvHeads }

// IsMoE reports whether the model uses mixture-of-experts FFN layers.
func (m *ModelSpec) IsMoE() bool { return m.NExperts > 0 }

// Validate checks the invariants spec.md §3 requires of a ModelSpec.
func (m *ModelSpec) Validate() error {
	if m.Dim%m.NHeads != 0 {
		return fmt.Errorf("modelspec: dim %d not divisible by nHeads %d", m.Dim, m.NHeads)
	}
	if m.Dim%m.NKvHeads != 0 {
		return fmt.Errorf("modelspec: dim %d not divisible by nKvHeads %d", m.Dim, m.NKvHeads)
	}
	if m.NSlices < 1 {
		return fmt.Errorf("modelspec: nSlices must be >= 1, got %d", m.NSlices)
	}
	if m.IsMoE() && m.NActiveExperts < 1 {
		return fmt.Errorf("modelspec: nActiveExperts must be >= 1 when nExperts > 0")
	}
	return nil
}
