package transformer

import "github.com/dllama-go/dllama/internal/slicing"

// ProjectionSlice is one node's local slice of a projection weight
// matrix, stored as raw on-wire bytes in the node's weightsFloatType.
type ProjectionSlice struct {
	Slice *slicing.MatmulSlice
	Bytes []byte
}

// MoeExpertSlice holds one expert's up/gate/down projection slices.
type MoeExpertSlice struct {
	Up   ProjectionSlice
	Gate ProjectionSlice
	Down ProjectionSlice
}

// Block is the per-layer state of spec.md §3 TransformerBlock. RMS
// factors and KV-cache/attention scratch are populated on root only;
// every node (root included) holds the Q/K/V/Wo/FFN projection slice it
// owns.
type Block struct {
	// Root-only RMS factors (always F32).
	RmsAtt  []float32
	RmsFfn  []float32
	RmsMoe  []float32 // GROK1 only
	RmsFfn2 []float32 // GROK1 only

	// Root-only KV cache and attention scratch.
	KeyCache   []float32 // [seqLen][kvDim]
	ValueCache []float32 // [seqLen][kvDim]
	Att        []float32 // [nHeads][seqLen]

	// Hb2 is every node's persistent gate-projection scratch (W3's or an
	// expert's Gate's output), sized to match this node's own HB slice.
	// It lives on Block rather than Buffer because — like the original
	// reference's per-block hb20 — it is private working state for the
	// ffn task alone and never travels the wire.
	Hb2 []float32

	// MoeAcc/MoeScratch are the persistent per-node accumulation scratch
	// for ffn2's weighted expert sum, sized to this node's XB2 slice.
	// Unused when the model is dense.
	MoeAcc     []float32
	MoeScratch []float32

	// Every-node projection slices.
	Q  ProjectionSlice
	K  ProjectionSlice
	V  ProjectionSlice
	Wo ProjectionSlice

	// Dense FFN (nil when the model is MoE).
	W1 ProjectionSlice
	W2 ProjectionSlice
	W3 ProjectionSlice

	// MoE FFN (nil when the model is dense).
	Router  ProjectionSlice
	Experts []MoeExpertSlice
}

// KeyAt returns the kvDim-wide row of the key cache at position pos.
func (b *Block) KeyAt(pos, kvDim int) []float32 {
	return b.KeyCache[pos*kvDim : (pos+1)*kvDim]
}

// ValueAt returns the kvDim-wide row of the value cache at position pos.
func (b *Block) ValueAt(pos, kvDim int) []float32 {
	return b.ValueCache[pos*kvDim : (pos+1)*kvDim]
}

// AttRow returns the per-position attention-score scratch for head h.
func (b *Block) AttRow(h, seqLen int) []float32 {
	return b.Att[h*seqLen : (h+1)*seqLen]
}
