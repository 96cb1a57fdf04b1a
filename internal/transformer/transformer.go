package transformer

import "github.com/dllama-go/dllama/internal/modelspec"

// Transformer is one node's process-lifetime state: its slice of every
// layer, its scratch buffers, and — on root only — the embedding table,
// final RMS factor, and classifier.
type Transformer struct {
	Spec        *modelspec.ModelSpec
	Blocks      []*Block
	Buffer      *Buffer
	SliceIndex  int // 0 == root
	Pos         int // current token position, 0-based
	Rms         float32

	// Root-only tensors and working vectors.
	TokenEmbeddingTable []float32 // [vocabSize][dim]
	RmsFinal            []float32 // [dim]
	Wcls                []byte    // [vocabSize][dim], in weightsFloatType
	X                   []float32 // [dim]
	Logits              []float32 // [vocabSize]
}

// IsRoot reports whether this node is the authoritative root.
func (t *Transformer) IsRoot() bool { return t.SliceIndex == 0 }

// EmbedToken copies the embedding row for token into X, overwriting any
// previous contents. Root-only.
func (t *Transformer) EmbedToken(token int) {
	dim := t.Spec.Dim
	copy(t.X, t.TokenEmbeddingTable[token*dim:(token+1)*dim])
}
