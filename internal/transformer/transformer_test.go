package transformer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dllama-go/dllama/internal/modelspec"
)

func TestIsRoot(t *testing.T) {
	assert.True(t, (&Transformer{SliceIndex: 0}).IsRoot())
	assert.False(t, (&Transformer{SliceIndex: 1}).IsRoot())
}

func TestEmbedTokenCopiesTheRightRow(t *testing.T) {
	dim := 3
	tr := &Transformer{
		Spec: &modelspec.ModelSpec{Dim: dim},
		TokenEmbeddingTable: []float32{
			1, 2, 3, // token 0
			4, 5, 6, // token 1
		},
		X: make([]float32, dim),
	}

	tr.EmbedToken(1)
	assert.Equal(t, []float32{4, 5, 6}, tr.X)

	tr.EmbedToken(0)
	assert.Equal(t, []float32{1, 2, 3}, tr.X)
}
