package transformer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockKeyValueAndAttAccessors(t *testing.T) {
	seqLen, kvDim, nHeads := 4, 8, 2
	b := &Block{
		KeyCache:   make([]float32, seqLen*kvDim),
		ValueCache: make([]float32, seqLen*kvDim),
		Att:        make([]float32, nHeads*seqLen),
	}

	key := b.KeyAt(2, kvDim)
	for i := range key {
		key[i] = float32(i + 1)
	}
	assert.Equal(t, float32(1), b.KeyCache[2*kvDim])
	assert.Equal(t, float32(kvDim), b.KeyCache[3*kvDim-1])

	val := b.ValueAt(1, kvDim)
	val[0] = 9
	assert.Equal(t, float32(9), b.ValueCache[kvDim])

	row := b.AttRow(1, seqLen)
	row[0] = 5
	assert.Equal(t, float32(5), b.Att[seqLen])
}
