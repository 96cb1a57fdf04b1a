package quant

import "math"

// QuantizeRowQ4_0 quantizes n (a multiple of BlockSize) floats from src
// into dst, one Q4_0 block at a time. (nThreads, threadIndex) partitions
// the block range.
func QuantizeRowQ4_0(src []float32, dst []byte, n, nThreads, threadIndex int) error {
	if n%BlockSize != 0 {
		return &shapeError{"QuantizeRowQ4_0: n must be a multiple of block size"}
	}
	nBlocks := n / BlockSize
	bs, be := threadRange(nBlocks, nThreads, threadIndex)
	blockBytes := Q4_0.BytesPerBlock()
	for b := bs; b < be; b++ {
		x := src[b*BlockSize : b*BlockSize+BlockSize]
		block := dst[b*blockBytes : b*blockBytes+blockBytes]
		quantizeQ4_0Block(x, block)
	}
	return nil
}

func quantizeQ4_0Block(x []float32, block []byte) {
	// amax keeps the sign of the largest-magnitude element.
	var amax, amaxAbs float32
	for _, v := range x {
		if a := float32(math.Abs(float64(v))); a > amaxAbs {
			amaxAbs = a
			amax = v
		}
	}
	d := amax / -8
	EncodeF16(block[0:2], d)
	nibbles := block[2:]
	if d == 0 {
		for i := range nibbles {
			nibbles[i] = 0x88 // both nibbles at the zero-code (8)
		}
		return
	}
	inv := 1 / d
	quant := func(v float32) byte {
		qi := int32(math.Round(float64(v*inv))) + 8
		if qi > 15 {
			qi = 15
		} else if qi < 0 {
			qi = 0
		}
		return byte(qi)
	}
	for j := 0; j < BlockSize/2; j++ {
		lo := quant(x[j])
		hi := quant(x[j+BlockSize/2])
		nibbles[j] = lo | (hi << 4)
	}
}

// DequantizeRowQ4_0 expands n Q4_0-quantized floats from src into dst.
func DequantizeRowQ4_0(src []byte, dst []float32, n, nThreads, threadIndex int) error {
	if n%BlockSize != 0 {
		return &shapeError{"DequantizeRowQ4_0: n must be a multiple of block size"}
	}
	nBlocks := n / BlockSize
	bs, be := threadRange(nBlocks, nThreads, threadIndex)
	blockBytes := Q4_0.BytesPerBlock()
	for b := bs; b < be; b++ {
		block := src[b*blockBytes : b*blockBytes+blockBytes]
		out := dst[b*BlockSize : b*BlockSize+BlockSize]
		dequantizeQ4_0Block(block, out)
	}
	return nil
}

func dequantizeQ4_0Block(block []byte, out []float32) {
	d := DecodeF16(block[0:2])
	nibbles := block[2:]
	for j := 0; j < BlockSize/2; j++ {
		b := nibbles[j]
		out[j] = d * float32(int32(b&0x0F)-8)
		out[j+BlockSize/2] = d * float32(int32(b>>4)-8)
	}
}
