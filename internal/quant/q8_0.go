package quant

import "math"

// QuantizeRowQ8_0 quantizes n (a multiple of BlockSize) floats from src
// into dst, one Q8_0 block at a time. (nThreads, threadIndex) partitions
// the block range so callers can fan this out across a thread pool.
func QuantizeRowQ8_0(src []float32, dst []byte, n, nThreads, threadIndex int) error {
	if n%BlockSize != 0 {
		return &shapeError{"QuantizeRowQ8_0: n must be a multiple of block size"}
	}
	nBlocks := n / BlockSize
	bs, be := threadRange(nBlocks, nThreads, threadIndex)
	blockBytes := Q8_0.BytesPerBlock()
	for b := bs; b < be; b++ {
		x := src[b*BlockSize : b*BlockSize+BlockSize]
		block := dst[b*blockBytes : b*blockBytes+blockBytes]
		quantizeQ8_0Block(x, block)
	}
	return nil
}

func quantizeQ8_0Block(x []float32, block []byte) {
	amax := float32(0)
	for _, v := range x {
		if a := float32(math.Abs(float64(v))); a > amax {
			amax = a
		}
	}
	d := amax / 127
	EncodeF16(block[0:2], d)
	q := block[2:]
	if d == 0 {
		for i := range x {
			q[i] = 0
		}
		return
	}
	inv := 1 / d
	for i, v := range x {
		qi := int32(math.Round(float64(v * inv)))
		if qi > 127 {
			qi = 127
		} else if qi < -127 {
			qi = -127
		}
		q[i] = byte(int8(qi))
	}
}

// DequantizeRowQ8_0 expands n Q8_0-quantized floats from src into dst.
func DequantizeRowQ8_0(src []byte, dst []float32, n, nThreads, threadIndex int) error {
	if n%BlockSize != 0 {
		return &shapeError{"DequantizeRowQ8_0: n must be a multiple of block size"}
	}
	nBlocks := n / BlockSize
	bs, be := threadRange(nBlocks, nThreads, threadIndex)
	blockBytes := Q8_0.BytesPerBlock()
	for b := bs; b < be; b++ {
		block := src[b*blockBytes : b*blockBytes+blockBytes]
		out := dst[b*BlockSize : b*BlockSize+BlockSize]
		dequantizeQ8_0Block(block, out)
	}
	return nil
}

func dequantizeQ8_0Block(block []byte, out []float32) {
	d := DecodeF16(block[0:2])
	q := block[2:]
	for i := range out {
		out[i] = d * float32(int8(q[i]))
	}
}

func threadRange(total, nThreads, threadIndex int) (int, int) {
	if nThreads <= 0 {
		nThreads = 1
	}
	s := threadIndex * total / nThreads
	e := (threadIndex + 1) * total / nThreads
	return s, e
}

type shapeError struct{ reason string }

func (e *shapeError) Error() string { return e.reason }
