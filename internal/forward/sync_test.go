package forward

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dllama-go/dllama/internal/quant"
	"github.com/dllama-go/dllama/internal/transformer"
	"github.com/dllama-go/dllama/internal/transport"
)

func loopbackSocketPair(t *testing.T) (client, server *transport.Socket) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		acceptCh <- conn
	}()
	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	s := <-acceptCh

	cs, err := transport.NewSocket(c)
	require.NoError(t, err)
	ss, err := transport.NewSocket(s)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close(); ss.Close() })
	return cs, ss
}

// TestScatterRootWorkerRoundTrip checks that a UNIT_* buffer value set on
// root arrives unchanged on a worker (spec.md §4.5 scatter).
func TestScatterRootWorkerRoundTrip(t *testing.T) {
	dim := 8
	rootBuf, err := transformer.NewBuffer(dim, dim, dim, 2, quant.F32)
	require.NoError(t, err)
	workerBuf, err := transformer.NewBuffer(dim, dim, dim, 2, quant.F32)
	require.NoError(t, err)

	xb := rootBuf.GetUnit(transformer.UnitXB)
	for i := range xb {
		xb[i] = float32(i) * 2.5
	}

	rootSock, workerSock := loopbackSocketPair(t)
	pool := transport.NewSocketPool([]*transport.Socket{rootSock})

	var wg sync.WaitGroup
	wg.Add(1)
	var workerErr error
	go func() {
		defer wg.Done()
		workerErr = ScatterWorker(workerSock, workerBuf, transformer.UnitXB, "test", 0)
	}()

	require.NoError(t, ScatterRoot(pool, rootBuf, transformer.UnitXB, "test", 1, 0))
	wg.Wait()
	require.NoError(t, workerErr)

	assert.Equal(t, xb, workerBuf.GetUnit(transformer.UnitXB))
}

// TestGatherRootWorkerRoundTrip checks that each worker's own SLICED_*
// piece lands in root's concatenated buffer at the right offset.
func TestGatherRootWorkerRoundTrip(t *testing.T) {
	dim, nSlices := 8, 2
	rootBuf, err := transformer.NewBuffer(dim, dim, dim, nSlices, quant.F32)
	require.NoError(t, err)
	workerBuf, err := transformer.NewBuffer(dim, dim, dim, nSlices, quant.F32)
	require.NoError(t, err)

	piece := workerBuf.GetSliced(transformer.SlicedXB2, 1)
	for i := range piece {
		piece[i] = float32(i) + 100
	}

	rootSock, workerSock := loopbackSocketPair(t)
	pool := transport.NewSocketPool([]*transport.Socket{rootSock})

	var wg sync.WaitGroup
	wg.Add(1)
	var workerErr error
	go func() {
		defer wg.Done()
		workerErr = GatherWorker(workerSock, workerBuf, transformer.SlicedXB2, 1, "test", 0)
	}()

	require.NoError(t, GatherRoot(pool, rootBuf, transformer.SlicedXB2, "test", nSlices, 0))
	wg.Wait()
	require.NoError(t, workerErr)

	assert.Equal(t, piece, rootBuf.GetSliced(transformer.SlicedXB2, 1))
}

// TestBroadcastMissingFillsEveryOtherSlice checks that after
// broadcastMissing a worker holds every other slice's piece in the right
// position, leaving its own piece untouched.
func TestBroadcastMissingFillsEveryOtherSlice(t *testing.T) {
	dim, nSlices := 12, 3
	rootBuf, err := transformer.NewBuffer(dim, dim, dim, nSlices, quant.F32)
	require.NoError(t, err)
	workerBuf, err := transformer.NewBuffer(dim, dim, dim, nSlices, quant.F32)
	require.NoError(t, err)

	full := rootBuf.GetSlicedFull(transformer.SlicedXB2)
	for i := range full {
		full[i] = float32(i)
	}
	// Worker 1 already holds its own piece from local compute.
	copy(workerBuf.GetSliced(transformer.SlicedXB2, 1), rootBuf.GetSliced(transformer.SlicedXB2, 1))

	rootSock, workerSock := loopbackSocketPair(t)
	pool := transport.NewSocketPool([]*transport.Socket{rootSock})

	var wg sync.WaitGroup
	wg.Add(1)
	var workerErr error
	go func() {
		defer wg.Done()
		workerErr = BroadcastMissingWorker(workerSock, workerBuf, transformer.SlicedXB2, 1, "test", nSlices, 0)
	}()

	// The pool only holds worker 1's socket, so run thread 0 of 2: it
	// serves worker 1, and worker 2 falls to the thread that is not run.
	require.NoError(t, BroadcastMissingRoot(pool, rootBuf, transformer.SlicedXB2, "test", nSlices, 2, 0))
	wg.Wait()
	require.NoError(t, workerErr)

	assert.Equal(t, full, workerBuf.GetSlicedFull(transformer.SlicedXB2))
}
