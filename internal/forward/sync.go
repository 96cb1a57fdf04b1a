package forward

import (
	"fmt"

	"github.com/dllama-go/dllama/internal/transformer"
	"github.com/dllama-go/dllama/internal/transport"
)

// ScatterRoot writes the full wire form of a UNIT_* buffer to every
// worker, partitioning the socket index set across nThreads so each
// TaskLoop thread owns a disjoint subset (spec.md §4.5 scatter).
func ScatterRoot(pool *transport.SocketPool, buf *transformer.Buffer, name transformer.BufferName, where string, nThreads, threadIndex int) error {
	data := buf.WireBytesUnit(name)
	for i := threadIndex; i < pool.Len(); i += nThreads {
		if err := pool.Write(where, i, data); err != nil {
			return err
		}
	}
	return nil
}

// ScatterWorker reads the full wire form of a UNIT_* buffer from the
// single socket back to root. Only thread 0 performs I/O; other threads
// in the same TRANSFER task have nothing to do.
func ScatterWorker(sock *transport.Socket, buf *transformer.Buffer, name transformer.BufferName, where string, threadIndex int) error {
	if threadIndex != 0 {
		return nil
	}
	n := buf.UnitWireLen(name)
	data := make([]byte, n)
	if err := sock.Read(where, data); err != nil {
		return err
	}
	buf.ReadWireBytesUnit(name, data)
	return nil
}

// GatherRoot reads each worker's own slice of a SLICED_* buffer back
// into root, via one vectored ReadMany addressing every worker socket at
// once (spec.md §4.5 gather). Only thread 0 performs I/O.
func GatherRoot(pool *transport.SocketPool, buf *transformer.Buffer, name transformer.BufferName, where string, nSlices, threadIndex int) error {
	if threadIndex != 0 {
		return nil
	}
	ios := make([]transport.SocketIo, 0, nSlices-1)
	bufs := make([][]byte, nSlices-1)
	for w := 1; w < nSlices; w++ {
		n := buf.SlicedPieceWireLen(name)
		bufs[w-1] = make([]byte, n)
		ios = append(ios, transport.NewSocketIo(w-1, bufs[w-1]))
	}
	if err := pool.ReadMany(where, ios); err != nil {
		return err
	}
	for w := 1; w < nSlices; w++ {
		buf.ReadWireBytesSliced(name, w, bufs[w-1])
	}
	return nil
}

// GatherWorker writes this worker's own slice of a SLICED_* buffer to
// root. Only thread 0 performs I/O.
func GatherWorker(sock *transport.Socket, buf *transformer.Buffer, name transformer.BufferName, sliceIndex int, where string, threadIndex int) error {
	if threadIndex != 0 {
		return nil
	}
	return sock.Write(where, buf.WireBytesSliced(name, sliceIndex))
}

// BroadcastMissingRoot fills in every worker's holes for a SLICED_*
// buffer: for each worker w it sends every slice index other than w, in
// ascending canonical order, so after this call every node holds the
// full concatenated buffer (spec.md §4.5 broadcastMissing). Root-writer
// work is partitioned across nThreads by target worker.
func BroadcastMissingRoot(pool *transport.SocketPool, buf *transformer.Buffer, name transformer.BufferName, where string, nSlices, nThreads, threadIndex int) error {
	for w := 1; w < nSlices; w++ {
		if (w-1)%nThreads != threadIndex {
			continue
		}
		for s := 0; s < nSlices; s++ {
			if s == w {
				continue
			}
			if err := pool.Write(where, w-1, buf.WireBytesSliced(name, s)); err != nil {
				return fmt.Errorf("broadcastMissing to worker %d, slice %d: %w", w, s, err)
			}
		}
	}
	return nil
}

// BroadcastMissingWorker receives the nSlices-1 slices this worker does
// not own, in ascending canonical order, filling in the full buffer.
// Only thread 0 performs I/O.
func BroadcastMissingWorker(sock *transport.Socket, buf *transformer.Buffer, name transformer.BufferName, sliceIndex int, where string, nSlices, threadIndex int) error {
	if threadIndex != 0 {
		return nil
	}
	n := buf.SlicedPieceWireLen(name)
	for s := 0; s < nSlices; s++ {
		if s == sliceIndex {
			continue
		}
		data := make([]byte, n)
		if err := sock.Read(where, data); err != nil {
			return err
		}
		buf.ReadWireBytesSliced(name, s, data)
	}
	return nil
}
