package transport

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// SocketPool manages nSockets ordered peer connections: on root, one
// socket per worker. A worker does not use a pool; it holds a single
// Socket back to root.
type SocketPool struct {
	sockets []*Socket
}

// NewSocketPool wraps an ordered list of already-established sockets.
func NewSocketPool(sockets []*Socket) *SocketPool {
	return &SocketPool{sockets: sockets}
}

// Len returns the number of peers in the pool.
func (p *SocketPool) Len() int { return len(p.sockets) }

// Socket returns the peer connection at index i.
func (p *SocketPool) Socket(i int) *Socket { return p.sockets[i] }

// Close closes every socket in the pool.
func (p *SocketPool) Close() error {
	var firstErr error
	for _, s := range p.sockets {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Write sends buf in full to peer i.
func (p *SocketPool) Write(where string, i int, buf []byte) error {
	return p.sockets[i].Write(where, buf)
}

// Read fills buf in full from peer i.
func (p *SocketPool) Read(where string, i int, buf []byte) error {
	return p.sockets[i].Read(where, buf)
}

// SocketIo is one leg of a vectored readMany/writeMany call: the target
// socket index, its buffer, and (internally) how many bytes remain.
type SocketIo struct {
	SocketIndex int
	Buf         []byte

	remaining int
}

// NewSocketIo builds a SocketIo targeting socketIndex with buf as the
// full payload.
func NewSocketIo(socketIndex int, buf []byte) SocketIo {
	return SocketIo{SocketIndex: socketIndex, Buf: buf, remaining: len(buf)}
}

// WriteMany interleaves non-blocking write attempts across every io in
// round-robin until each io's buffer is fully drained. Bytes to socket i
// are delivered in submission order relative to any other call on socket
// i from this goroutine; there is no ordering guarantee across different
// i (spec.md §4.5).
func (p *SocketPool) WriteMany(where string, ios []SocketIo) error {
	for i := range ios {
		ios[i].remaining = len(ios[i].Buf)
	}
	pending := len(ios)
	for pending > 0 {
		for i := range ios {
			io := &ios[i]
			if io.remaining == 0 {
				continue
			}
			sent := len(io.Buf) - io.remaining
			n, err := p.sockets[io.SocketIndex].tryWrite(where, io.Buf[sent:])
			if err != nil {
				return err
			}
			io.remaining -= n
			if io.remaining == 0 {
				pending--
			}
		}
	}
	return nil
}

// ReadMany is the read-side counterpart of WriteMany: it interleaves
// non-blocking read attempts across every io until each is fully filled.
func (p *SocketPool) ReadMany(where string, ios []SocketIo) error {
	for i := range ios {
		ios[i].remaining = len(ios[i].Buf)
	}
	pending := len(ios)
	for pending > 0 {
		for i := range ios {
			io := &ios[i]
			if io.remaining == 0 {
				continue
			}
			received := len(io.Buf) - io.remaining
			n, err := p.sockets[io.SocketIndex].tryRead(where, io.Buf[received:])
			if err != nil {
				return err
			}
			io.remaining -= n
			if io.remaining == 0 {
				pending--
			}
		}
	}
	return nil
}

// ParallelWrite partitions the socket index set across nThreads
// goroutines and has each write the full buf to its assigned sockets,
// joining via errgroup the way the teacher pack fans out goroutine work
// (golang.org/x/sync). Used at bootstrap, where root sends the same MoE
// router bytes to every worker; the forward pass's scatter (ScatterRoot)
// partitions sockets across TaskLoop threads instead.
func (p *SocketPool) ParallelWrite(where string, buf []byte, nThreads int) error {
	if nThreads <= 0 {
		nThreads = 1
	}
	var g errgroup.Group
	for t := 0; t < nThreads; t++ {
		t := t
		g.Go(func() error {
			for i := t; i < len(p.sockets); i += nThreads {
				if err := p.sockets[i].Write(where, buf); err != nil {
					return fmt.Errorf("socket %d: %w", i, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// GetStats returns totals sent/received across every socket in the pool
// since the last reset.
func (p *SocketPool) GetStats() (sent, recv uint64) {
	for _, s := range p.sockets {
		ss, sr := s.Stats()
		sent += ss
		recv += sr
	}
	return sent, recv
}

// ResetStats zeros every socket's counters.
func (p *SocketPool) ResetStats() {
	for _, s := range p.sockets {
		s.ResetStats()
	}
}
