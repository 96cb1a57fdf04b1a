// Package transport implements the stream-socket abstraction of spec.md
// §4.5: a per-peer Socket and a SocketPool over N peers supporting
// indexed read/write and vectored readMany/writeMany. TCP SOCK_STREAM is
// the only transport implemented (spec.md §9 Design Notes: the UDP/raw-IP
// experiments in original_source/ are explicitly non-canonical).
package transport

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dllama-go/dllama/internal/dllamaerr"
	"github.com/dllama-go/dllama/internal/envconfig"
)

// Socket wraps one peer TCP connection with the blocking, in-order,
// total-bytes read/write contract the pipeline depends on.
type Socket struct {
	conn net.Conn

	pollInterval time.Duration

	sent atomic.Uint64
	recv atomic.Uint64
}

// NewSocket wraps an already-connected TCP conn, tuning it for the
// low-latency, small-message pipeline traffic: TCP_NODELAY via a raw
// setsockopt (spec.md §4.5 reference implementation note), independent of
// net.TCPConn.SetNoDelay so the pool can target conns from either Dial or
// Accept uniformly.
func NewSocket(conn net.Conn) (*Socket, error) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		raw, err := tcp.SyscallConn()
		if err == nil {
			_ = raw.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			})
		}
	}
	return &Socket{
		conn:         conn,
		pollInterval: time.Duration(envconfig.SocketPollIntervalMicros()) * time.Microsecond,
	}, nil
}

// Close closes the underlying connection.
func (s *Socket) Close() error { return s.conn.Close() }

// Write sends len(buf) bytes, looping over partial writes until the full
// buffer is delivered or an unrecoverable error occurs.
func (s *Socket) Write(where string, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := s.conn.Write(buf[total:])
		total += n
		if err != nil {
			return &dllamaerr.TransportFailedError{Where: where, Err: err}
		}
	}
	s.sent.Add(uint64(total))
	return nil
}

// Read fills buf completely, looping over partial reads. A zero-byte
// read before buf is full is a PeerDisconnected, not a TransportFailed.
func (s *Socket) Read(where string, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := s.conn.Read(buf[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				return &dllamaerr.PeerDisconnectedError{Where: where}
			}
			return &dllamaerr.TransportFailedError{Where: where, Err: err}
		}
		if n == 0 {
			return &dllamaerr.PeerDisconnectedError{Where: where}
		}
	}
	s.recv.Add(uint64(total))
	return nil
}

// tryWrite attempts to drain as much of buf as possible within one
// short poll window without blocking the caller indefinitely; it never
// returns an error for a timeout, only for a genuine transport failure.
func (s *Socket) tryWrite(where string, buf []byte) (int, error) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.pollInterval)); err != nil {
		return 0, &dllamaerr.TransportFailedError{Where: where, Err: err}
	}
	n, err := s.conn.Write(buf)
	if err != nil {
		if isTimeout(err) {
			return n, nil
		}
		return n, &dllamaerr.TransportFailedError{Where: where, Err: err}
	}
	return n, nil
}

// tryRead is the read-side counterpart of tryWrite.
func (s *Socket) tryRead(where string, buf []byte) (int, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.pollInterval)); err != nil {
		return 0, &dllamaerr.TransportFailedError{Where: where, Err: err}
	}
	n, err := s.conn.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return n, nil
		}
		if errors.Is(err, io.EOF) {
			return n, &dllamaerr.PeerDisconnectedError{Where: where}
		}
		return n, &dllamaerr.TransportFailedError{Where: where, Err: err}
	}
	return n, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Stats returns totals sent/received on this socket since the process
// started or the last ResetStats.
func (s *Socket) Stats() (sent, recv uint64) {
	return s.sent.Load(), s.recv.Load()
}

// ResetStats zeros the counters without losing in-flight accounting: it
// only affects Stats() going forward, never the sockets themselves.
func (s *Socket) ResetStats() {
	s.sent.Store(0)
	s.recv.Store(0)
}
