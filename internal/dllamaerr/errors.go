// Package dllamaerr holds the fatal error taxonomy surfaced at process
// boundaries. None of these are retried at the task level; a transport
// would-block is not one of these, it is absorbed by internal/transport.
package dllamaerr

import "fmt"

// CorruptWeightsFileError is returned when the model file's magic, a
// header key, or the final byte count does not match expectations.
type CorruptWeightsFileError struct {
	Reason string
}

func (e *CorruptWeightsFileError) Error() string {
	return fmt.Sprintf("corrupt weights file: %s", e.Reason)
}

// UnsupportedDTypeError is returned by quantization or matmul for a
// (weightType, activationType) pair with no implementation.
type UnsupportedDTypeError struct {
	WeightType     string
	ActivationType string
}

func (e *UnsupportedDTypeError) Error() string {
	if e.ActivationType == "" {
		return fmt.Sprintf("unsupported dtype: %s", e.WeightType)
	}
	return fmt.Sprintf("unsupported dtype pair: weight=%s activation=%s", e.WeightType, e.ActivationType)
}

// TransportFailedError wraps an unrecoverable socket error.
type TransportFailedError struct {
	Where string
	Err   error
}

func (e *TransportFailedError) Error() string {
	return fmt.Sprintf("transport failed at %s: %v", e.Where, e.Err)
}

func (e *TransportFailedError) Unwrap() error { return e.Err }

// PeerDisconnectedError is returned when a read observes zero bytes where
// more were expected.
type PeerDisconnectedError struct {
	Where string
}

func (e *PeerDisconnectedError) Error() string {
	return fmt.Sprintf("peer disconnected during %s", e.Where)
}

// InvalidShapeError marks an assertion failure on buffer size or thread
// divisibility — a configuration bug, not a runtime condition.
type InvalidShapeError struct {
	Reason string
}

func (e *InvalidShapeError) Error() string {
	return fmt.Sprintf("invalid shape: %s", e.Reason)
}

// TimeoutError marks a bootstrap step that did not complete; dllama-root
// returns it when connecting to a worker fails.
type TimeoutError struct {
	Where string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for %s", e.Where)
}

// UnsupportedHeaderKeyError is returned while parsing a TLV model header.
type UnsupportedHeaderKeyError struct {
	Key uint32
}

func (e *UnsupportedHeaderKeyError) Error() string {
	return fmt.Sprintf("unsupported header key: 0x%x", e.Key)
}
