package dllamaerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessagesNameTheFailure(t *testing.T) {
	assert.Contains(t, (&CorruptWeightsFileError{Reason: "bad magic"}).Error(), "bad magic")
	assert.Contains(t, (&UnsupportedDTypeError{WeightType: "Q4_0"}).Error(), "Q4_0")
	assert.Contains(t, (&UnsupportedDTypeError{WeightType: "Q4_0", ActivationType: "F16"}).Error(), "F16")
	assert.Contains(t, (&PeerDisconnectedError{Where: "forward pass"}).Error(), "forward pass")
	assert.Contains(t, (&InvalidShapeError{Reason: "dim not divisible"}).Error(), "dim not divisible")
	assert.Contains(t, (&TimeoutError{Where: "worker 2 bootstrap"}).Error(), "worker 2 bootstrap")
	assert.Contains(t, (&UnsupportedHeaderKeyError{Key: 0x42}).Error(), "0x42")
}

// TestTransportFailedErrorUnwraps checks errors.As/Is can see through the
// wrapper to the underlying socket error.
func TestTransportFailedErrorUnwraps(t *testing.T) {
	inner := errors.New("connection reset")
	wrapped := &TransportFailedError{Where: "write", Err: inner}

	assert.ErrorIs(t, wrapped, inner)
	assert.Contains(t, wrapped.Error(), "write")
	assert.Contains(t, wrapped.Error(), "connection reset")
}
