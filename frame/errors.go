package frame

import (
	"errors"
	"strconv"
)

// Close codes produced by the decoder, RFC 6455, section 7.4.1.
const (
	CloseProtocolError = 1002
	CloseMessageTooBig = 1009
)

// ErrNeedMoreData is returned by Decoder.Next when the buffered input does
// not yet hold the next field. It is not a protocol error.
var ErrNeedMoreData = errors.New("frame: need more data")

// Protocol violations. They are wrapped in a *ProtocolError.
var (
	ErrReservedBits           = errors.New("frame: reserved bits set")
	ErrInvalidOpcode          = errors.New("frame: invalid opcode")
	ErrUnexpectedContinuation = errors.New("frame: unexpected continuation frame")
	ErrExpectedContinuation   = errors.New("frame: expected continuation frame")
	ErrFragmentedControlFrame = errors.New("frame: fragmented control frame")
	ErrControlFrameTooLong    = errors.New("frame: control frame payload too long")
	ErrInvalidClosePayload    = errors.New("frame: invalid close frame payload length")
	ErrMaskRequired           = errors.New("frame: mask bit must be set")
	ErrUnexpectedMask         = errors.New("frame: mask bit must be clear")
	ErrLengthUnrepresentable  = errors.New("frame: payload length too large to represent")
	ErrMessageTooBig          = errors.New("frame: max message size exceeded")
)

// ProtocolError is a decoding failure together with the close code that
// the connection must be failed with.
type ProtocolError struct {
	Code int
	Err  error
}

func (e *ProtocolError) Error() string {
	return e.Err.Error() + " (close " + strconv.Itoa(e.Code) + ")"
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolError(err error) *ProtocolError {
	return &ProtocolError{Code: CloseProtocolError, Err: err}
}

func tooBigError(err error) *ProtocolError {
	return &ProtocolError{Code: CloseMessageTooBig, Err: err}
}

// CloseCode returns the close code carried by err, or 0 when err is not a
// *ProtocolError.
func CloseCode(err error) int {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}
