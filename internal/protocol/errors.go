package protocol

import (
	"errors"
	"fmt"
)

// ErrNeedMore is returned by the decoder when the buffered bytes do not yet
// hold a complete frame. It is not a protocol violation.
var ErrNeedMore = errors.New("protocol: need more bytes")

// ErrorCode classifies protocol violations.
type ErrorCode uint16

const (
	CodeUnknown       ErrorCode = 0
	CodeBadMagic      ErrorCode = 1001
	CodeFrameTooLarge ErrorCode = 1002
	CodeBadLength     ErrorCode = 1003
	CodeChecksum      ErrorCode = 1004
	CodeBadField      ErrorCode = 1005
)

// ProtocolError is a fatal wire-level violation. The connection that produced
// it is closed without acknowledgement.
type ProtocolError struct {
	Code ErrorCode
	Msg  string
}

func (e *ProtocolError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("protocol error (%d)", e.Code)
	}
	return fmt.Sprintf("protocol error (%d): %s", e.Code, e.Msg)
}

// Is matches any ProtocolError with the same code, so detailed errors still
// satisfy errors.Is against the sentinels below.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrBadMagic      = &ProtocolError{Code: CodeBadMagic, Msg: "bad magic"}
	ErrFrameTooLarge = &ProtocolError{Code: CodeFrameTooLarge, Msg: "frame too large"}
	ErrBadLength     = &ProtocolError{Code: CodeBadLength, Msg: "inconsistent length"}
	ErrChecksum      = &ProtocolError{Code: CodeChecksum, Msg: "checksum mismatch"}
	ErrBadField      = &ProtocolError{Code: CodeBadField, Msg: "malformed field"}
)

func newError(code ErrorCode, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is (or wraps) a ProtocolError.
func IsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
