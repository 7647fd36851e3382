package remote

import (
	"errors"
	"fmt"
)

// TransportError is returned when the target can not service a request at
// all: the connection was lost, the request timed out, the target VM died or
// the query was cancelled. It is the only kind of error that aborts a
// continuation lookup.
type TransportError struct {
	Op  string
	Err error
}

func (err *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", err.Op, err.Err)
}

func (err *TransportError) Unwrap() error {
	return err.Err
}

// IsTransport returns true if err is, or wraps, a TransportError.
func IsTransport(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr)
}

// ErrorCode is an error code returned by the target for a single command.
type ErrorCode uint16

// Error codes, the values match JDWP.
const (
	ErrCodeNone               ErrorCode = 0
	ErrCodeInvalidThread      ErrorCode = 10
	ErrCodeThreadNotSuspended ErrorCode = 13
	ErrCodeInvalidObject      ErrorCode = 20
	ErrCodeInvalidClass       ErrorCode = 21
	ErrCodeInvalidMethodID    ErrorCode = 23
	ErrCodeInvalidFieldID     ErrorCode = 25
	ErrCodeInvalidFrameID     ErrorCode = 30
	ErrCodeTypeMismatch       ErrorCode = 34
	ErrCodeInvalidSlot        ErrorCode = 35
	ErrCodeNotImplemented     ErrorCode = 99
	ErrCodeAbsentInformation  ErrorCode = 101
	ErrCodeIllegalArgument    ErrorCode = 103
	ErrCodeVMDead             ErrorCode = 112
	ErrCodeInternal           ErrorCode = 113
	ErrCodeInvalidLength      ErrorCode = 504
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeInvalidThread:      "INVALID_THREAD",
	ErrCodeThreadNotSuspended: "THREAD_NOT_SUSPENDED",
	ErrCodeInvalidObject:      "INVALID_OBJECT",
	ErrCodeInvalidClass:       "INVALID_CLASS",
	ErrCodeInvalidMethodID:    "INVALID_METHODID",
	ErrCodeInvalidFieldID:     "INVALID_FIELDID",
	ErrCodeInvalidFrameID:     "INVALID_FRAMEID",
	ErrCodeTypeMismatch:       "TYPE_MISMATCH",
	ErrCodeInvalidSlot:        "INVALID_SLOT",
	ErrCodeNotImplemented:     "NOT_IMPLEMENTED",
	ErrCodeAbsentInformation:  "ABSENT_INFORMATION",
	ErrCodeIllegalArgument:    "ILLEGAL_ARGUMENT",
	ErrCodeVMDead:             "VM_DEAD",
	ErrCodeInternal:           "INTERNAL",
	ErrCodeInvalidLength:      "INVALID_LENGTH",
}

func (code ErrorCode) String() string {
	if name, ok := errorCodeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("error %d", uint16(code))
}

// CommandError is returned when the target refused a single command, for
// example because a field does not belong to the object's type. The
// connection is still usable.
type CommandError struct {
	Op   string
	Code ErrorCode
}

func (err *CommandError) Error() string {
	return fmt.Sprintf("%s failed: %s", err.Op, err.Code)
}

// InvocationError is returned by InvokeMethod when the invoked method threw.
type InvocationError struct {
	Method    string
	Exception ObjectID
}

func (err *InvocationError) Error() string {
	return fmt.Sprintf("invocation of %s threw exception %#x", err.Method, uint64(err.Exception))
}
