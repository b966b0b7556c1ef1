package capture

import (
	"errors"
	"fmt"
)

// Code is the flat result taxonomy every public operation maps onto.
// There is no secondary, backend-specific error channel.
type Code int

const (
	CodeSuccess Code = iota
	CodeInvalidArgument
	CodeNotInitialized
	CodeSystemCallFailed
	CodeNotSupported
	CodeBufferTooSmall
	CodeInvalidHandle
	CodeDeviceNotFound
	CodeDeviceBusy
	CodeAlreadyRunning
	CodeNotRunning
	CodeOutOfMemory
	CodeTimeout

	// Domain extensions.
	CodeFormatNotSupported
	CodeDeviceLost
	CodeUserCancelled
	CodePermissionFlowFailed
	CodePermissionSessionClosed
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeInvalidArgument:
		return "invalid argument"
	case CodeNotInitialized:
		return "not initialized"
	case CodeSystemCallFailed:
		return "system call failed"
	case CodeNotSupported:
		return "not supported"
	case CodeBufferTooSmall:
		return "buffer too small"
	case CodeInvalidHandle:
		return "invalid handle"
	case CodeDeviceNotFound:
		return "device not found"
	case CodeDeviceBusy:
		return "device busy"
	case CodeAlreadyRunning:
		return "already running"
	case CodeNotRunning:
		return "not running"
	case CodeOutOfMemory:
		return "out of memory"
	case CodeTimeout:
		return "timeout"
	case CodeFormatNotSupported:
		return "format not supported"
	case CodeDeviceLost:
		return "device lost"
	case CodeUserCancelled:
		return "user cancelled"
	case CodePermissionFlowFailed:
		return "permission flow failed"
	case CodePermissionSessionClosed:
		return "permission session closed"
	default:
		return "unknown"
	}
}

// Error associates a Code with an optional operation name and cause.
// Two Errors compare equal under errors.Is when their codes match, so
// callers test against the package sentinels below.
type Error struct {
	Code Code
	Op   string // operation that failed, e.g. "configure"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("capture: %s: %s: %v", e.Op, e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("capture: %s: %s", e.Op, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("capture: %s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("capture: %s", e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, regardless of Op/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is. Operations return wrapped variants carrying
// the operation name and platform cause.
var (
	ErrInvalidArgument         = &Error{Code: CodeInvalidArgument}
	ErrNotInitialized          = &Error{Code: CodeNotInitialized}
	ErrSystemCallFailed        = &Error{Code: CodeSystemCallFailed}
	ErrNotSupported            = &Error{Code: CodeNotSupported}
	ErrBufferTooSmall          = &Error{Code: CodeBufferTooSmall}
	ErrInvalidHandle           = &Error{Code: CodeInvalidHandle}
	ErrDeviceNotFound          = &Error{Code: CodeDeviceNotFound}
	ErrDeviceBusy              = &Error{Code: CodeDeviceBusy}
	ErrAlreadyRunning          = &Error{Code: CodeAlreadyRunning}
	ErrNotRunning              = &Error{Code: CodeNotRunning}
	ErrOutOfMemory             = &Error{Code: CodeOutOfMemory}
	ErrTimeout                 = &Error{Code: CodeTimeout}
	ErrFormatNotSupported      = &Error{Code: CodeFormatNotSupported}
	ErrDeviceLost              = &Error{Code: CodeDeviceLost}
	ErrUserCancelled           = &Error{Code: CodeUserCancelled}
	ErrPermissionFlowFailed    = &Error{Code: CodePermissionFlowFailed}
	ErrPermissionSessionClosed = &Error{Code: CodePermissionSessionClosed}
)

// errCode builds an operation error with the given code and cause.
func errCode(code Code, op string, cause error) error {
	return &Error{Code: code, Op: op, Err: cause}
}

// errCodef builds an operation error with a formatted cause.
func errCodef(code Code, op, format string, args ...any) error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the result code from an error returned by this
// package. A nil error is CodeSuccess; a foreign error maps to
// CodeSystemCallFailed, the catch-all for platform failures.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeSystemCallFailed
}
