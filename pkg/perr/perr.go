package perr

import (
	"errors"
	"fmt"
)

// Category groups protocol error codes. The values travel on the wire.
type Category string

const (
	CategoryIO        Category = "IOERROR"
	CategoryOS        Category = "OSERROR"
	CategoryMsg       Category = "MSGERROR"
	CategoryPath      Category = "PATHERROR"
	CategoryException Category = "EXCEPTION"
	CategoryConfig    Category = "CONFIG"
	CategoryTransport Category = "TRANSPORT"
)

// Code represents a stable error condition that callers can switch on.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	CodeFileDoesNotExist     Code = "FILEDOESNOTEXIST"
	CodeRemoteIsNotDirectory Code = "REMOTE_IS_NOT_DIRECTORY"
	CodeRemoteDoesNotExist   Code = "REMOTE_DOES_NOT_EXIST"
	CodeMkTempDir            Code = "MKTEMPDIR"
	CodeMkdirFailed          Code = "MKDIR_FAILED"
	CodeWrite                Code = "WRITE"
	CodePermissionDenied     Code = "PERMISSION_DENIED"
	CodeIsDir                Code = "ISDIR"
	CodeFileOpen             Code = "FILEOPEN"
	CodeOSError              Code = "OSERROR"
	CodeListDir              Code = "LISTDIR"
	CodeUnknownMsgType       Code = "UNKNOWN_MSGTYPE"
	CodeKeyError             Code = "KEYERROR"
	CodeUnexpectedMsg        Code = "UNEXPECTED_MSG"
	CodeNotChild             Code = "NOTCHILD"
	CodeUnknownPath          Code = "UNKNOWN_PATH"
	CodeCommandFailed        Code = "COMMAND_FAILED"
	CodeBadValue             Code = "BAD_VALUE"
	CodeMissingKey           Code = "MISSING_KEY"
	CodeUnknownKey           Code = "UNKNOWN_KEY"
	CodeBadURL               Code = "BAD_URL"
	CodeGateway              Code = "GATEWAY"
	CodeHandshake            Code = "HANDSHAKE"
	CodeUnsupportedDialect   Code = "UNSUPPORTED_DIALECT"
)

// Error carries a (Category, Code) pair plus the underlying error. Protocol
// ERROR replies are turned into *Error on the client side.
type Error struct {
	Category Category
	Code     Code
	err      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.err == nil {
		return fmt.Sprintf("%s, %s", e.Category, e.Code)
	}
	return fmt.Sprintf("%s, %s: %v", e.Category, e.Code, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// New wraps an error with the provided category and code. If err is nil a nil
// is returned.
func New(cat Category, code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: cat, Code: code, err: err}
}

// Newf builds a coded error from a format string.
func Newf(cat Category, code Code, format string, args ...any) *Error {
	return &Error{Category: cat, Code: code, err: fmt.Errorf(format, args...)}
}

// Config builds a configuration error.
func Config(code Code, format string, args ...any) *Error {
	return Newf(CategoryConfig, code, format, args...)
}

// IsCode helps callers compare codes without type assertions. Wrapped errors
// are inspected.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Is reports whether err carries the given category and code.
func Is(err error, cat Category, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Category == cat && e.Code == code
	}
	return false
}

// CodeOf returns the category and code carried by err.
func CodeOf(err error) (Category, Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Category, e.Code, true
	}
	return "", "", false
}
