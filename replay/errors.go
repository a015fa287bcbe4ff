package replay

import "fmt"

// Code identifies a stable error class. Codes are part of the tool contract
// and never change meaning across schema versions.
type Code string

const (
	ErrParseFailed             Code = "replay.parse_failed"
	ErrProjectionStrictFailure Code = "replay.projection_strict_failure"
	ErrStoreWriteFailed        Code = "replay.store_write_failed"
	ErrCursorRegression        Code = "replay.cursor_regression"
	ErrFetchFailed             Code = "replay.fetch_failed"
	ErrLimitsExceeded          Code = "replay.limits_exceeded"
	ErrAccessDenied            Code = "replay.access_denied"
	ErrTraceNotFound           Code = "replay.trace_not_found"
	ErrEvidenceIntegrity       Code = "replay.evidence_integrity_failed"
)

// Retriable reports whether a caller may retry the same request unmodified.
func (c Code) Retriable() bool {
	switch c {
	case ErrStoreWriteFailed, ErrFetchFailed:
		return true
	}
	return false
}

type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Code)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func Errf(code Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, msg string, err error) error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the replay code from err, or "" when err carries none.
func CodeOf(err error) Code {
	for err != nil {
		if re, ok := err.(*Error); ok {
			return re.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
