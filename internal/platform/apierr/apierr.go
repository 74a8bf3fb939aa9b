// Package apierr pairs an error with the HTTP status and stable machine code
// the response envelope needs. Services return *Error through normal error
// plumbing; the HTTP layer recovers it with errors.As, so no handler ever
// matches on error strings.
package apierr

import "fmt"

// Error carries the transport mapping alongside the cause. Code is the stable
// identifier clients switch on; Err keeps the chain intact for errors.Is/As.
type Error struct {
	Status int
	Code   string
	Err    error
}

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Err != nil:
		return e.Err.Error()
	case e.Code != "":
		return e.Code
	case e.Status != 0:
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }
