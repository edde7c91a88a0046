package store

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/brineflow/kvindex/kvstore"
)

// Code is the stable numeric error taxonomy from spec §6.
type Code int

const (
	OK Code = iota
	EINVAL
	ENOMEM
	NOT_FOUND
	KEY_EXISTS
	INDEX_ERROR
	TXN_ABORTED
	IO
	GENERIC
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case EINVAL:
		return "EINVAL"
	case ENOMEM:
		return "ENOMEM"
	case NOT_FOUND:
		return "NOT_FOUND"
	case KEY_EXISTS:
		return "KEY_EXISTS"
	case INDEX_ERROR:
		return "INDEX_ERROR"
	case TXN_ABORTED:
		return "TXN_ABORTED"
	case IO:
		return "IO"
	default:
		return "GENERIC"
	}
}

// Category groups errors by origin, per spec §6.
type Category int

const (
	CategoryLib Category = iota
	CategoryOS
	CategoryStore
)

func (c Category) String() string {
	switch c {
	case CategoryLib:
		return "LIB"
	case CategoryOS:
		return "OS"
	default:
		return "STORE"
	}
}

// Error is the envelope every operation in this module returns on failure:
// a stable numeric code, a category, and a free-form message, optionally
// wrapping a lower-level cause.
type Error struct {
	Code     Code
	Category Category
	Msg      string
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Category, e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(code Code, cat Category, msg string) *Error {
	return &Error{Code: code, Category: cat, Msg: msg}
}

func wrapErr(code Code, cat Category, msg string, cause error) *Error {
	return &Error{Code: code, Category: cat, Msg: msg, cause: errors.Wrap(cause, msg)}
}

func errInvalid(msg string) *Error     { return newErr(EINVAL, CategoryLib, msg) }
func errNotFound(msg string) *Error    { return newErr(NOT_FOUND, CategoryLib, msg) }
func errKeyExists(msg string) *Error   { return newErr(KEY_EXISTS, CategoryLib, msg) }
func errIndex(msg string) *Error       { return newErr(INDEX_ERROR, CategoryLib, msg) }
func errTxnAborted(msg string) *Error  { return newErr(TXN_ABORTED, CategoryLib, msg) }

// translateStoreErr maps an error surfaced by the kvstore package (or its
// concrete engine) into this package's stable Error taxonomy.
func translateStoreErr(op string, err error) *Error {
	if err == nil {
		return nil
	}
	switch err {
	case kvstore.ErrNotFound:
		return newErr(NOT_FOUND, CategoryStore, op)
	case kvstore.ErrTxnReadOnly:
		return newErr(EINVAL, CategoryStore, op)
	case kvstore.ErrCompareUnsupported:
		return newErr(EINVAL, CategoryStore, op)
	default:
		return wrapErr(IO, CategoryStore, op, err)
	}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
