package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies store failures
type ErrorKind int

const (
	// DuplicateNonce: an event with the same (agent_id, nonce) already exists
	DuplicateNonce ErrorKind = iota + 1
	// TransactionFailure: the database refused or failed a statement
	TransactionFailure
	// EncryptionFailure: a field could not be sealed or opened, or the
	// operator secret does not match the database
	EncryptionFailure
	// NotFound: the requested row does not exist
	NotFound
)

func (k ErrorKind) String() string {
	switch k {
	case DuplicateNonce:
		return "duplicate_nonce"
	case TransactionFailure:
		return "transaction_failure"
	case EncryptionFailure:
		return "encryption_failure"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every Store method
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Sentinels for errors.Is matching on the kind only
var (
	ErrDuplicateNonce     = &Error{Kind: DuplicateNonce}
	ErrTransactionFailure = &Error{Kind: TransactionFailure}
	ErrEncryptionFailure  = &Error{Kind: EncryptionFailure}
	ErrNotFound           = &Error{Kind: NotFound}
)

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any store Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Fatal reports whether err means the store can no longer be trusted with
// writes from the caller's session
func Fatal(err error) bool {
	var se *Error
	if !errors.As(err, &se) {
		return err != nil
	}
	return se.Kind == TransactionFailure || se.Kind == EncryptionFailure
}

func storeErr(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// classify wraps a database error, keeping any store Error already in the
// chain (for example from a field cipher) and mapping constraint violations
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		if se.Op == "" {
			return storeErr(se.Kind, op, se.Err)
		}
		return err
	}
	if isUniqueErr(err) {
		return storeErr(DuplicateNonce, op, err)
	}
	return storeErr(TransactionFailure, op, err)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

func encryptionErr(op, format string, args ...any) error {
	return storeErr(EncryptionFailure, op, fmt.Errorf(format, args...))
}
