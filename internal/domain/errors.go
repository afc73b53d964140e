package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure categories surfaced to visitors.
type ErrorKind string

const (
	KindConfiguration   ErrorKind = "configuration"
	KindMissingInput    ErrorKind = "missing_input"
	KindUnsupportedFile ErrorKind = "unsupported_file"
	KindInvalidInput    ErrorKind = "invalid_input"
	KindBusy            ErrorKind = "busy"
	KindExternalCall    ErrorKind = "external_call"
	KindInternal        ErrorKind = "internal"
)

// Error carries a kind next to the underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and the operation that failed.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// UserMessage maps an error to the text shown in the UI.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindConfiguration:
		return "Fashion AI is not fully configured yet 🛠️ " + causeText(err)
	case KindMissingInput:
		return "Please upload both a human and a garment image to get started! 👗📷"
	case KindUnsupportedFile:
		return "Only PNG and JPEG images are supported 📸 " + causeText(err)
	case KindInvalidInput:
		return "Please type something for Stella first 💭"
	case KindBusy:
		return "Hold on, your look is still being created ✨"
	case KindExternalCall:
		return "Oops! Something went wrong with the fashion magic 💔 Error: " + causeText(err)
	default:
		return "Something went wrong on our side. Please try again 🙏"
	}
}

// causeText is the message of the wrapped cause without the kind prefix.
func causeText(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Err != nil {
		return de.Err.Error()
	}
	return err.Error()
}
