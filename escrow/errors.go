package escrow

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the escrow core reports. The set is flat on purpose:
// callers branch on the kind, never on message text.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAgreementAlreadyExists
	KindAgreementNotFound
	KindTransactionNotFound
	KindInvalidTransactionState
	KindDisputeNotFound
	KindInvalidDisputeState
	KindUnauthorized
	KindInsufficientFunds
	KindDeadlineExceeded
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindAgreementAlreadyExists:
		return "agreement already exists"
	case KindAgreementNotFound:
		return "agreement not found"
	case KindTransactionNotFound:
		return "transaction not found"
	case KindInvalidTransactionState:
		return "invalid transaction state"
	case KindDisputeNotFound:
		return "dispute not found"
	case KindInvalidDisputeState:
		return "invalid dispute state"
	case KindUnauthorized:
		return "unauthorized action"
	case KindInsufficientFunds:
		return "insufficient funds"
	case KindDeadlineExceeded:
		return "deadline exceeded"
	case KindInvalidInput:
		return "invalid input"
	default:
		return "unknown error"
	}
}

// Error is the result value returned by every escrow operation that fails.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := "escrow: "
	if e.Op != "" {
		msg += e.Op + ": "
	}
	msg += e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so the sentinels below work with errors.Is
// regardless of the operation or cause attached.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrAgreementAlreadyExists  = &Error{Kind: KindAgreementAlreadyExists}
	ErrAgreementNotFound       = &Error{Kind: KindAgreementNotFound}
	ErrTransactionNotFound     = &Error{Kind: KindTransactionNotFound}
	ErrInvalidTransactionState = &Error{Kind: KindInvalidTransactionState}
	ErrDisputeNotFound         = &Error{Kind: KindDisputeNotFound}
	ErrInvalidDisputeState     = &Error{Kind: KindInvalidDisputeState}
	ErrUnauthorized            = &Error{Kind: KindUnauthorized}
	ErrInsufficientFunds       = &Error{Kind: KindInsufficientFunds}
	ErrDeadlineExceeded        = &Error{Kind: KindDeadlineExceeded}
	ErrInvalidInput            = &Error{Kind: KindInvalidInput}
)

// E builds an *Error for op. A nil cause is allowed.
func E(op string, kind Kind, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Errorf builds an *Error whose cause is a formatted message.
func Errorf(op string, kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
