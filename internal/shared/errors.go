package shared

import (
	"errors"
	"fmt"
)

// Kind classifies a domain outcome. The transport layer maps kinds to
// user-facing messages; services never format user text themselves.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindAccessDenied        Kind = "access_denied"
	KindInsufficientFunds   Kind = "insufficient_funds"
	KindInvalidChoice       Kind = "invalid_choice"
	KindNotFound            Kind = "not_found"
	KindAlreadyExists       Kind = "already_exists"
	KindConflict            Kind = "conflict"
	KindContentionExceeded  Kind = "contention_exceeded"
	KindServiceDegraded     Kind = "service_degraded"
	KindPartialFailure      Kind = "partial_failure"
	KindStoreInconsistency  Kind = "store_inconsistency"
	KindInternal            Kind = "internal_error"
)

// DomainError carries a kind plus optional machine-readable context.
// Reason holds an enumerated sub-reason (e.g. "vip_required"); Guidance
// holds actionable context for composing the user-facing message.
type DomainError struct {
	Kind     Kind
	Reason   string
	Guidance string
	Err      error
}

func (e *DomainError) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewError builds a DomainError of the given kind.
func NewError(kind Kind, reason, guidance string) *DomainError {
	return &DomainError{Kind: kind, Reason: reason, Guidance: guidance}
}

// WrapError builds a DomainError wrapping an underlying cause.
func WrapError(kind Kind, reason, guidance string, err error) *DomainError {
	return &DomainError{Kind: kind, Reason: reason, Guidance: guidance, Err: err}
}

// Errorf builds a DomainError with a formatted reason and no guidance.
func Errorf(kind Kind, format string, args ...any) *DomainError {
	return &DomainError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from an error chain. Unrecognized errors are
// reported as KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
