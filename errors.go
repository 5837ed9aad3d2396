package mealplanagent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies an error for retry and status-code decisions.
type Kind int

const (
	KindOrchestration Kind = iota
	KindValidation
	KindAuthorization
	KindTransient
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "orchestration"
	}
}

// Error is the classified error carried across package boundaries.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		if e.Msg != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in the chain.
// Unclassified errors are orchestration failures unless they look transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindOrchestration
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if looksTransient(err) {
		return KindTransient
	}
	return KindOrchestration
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsTimeout reports timeout-shaped failures only.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func looksTransient(err error) bool {
	if IsTimeout(err) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// HTTPStatus maps a kind to the status code returned by the ingress.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindPermanent:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
