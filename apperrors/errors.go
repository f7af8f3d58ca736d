// Package apperrors holds the error taxonomy shared by the lending core and
// its transports.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation       Kind = "validation"
	KindPolicyDenied     Kind = "policy_denied"
	KindNotFound         Kind = "not_found"
	KindStateConflict    Kind = "state_conflict"
	KindScheduleConflict Kind = "schedule_conflict"
	KindForbidden        Kind = "forbidden"
	KindInfrastructure   Kind = "infrastructure"
)

type Reason string

const (
	ReasonInvalid          Reason = "INVALID"
	ReasonLowScore         Reason = "LOW_SCORE"
	ReasonDurationPolicy   Reason = "DURATION_POLICY"
	ReasonRoomPolicy       Reason = "ROOM_POLICY"
	ReasonUnavailable      Reason = "UNAVAILABLE"
	ReasonWrongState       Reason = "WRONG_STATE"
	ReasonPastWindow       Reason = "PAST_WINDOW"
	ReasonNoOpenLoan       Reason = "NO_OPEN_LOAN"
	ReasonDuplicateRequest Reason = "DUPLICATE_REQUEST"
	ReasonDuplicate        Reason = "DUPLICATE"
	ReasonTransient        Reason = "TRANSIENT"
	ReasonOverlap          Reason = "OVERLAP"
	ReasonForbidden        Reason = "FORBIDDEN"
	ReasonNotFound         Reason = "NOT_FOUND"
	ReasonInternal         Reason = "INTERNAL"
)

// Error is a typed rejection. Message is safe to show to the caller.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind and Reason so callers can compare against templates
// such as &Error{Kind: KindPolicyDenied, Reason: ReasonLowScore}.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return true
}

func New(kind Kind, reason Reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, ReasonInvalid, format, args...)
}

func Policy(reason Reason, format string, args ...any) *Error {
	return New(KindPolicyDenied, reason, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, ReasonNotFound, format, args...)
}

func Conflict(reason Reason, format string, args ...any) *Error {
	return New(KindStateConflict, reason, format, args...)
}

func Schedule(format string, args ...any) *Error {
	return New(KindScheduleConflict, ReasonOverlap, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, ReasonForbidden, format, args...)
}

// Infra wraps a store or collaborator failure. The message stays generic.
func Infra(err error, op string) *Error {
	return &Error{Kind: KindInfrastructure, Reason: ReasonInternal, Message: op + " failed", Err: err}
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfrastructure
}

func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonInternal
}

// Expected reports whether err is an ordinary user-facing outcome rather
// than a system failure.
func Expected(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind != KindInfrastructure
}

var statusByKind = map[Kind]int{
	KindValidation:       http.StatusBadRequest,
	KindPolicyDenied:     http.StatusUnprocessableEntity,
	KindNotFound:         http.StatusNotFound,
	KindStateConflict:    http.StatusConflict,
	KindScheduleConflict: http.StatusConflict,
	KindForbidden:        http.StatusForbidden,
	KindInfrastructure:   http.StatusInternalServerError,
}

func HTTPStatus(err error) int {
	if code, ok := statusByKind[KindOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// PublicMessage never leaks infrastructure details.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInfrastructure {
			return "internal error, please retry"
		}
		return e.Message
	}
	return "internal error, please retry"
}
