// Package apperr defines typed application errors and their HTTP mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for programmatic handling at API boundaries.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindAlreadyExists Kind = "already_exists"
	KindForbidden     Kind = "forbidden"
	KindUnauthorized  Kind = "unauthorized"
	KindValidation    Kind = "validation"
	KindGitClone      Kind = "git_clone"
	KindGitWorktree   Kind = "git_worktree"
	KindGitDiff       Kind = "git_diff"
	KindGitCommit     Kind = "git_commit"
	KindGitPush       Kind = "git_push"
	KindAgentNotFound Kind = "agent_not_found"
	KindSession       Kind = "session"
	KindNotification  Kind = "notification"
	KindInternal      Kind = "internal"
)

// Error carries a kind alongside a message and optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same kind, so that
// errors.Is(err, apperr.E(KindNotFound, "")) style sentinels work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// E creates a new typed error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Errorf creates a new typed error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error wrapping a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain, or KindInternal if untyped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// HTTPStatus maps an error to the status code the API boundary should return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound, KindAgentNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindSession:
		return http.StatusConflict
	case KindGitClone, KindGitWorktree, KindGitDiff, KindGitCommit, KindGitPush, KindNotification:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
