package session

import (
	"errors"

	"github.com/foxseedlab/pokerpoints/internal/directory"
	"github.com/foxseedlab/pokerpoints/internal/queue"
	"github.com/foxseedlab/pokerpoints/internal/registry"
	"github.com/foxseedlab/pokerpoints/internal/repository"
	"github.com/foxseedlab/pokerpoints/internal/voting"
)

type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeForbidden          Code = "FORBIDDEN"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeInternal           Code = "INTERNAL"
)

// Error is the caller-only notice returned by every rejected action. No
// state has changed and nothing was broadcast when it is returned.
type Error struct {
	Code    Code
	Message string
	err     error
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.err
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// AsError converts any failure into an *Error. Unknown errors become
// CodeInternal with a generic message and keep the cause for logging.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: messageSessionNotFound, err: err}
	case errors.Is(err, queue.ErrStoryNotFound), errors.Is(err, voting.ErrStoryNotFound):
		return &Error{Code: CodeNotFound, Message: messageStoryNotFound, err: err}
	case errors.Is(err, registry.ErrParticipantNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error(), err: err}
	case errors.Is(err, directory.ErrUnauthorized):
		return &Error{Code: CodeForbidden, Message: err.Error(), err: err}
	case errors.Is(err, directory.ErrInvalidDeckType),
		errors.Is(err, directory.ErrInvalidName),
		errors.Is(err, queue.ErrInvalidTitle),
		errors.Is(err, queue.ErrInvalidURL),
		errors.Is(err, queue.ErrInvalidBatch),
		errors.Is(err, registry.ErrInvalidDisplayName),
		errors.Is(err, voting.ErrEmptyCardValue),
		errors.Is(err, voting.ErrCardValueTooLong),
		errors.Is(err, repository.ErrScoreOutOfRange):
		return &Error{Code: CodeInvalidArgument, Message: err.Error(), err: err}
	case errors.Is(err, queue.ErrNotPending), errors.Is(err, repository.ErrActiveStoryExists):
		return &Error{Code: CodeFailedPrecondition, Message: err.Error(), err: err}
	}
	return &Error{Code: CodeInternal, Message: messageInternal, err: err}
}
