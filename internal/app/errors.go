package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"planboard/api/internal/plan"
)

const (
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeMalformedAction = "MALFORMED_ACTION"
	CodeUnavailable     = "PERSISTENCE_UNAVAILABLE"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeInvalidBody     = "INVALID_BODY"
	CodeServerError     = "SERVER_ERROR"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errForbidden() *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, "Forbidden", nil)
}

func errNotFound(documentID string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, "Document not found", map[string]any{"documentId": documentID})
}

// errUnavailable covers storage failures and timeouts. Nothing was committed
// and the client may retry.
func errUnavailable(err error) *DomainError {
	de := domainError(http.StatusServiceUnavailable, CodeUnavailable, "Document storage unavailable", nil)
	de.Err = err
	return de
}

func errMalformed(err error) *DomainError {
	message := "Malformed action"
	if err != nil && !errors.Is(err, plan.ErrMalformedAction) {
		err = fmt.Errorf("%w: %v", plan.ErrMalformedAction, err)
	}
	de := domainError(http.StatusUnprocessableEntity, CodeMalformedAction, message, nil)
	if err != nil {
		de.Details = map[string]any{"reason": err.Error()}
	}
	de.Err = err
	return de
}

func errUnauthorized() *DomainError {
	return domainError(http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
}

// resultLabel names the outcome of a mutation for metrics and logs.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var de *DomainError
	if errors.As(err, &de) {
		switch de.Code {
		case CodeForbidden:
			return "forbidden"
		case CodeNotFound:
			return "not_found"
		case CodeMalformedAction:
			return "malformed"
		case CodeUnavailable:
			return "unavailable"
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "error"
}
