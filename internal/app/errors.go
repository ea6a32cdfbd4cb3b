package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func unauthorized(message string) *DomainError {
	return domainError(http.StatusForbidden, "UNAUTHORIZED", message, nil)
}

func unauthenticated(message string) *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHENTICATED", message, nil)
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func validation(field, message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, map[string]any{"field": field})
}

func conflict(message string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, nil)
}

// externalFailure hides the upstream error from the caller; it is logged by the caller's site.
func externalFailure(service string) *DomainError {
	return domainError(http.StatusBadGateway, "EXTERNAL_SERVICE_FAILURE", service+" failed", map[string]any{"service": service})
}

func unavailable(code, message string) *DomainError {
	return domainError(http.StatusServiceUnavailable, code, message, nil)
}

func rateLimited(message string) *DomainError {
	return domainError(http.StatusTooManyRequests, "RATE_LIMITED", message, nil)
}

// missingAs turns a missing row into a NOT_FOUND with message.
func missingAs(err error, message string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(message)
	}
	return err
}
