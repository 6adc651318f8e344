package app

import (
	"errors"
	"fmt"
	"net/http"

	"folio/api/internal/auth"
	"folio/api/internal/versioning"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if stage, ok := versioning.StageOf(err); ok {
		details = map[string]any{"stage": string(stage)}
	}
	switch {
	case errors.Is(err, versioning.ErrDocumentNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Document not found", nil
	case errors.Is(err, versioning.ErrVersionNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Version not found", nil
	case errors.Is(err, versioning.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, versioning.ErrWriteConflict):
		return http.StatusConflict, "WRITE_CONFLICT", "Concurrent write conflict, retry the request", details
	case errors.Is(err, versioning.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Storage unavailable", details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", details
}
