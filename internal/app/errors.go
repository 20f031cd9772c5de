package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"rubyeditor/api/internal/assets"
	"rubyeditor/api/internal/auth"
	"rubyeditor/api/internal/document"
	"rubyeditor/api/internal/export"
	"rubyeditor/api/internal/links"
	"rubyeditor/api/internal/share"
	"rubyeditor/api/internal/store"
)

var ErrForbidden = errors.New("forbidden")

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

func validationError(err error) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Validation failed", err)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var fieldErrs validation.Errors
	if errors.As(err, &fieldErrs) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Validation failed", fieldErrs
	}
	var shareErr *share.Error
	if errors.As(err, &shareErr) {
		status := shareErr.Status
		if status < 400 {
			status = http.StatusBadGateway
		}
		return status, "SHARE_FAILED", shareErr.Message, nil
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "REVISION_CONFLICT", "Document was changed by someone else; reload before saving", nil
	case errors.Is(err, document.ErrInvalidContent):
		return http.StatusUnprocessableEntity, "INVALID_CONTENT", err.Error(), nil
	case errors.Is(err, document.ErrTransientSource):
		return http.StatusUnprocessableEntity, "TRANSIENT_IMAGE_SOURCE", "Images must be uploaded before saving", nil
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, links.ErrInvalidTarget):
		return http.StatusUnprocessableEntity, "INVALID_LINK_TARGET", err.Error(), nil
	case errors.Is(err, assets.ErrInvalidUpload), errors.Is(err, assets.ErrNotImage):
		return http.StatusUnprocessableEntity, "INVALID_UPLOAD", err.Error(), nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", err.Error(), nil
	case errors.Is(err, export.ErrContentUnavailable):
		return http.StatusUnprocessableEntity, "EXPORT_UNAVAILABLE", "Document has no exportable content", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF export is not available on this server", nil
	case errors.Is(err, share.ErrInvalidRequest):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, share.ErrLinkNotFound):
		return http.StatusNotFound, "SHARE_NOT_FOUND", "Share link not found", nil
	case errors.Is(err, share.ErrLinkExpired), errors.Is(err, share.ErrLinkRevoked):
		return http.StatusGone, "SHARE_GONE", "Share link is no longer valid", nil
	case errors.Is(err, share.ErrPasswordRequired):
		return http.StatusUnauthorized, "PASSWORD_REQUIRED", "Password required", nil
	case errors.Is(err, share.ErrPasswordMismatch):
		return http.StatusForbidden, "PASSWORD_INVALID", "Password is incorrect", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
