package common

import (
	"errors"
	"net/http"
)

// Stable machine-readable error codes surfaced in the error envelope.
// Clients branch on these, never on the message text.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeMissingIdempotency  = "MISSING_IDEMPOTENCY_KEY"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	CodeNotFound            = "NOT_FOUND"
	CodeOfferInvalid        = "OFFER_INVALID"
	CodeOfferExpired        = "OFFER_EXPIRED"
	CodeRideBusy            = "RIDE_BUSY"
	CodeRateLimited         = "RATE_LIMITED"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
)

// Sentinel errors for wrapping when no richer cause exists.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource conflict")
	ErrValidation     = errors.New("validation error")
	ErrInternalServer = errors.New("internal server error")
)

// AppError is the typed error carried from services to handlers. Code is the
// HTTP status, ErrorCode the stable machine-readable code from the table
// above.
type AppError struct {
	Code      int    `json:"code"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates an AppError with explicit status and code.
func NewAppError(code int, errorCode, message string, err error) *AppError {
	return &AppError{Code: code, ErrorCode: errorCode, Message: message, Err: err}
}

// NewValidationError reports a schema or range failure at intake.
func NewValidationError(message string) *AppError {
	return &AppError{Code: http.StatusBadRequest, ErrorCode: CodeValidation, Message: message, Err: ErrValidation}
}

// NewMissingIdempotencyKeyError reports a create request without the
// Idempotency-Key header.
func NewMissingIdempotencyKeyError() *AppError {
	return &AppError{
		Code:      http.StatusBadRequest,
		ErrorCode: CodeMissingIdempotency,
		Message:   "Idempotency-Key header is required",
		Err:       ErrValidation,
	}
}

// NewIdempotencyConflictError reports a key replay with a different body.
func NewIdempotencyConflictError(message string) *AppError {
	return &AppError{Code: http.StatusUnprocessableEntity, ErrorCode: CodeIdempotencyConflict, Message: message, Err: ErrConflict}
}

// NewDuplicateRideError reports a create that lost the unique-index race on
// its idempotency key to a concurrent request.
func NewDuplicateRideError(message string) *AppError {
	return &AppError{Code: http.StatusConflict, ErrorCode: CodeIdempotencyConflict, Message: message, Err: ErrConflict}
}

// NewNotFoundError reports an unknown id.
func NewNotFoundError(message string, err error) *AppError {
	if err == nil {
		err = ErrNotFound
	}
	return &AppError{Code: http.StatusNotFound, ErrorCode: CodeNotFound, Message: message, Err: err}
}

// NewOfferInvalidError reports a driver response that does not match the
// ride's current offer.
func NewOfferInvalidError(message string) *AppError {
	return &AppError{Code: http.StatusBadRequest, ErrorCode: CodeOfferInvalid, Message: message, Err: ErrConflict}
}

// NewOfferExpiredError reports a response against an offer whose fast-lookup
// entry is gone.
func NewOfferExpiredError(message string) *AppError {
	return &AppError{Code: http.StatusBadRequest, ErrorCode: CodeOfferExpired, Message: message, Err: ErrConflict}
}

// NewRideBusyError reports a failed per-ride lock acquisition.
func NewRideBusyError(message string) *AppError {
	return &AppError{Code: http.StatusConflict, ErrorCode: CodeRideBusy, Message: message, Err: ErrConflict}
}

// NewRateLimitedError reports a request shed by the rate limiter.
func NewRateLimitedError(message string) *AppError {
	return &AppError{Code: http.StatusTooManyRequests, ErrorCode: CodeRateLimited, Message: message, Err: ErrConflict}
}

// NewServiceUnavailableError reports upstream saturation or load shedding.
func NewServiceUnavailableError(message string, err error) *AppError {
	return &AppError{Code: http.StatusServiceUnavailable, ErrorCode: CodeServiceUnavailable, Message: message, Err: err}
}

// NewInternalError reports an unclassified failure.
func NewInternalError(message string, err error) *AppError {
	if err == nil {
		err = ErrInternalServer
	}
	return &AppError{Code: http.StatusInternalServerError, ErrorCode: CodeInternal, Message: message, Err: err}
}
