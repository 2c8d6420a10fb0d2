package services

import "errors"

type ErrorCode string

const (
	ErrorInvalid       ErrorCode = "invalid"
	ErrorNotFound      ErrorCode = "not_found"
	ErrorConflict      ErrorCode = "conflict"
	ErrorUnauthorized  ErrorCode = "unauthorized"
	ErrorInvalidToken  ErrorCode = "invalid_token"
	ErrorLimitExceeded ErrorCode = "limit_exceeded"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
	// IDs lists the records involved in a conflict.
	IDs []uint
}

func (e *ServiceError) Error() string { return e.Message }

func NewInvalidError(msg string) error  { return &ServiceError{Code: ErrorInvalid, Message: msg} }
func NewNotFoundError(msg string) error { return &ServiceError{Code: ErrorNotFound, Message: msg} }
func NewConflictError(msg string, ids ...uint) error {
	return &ServiceError{Code: ErrorConflict, Message: msg, IDs: ids}
}
func NewUnauthorizedError(msg string) error {
	return &ServiceError{Code: ErrorUnauthorized, Message: msg}
}

func NewInvalidTokenError(msg string) error {
	return &ServiceError{Code: ErrorInvalidToken, Message: msg}
}

func NewLimitExceededError(msg string) error {
	return &ServiceError{Code: ErrorLimitExceeded, Message: msg}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsCode reports whether err is a ServiceError with the given code.
func IsCode(err error, code ErrorCode) bool {
	se, ok := AsServiceError(err)
	return ok && se.Code == code
}

// ErrDuplicate is returned by stores when a unique constraint rejects a write.
var ErrDuplicate = errors.New("duplicate record")
