package billing

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the billing service.
var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAccountFrozen       = errors.New("account frozen")
	ErrRequestIDRequired   = errors.New("request id required")
	ErrAmountNotPositive   = errors.New("amount must be positive")
	ErrDuplicateRequest    = errors.New("duplicate request id")
	ErrHoldExists          = errors.New("hold already exists")
	ErrInvalidUserID       = errors.New("invalid user id")
	ErrInvalidPlan         = errors.New("invalid plan")
	ErrInvalidHoldStatus   = errors.New("invalid hold status")
	ErrInvalidEntryType    = errors.New("invalid entry type")
	ErrInvalidMetadataJSON = errors.New("invalid metadata json")
	ErrInvalidLimit        = errors.New("invalid list limit")
	ErrInvalidConfig       = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
