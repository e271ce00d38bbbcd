package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrValidation            = errors.New("validation failed")
	ErrPayment               = errors.New("payment failed")
	ErrPaymentOutcomeUnknown = errors.New("payment outcome unknown")
	ErrSerializationConflict = errors.New("serialization conflict")
	ErrNoActiveGrants        = errors.New("no active grants")
	ErrDuplicateOperationID  = errors.New("duplicate operation id")
	ErrGrantNotFound         = errors.New("grant not found")
	ErrAccountNotFound       = errors.New("account not found")
	ErrRevokeNegativeBalance = errors.New("cannot revoke grant with negative balance")
	ErrInvalidUserID         = fmt.Errorf("%w: invalid user id", ErrValidation)
	ErrInvalidOperationID    = fmt.Errorf("%w: invalid operation id", ErrValidation)
	ErrInvalidGrantType      = fmt.Errorf("%w: invalid grant type", ErrValidation)
	ErrInvalidAmount         = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrInvalidRate           = fmt.Errorf("%w: invalid cents per credit rate", ErrValidation)
	ErrInvalidServiceConfig  = errors.New("invalid service config")
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

// IsSerializationConflict is the default retry classifier for RunSerializable.
func IsSerializationConflict(err error) bool {
	return errors.Is(err, ErrSerializationConflict)
}
