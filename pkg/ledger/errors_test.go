package ledger

import (
	"errors"
	"testing"
)

const (
	operationName    = "ledger"
	subjectName      = "grant"
	codeName         = "invalid"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) {
		test.Fatalf("expected OperationError")
	}
	if operationError.Operation() != operationName || operationError.Subject() != subjectName || operationError.Code() != codeName {
		test.Fatalf("unexpected segments: %+v", operationError)
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestValidationErrorsShareClassification(test *testing.T) {
	test.Parallel()
	for _, err := range []error{ErrInvalidUserID, ErrInvalidOperationID, ErrInvalidGrantType, ErrInvalidAmount, ErrInvalidRate} {
		if !errors.Is(err, ErrValidation) {
			test.Fatalf("expected %v to be a validation error", err)
		}
	}
	if errors.Is(ErrSerializationConflict, ErrValidation) {
		test.Fatalf("conflicts must not be validation errors")
	}
}

func TestIsSerializationConflict(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("store", "transaction", "commit", ErrSerializationConflict)
	if !IsSerializationConflict(wrapped) {
		test.Fatalf("expected wrapped conflict to be detected")
	}
	if IsSerializationConflict(errStoreFailure) {
		test.Fatalf("expected plain error to be ignored")
	}
}
