package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestRunSerializable(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name         string
		failures     []error
		attempts     int
		wantCalls    int
		wantErr      error
		wantAttempts int
	}{
		{name: "succeeds first time", wantCalls: 1, wantAttempts: 1},
		{name: "retries conflicts", failures: []error{ErrSerializationConflict, ErrSerializationConflict}, wantCalls: 3, wantAttempts: 3},
		{name: "gives up after three", failures: []error{ErrSerializationConflict, ErrSerializationConflict, ErrSerializationConflict, ErrSerializationConflict}, wantCalls: 3, wantErr: ErrSerializationConflict, wantAttempts: 3},
		{name: "other errors abort", failures: []error{errStoreFailure}, wantCalls: 1, wantErr: errStoreFailure, wantAttempts: 1},
		{name: "custom attempt budget", failures: []error{ErrSerializationConflict, ErrSerializationConflict}, attempts: 2, wantCalls: 2, wantErr: ErrSerializationConflict, wantAttempts: 2},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			calls := 0
			begin := func(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
				calls++
				if calls <= len(testCase.failures) {
					return testCase.failures[calls-1]
				}
				return fn(ctx, nil)
			}
			work := func(context.Context, Store) error { return nil }

			attempts, err := RunSerializable(context.Background(), begin, work, nil, testCase.attempts)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
			if calls != testCase.wantCalls || attempts != testCase.wantAttempts {
				test.Fatalf("expected %d calls, got %d calls and %d attempts", testCase.wantCalls, calls, attempts)
			}
		})
	}
}

func TestRunSerializableUsesClassifier(test *testing.T) {
	test.Parallel()
	retryable := errors.New("deadlock detected")
	calls := 0
	begin := func(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
		calls++
		if calls == 1 {
			return retryable
		}
		return fn(ctx, nil)
	}
	isConflict := func(err error) bool { return errors.Is(err, retryable) }
	if _, err := RunSerializable(context.Background(), begin, func(context.Context, Store) error { return nil }, isConflict, 3); err != nil {
		test.Fatalf("expected classifier-driven retry to succeed, got %v", err)
	}
	if calls != 2 {
		test.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRunSerializableStopsOnCancelledContext(test *testing.T) {
	test.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	begin := func(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
		calls++
		cancel()
		return ErrSerializationConflict
	}
	_, err := RunSerializable(ctx, begin, func(context.Context, Store) error { return nil }, nil, 3)
	if !errors.Is(err, context.Canceled) {
		test.Fatalf(errorMismatchMessage, context.Canceled, err)
	}
	if calls != 1 {
		test.Fatalf("expected a single call, got %d", calls)
	}
}

func TestRunSerializableRequiresWork(test *testing.T) {
	test.Parallel()
	if _, err := RunSerializable(context.Background(), nil, nil, nil, 3); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
}
