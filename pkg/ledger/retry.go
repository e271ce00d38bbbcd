package ledger

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// DefaultSerializableAttempts bounds RunSerializable when no override is configured.
const DefaultSerializableAttempts = 3

// TxWork is a unit of work executed against a transaction-scoped store.
type TxWork func(ctx context.Context, txStore Store) error

// TxRunner opens a serializable transaction around fn.
type TxRunner func(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

// RunSerializable executes work through begin and reruns the whole closure while
// isConflict classifies the failure as retryable. It returns the number of attempts made.
// Any other error stops immediately.
func RunSerializable(ctx context.Context, begin TxRunner, work TxWork, isConflict func(error) bool, attempts int) (int, error) {
	if begin == nil || work == nil {
		return 0, fmt.Errorf("%w: transaction runner and work are required", ErrInvalidServiceConfig)
	}
	if isConflict == nil {
		isConflict = IsSerializationConflict
	}
	if attempts < 1 {
		attempts = DefaultSerializableAttempts
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(attempts-1)), ctx)
	made := 0
	err := backoff.Retry(func() error {
		made++
		err := begin(ctx, work)
		if err == nil {
			return nil
		}
		if isConflict(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	return made, err
}
