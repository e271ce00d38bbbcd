// Package ids generates operation identifiers for grants the service originates itself.
package ids

import (
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/teris-io/shortid"
)

const (
	shortIDWorker = 1
	shortIDSeed   = 2342

	autoTopupPrefix = "auto-topup"
	adminPrefix     = "admin"
)

var (
	shortIDGenerator *shortid.Shortid
	shortIDErr       error
	shortIDOnce      sync.Once
)

// NewOperationID returns a k-sortable identifier.
func NewOperationID() string {
	return ulid.Make().String()
}

// NewAdminOperationID returns an identifier for operator-issued grants, e.g. admin-01HV....
func NewAdminOperationID() string {
	return fmt.Sprintf("%s-%s", adminPrefix, NewOperationID())
}

// NewShortID returns a compact random identifier without dashes.
func NewShortID() (string, error) {
	shortIDOnce.Do(func() {
		shortIDGenerator, shortIDErr = shortid.New(shortIDWorker, shortid.DefaultABC, shortIDSeed)
	})
	if shortIDErr != nil {
		return "", fmt.Errorf("initialize shortid generator: %w", shortIDErr)
	}
	id, err := shortIDGenerator.Generate()
	if err != nil {
		return "", fmt.Errorf("generate shortid: %w", err)
	}
	return strings.ReplaceAll(id, "-", ""), nil
}

// AutoTopupKey builds the payment idempotency key for one top-up attempt. The key doubles as
// the operation id of the resulting purchase grant.
func AutoTopupKey(userID string) (string, error) {
	id, err := NewShortID()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s", autoTopupPrefix, userID, id), nil
}
