package pgstore

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassifyTxError(t *testing.T) {
	t.Parallel()
	failure := errors.New("boom")
	testCases := []struct {
		name         string
		code         string
		err          error
		wantConflict bool
		wantSame     bool
	}{
		{name: "serialization failure", code: errorCodeCommit, err: &pgconn.PgError{Code: pgSerializationFailureCode}, wantConflict: true},
		{name: "deadlock", code: errorCodeConflict, err: fmt.Errorf("exec: %w", &pgconn.PgError{Code: pgDeadlockDetectedCode}), wantConflict: true},
		{name: "already classified", code: errorCodeConflict, err: wrapStoreError(errorSubjectGrant, errorCodeConflict, ledger.ErrSerializationConflict), wantConflict: true, wantSame: true},
		{name: "other error passes through", code: errorCodeConflict, err: failure, wantSame: true},
		{name: "commit failure is wrapped", code: errorCodeCommit, err: failure},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			got := classifyTxError(testCase.code, testCase.err)
			if errors.Is(got, ledger.ErrSerializationConflict) != testCase.wantConflict {
				t.Fatalf("unexpected conflict classification for %v", got)
			}
			if testCase.wantSame && got != testCase.err {
				t.Fatalf("expected error returned unchanged, got %v", got)
			}
			if !errors.Is(got, testCase.err) && !testCase.wantConflict {
				t.Fatalf("expected cause to be preserved, got %v", got)
			}
		})
	}
}

func TestIsDuplicateGrant(t *testing.T) {
	t.Parallel()
	if !isDuplicateGrant(&pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintGrantPrimary}) {
		t.Fatalf("expected primary key violation to be a duplicate grant")
	}
	if isDuplicateGrant(&pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: "referrals_pkey"}) {
		t.Fatalf("expected other constraints to be ignored")
	}
	if isDuplicateGrant(errors.New("boom")) {
		t.Fatalf("expected plain errors to be ignored")
	}
}

func TestEncodeDetails(t *testing.T) {
	t.Parallel()
	encoded, err := encodeDetails(nil)
	if err != nil || encoded != "{}" {
		t.Fatalf("expected empty object, got %q (%v)", encoded, err)
	}
	encoded, err = encodeDetails(map[string]string{"user_id": "user-1"})
	if err != nil || encoded != `{"user_id":"user-1"}` {
		t.Fatalf("unexpected encoding %q (%v)", encoded, err)
	}
}

func TestActiveGrantsQueryLocksOnlyInTransaction(t *testing.T) {
	t.Parallel()
	if query := New(nil).activeGrantsQuery(); strings.Contains(query, sqlLockRows) {
		t.Fatalf("pool query must not lock rows: %s", query)
	}
	transactionStore := &TxStore{queries: queries{lockRows: true}}
	if query := transactionStore.activeGrantsQuery(); !strings.HasSuffix(query, sqlLockRows) {
		t.Fatalf("transaction query must lock rows: %s", query)
	}
}
