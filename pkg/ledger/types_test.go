package ledger

import (
	"errors"
	"testing"
	"time"
)

func TestNewUserID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " user-123 ", wantVal: "user-123"},
		{name: "empty", input: "   ", wantErr: ErrInvalidUserID},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := NewUserID(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.String() != tc.wantVal {
				t.Fatalf("expected %q, got %q", tc.wantVal, result.String())
			}
		})
	}
}

func TestNewOperationID(t *testing.T) {
	t.Parallel()
	_, err := NewOperationID("")
	if !errors.Is(err, ErrInvalidOperationID) {
		t.Fatalf("expected ErrInvalidOperationID, got %v", err)
	}
	id, err := NewOperationID(" op-1 ")
	if err != nil || id.String() != "op-1" {
		t.Fatalf("expected op-1, got %q (%v)", id.String(), err)
	}
}

func TestParseGrantType(t *testing.T) {
	t.Parallel()
	cases := []struct {
		input        string
		want         GrantType
		wantPriority int
	}{
		{input: "free", want: GrantTypeFree, wantPriority: 20},
		{input: " Referral ", want: GrantTypeReferral, wantPriority: 40},
		{input: "admin", want: GrantTypeAdmin, wantPriority: 60},
		{input: "PURCHASE", want: GrantTypePurchase, wantPriority: 80},
	}
	for _, tc := range cases {
		got, err := ParseGrantType(tc.input)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.input, err)
		}
		if got != tc.want || got.Priority() != tc.wantPriority {
			t.Fatalf("expected %s/%d, got %s/%d", tc.want, tc.wantPriority, got, got.Priority())
		}
	}
	if _, err := ParseGrantType("bonus"); !errors.Is(err, ErrInvalidGrantType) {
		t.Fatalf("expected ErrInvalidGrantType, got %v", err)
	}
}

func TestGrantActiveAt(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)
	expiresAt := now.Add(time.Minute)
	grant := Grant{ExpiresAt: &expiresAt}
	if !grant.ActiveAt(now) {
		t.Fatalf("expected grant active before expiry")
	}
	if grant.ActiveAt(expiresAt) {
		t.Fatalf("expected grant inactive at expiry")
	}
	if !(Grant{}).ActiveAt(now.AddDate(100, 0, 0)) {
		t.Fatalf("expected never-expiring grant to stay active")
	}
}
