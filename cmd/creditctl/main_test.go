package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cliNow = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func execute(t *testing.T, databaseURL string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(func() time.Time { return cliNow })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--" + flagDatabaseURL, databaseURL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustExecute(t *testing.T, databaseURL string, args ...string) string {
	t.Helper()
	out, err := execute(t, databaseURL, args...)
	require.NoError(t, err, out)
	return out
}

func netBalance(t *testing.T, databaseURL string, userID string) float64 {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(mustExecute(t, databaseURL, "balance", userID)), &payload))
	return payload["net_balance"].(float64)
}

func TestOperatorWorkflow(t *testing.T) {
	databaseURL := "sqlite://" + filepath.Join(t.TempDir(), "ledger.db")

	assert.Equal(t, "schema up to date\n", mustExecute(t, databaseURL, "migrate"))
	assert.Contains(t, mustExecute(t, databaseURL, "account", "user-1", "--plan", "pro", "--customer", "cus_1"), `"plan_id": "pro"`)

	assert.Equal(t, "granted 100 purchase credits to user-1 (operation pi_1)\n",
		mustExecute(t, databaseURL, "grant", "user-1", "100", "--type", "purchase", "--operation-id", "pi_1"))
	assert.Equal(t, "consumed 30 credits (30 purchased)\n", mustExecute(t, databaseURL, "consume", "user-1", "30"))
	assert.Equal(t, float64(70), netBalance(t, databaseURL, "user-1"))

	assert.Equal(t, "revoked pi_1\n", mustExecute(t, databaseURL, "revoke", "pi_1", "--reason", "chargeback"))
	assert.Equal(t, float64(0), netBalance(t, databaseURL, "user-1"))

	assert.Equal(t, "next quota reset 2025-04-10T09:00:00Z\n", mustExecute(t, databaseURL, "reset", "user-1"))
	assert.Equal(t, float64(500), netBalance(t, databaseURL, "user-1"))

	assert.Contains(t, mustExecute(t, databaseURL, "referral", "user-1", "user-2", "50"), "recorded referral user-1 -> user-2")
	assert.Equal(t, "no sync failures\n", mustExecute(t, databaseURL, "sync-failures"))
}

func TestGrantGeneratesAdminOperationID(t *testing.T) {
	databaseURL := "sqlite://" + filepath.Join(t.TempDir(), "ledger.db")
	out := mustExecute(t, databaseURL, "grant", "user-1", "25", "--expires-in", "48h")
	assert.Contains(t, out, "(operation admin-")
	assert.Equal(t, float64(25), netBalance(t, databaseURL, "user-1"))
}

func TestCommandValidation(t *testing.T) {
	databaseURL := "sqlite://" + filepath.Join(t.TempDir(), "ledger.db")

	_, err := execute(t, databaseURL, "grant", "user-1", "--", "-5")
	assert.True(t, errors.Is(err, ledger.ErrInvalidAmount))

	_, err = execute(t, databaseURL, "consume", "user-1", "0")
	assert.True(t, errors.Is(err, ledger.ErrInvalidAmount))

	_, err = execute(t, databaseURL, "grant", "user-1", "5", "--type", "gift")
	assert.True(t, errors.Is(err, ledger.ErrValidation))

	_, err = execute(t, databaseURL, "revoke", "pi_1")
	assert.ErrorContains(t, err, "reason is required")

	_, err = execute(t, databaseURL, "consume", "user-1", "5")
	assert.True(t, errors.Is(err, ledger.ErrNoActiveGrants))

	_, err = execute(t, databaseURL, "reset", "nobody")
	assert.True(t, errors.Is(err, ledger.ErrAccountNotFound))
}
