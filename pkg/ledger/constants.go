package ledger

const (
	OperationConsume      = "consume"
	OperationIssueGrant   = "issue_grant"
	OperationProcessGrant = "process_grant"
	OperationRevokeGrant  = "revoke_grant"
	OperationMonthlyReset = "monthly_reset"

	OperationStatusOK       = "ok"
	OperationStatusError    = "error"
	OperationStatusReplayed = "replayed"

	// DefaultFreeCreditsGrant seeds the monthly free grant when no expired one exists.
	DefaultFreeCreditsGrant int64 = 500
	// MaxCarriedFreeCredits caps the free grant carried over from the previous cycle.
	MaxCarriedFreeCredits int64 = 2000

	syncFailureProviderInternal = "internal"
	processGrantMaxRetries      = 3

	errorOperationService = "ledger"
	errorSubjectGrant     = "grant"
	errorSubjectAccount   = "account"
	errorSubjectAmount    = "amount"
	errorCodeInvalid      = "invalid"
	errorCodeNegative     = "negative_balance"
	errorCodeNoGrants     = "no_active_grants"
	errorCodeNotFound     = "not_found"

	debtClearedNoteFormat = " (%d credits used to clear existing debt)"
	revokedNoteFormat     = " (Revoked: %s)"
	monthlyResetIDFormat    = "free-%s-%d"
	monthlyReferralIDFormat = "referral-%s-%d"
	monthlyGrantNote        = "Monthly free credits"
	monthlyReferralNote     = "Monthly referral bonus"
)
