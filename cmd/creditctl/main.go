package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/app"
	"github.com/MarkoPoloResearchLab/creditledger/internal/ids"
	"github.com/MarkoPoloResearchLab/creditledger/internal/plancatalog"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagConfig             = "config"
	flagDatabaseURL        = "database-url"
	flagDefaultFreeCredits = "default-free-credits"
	flagVerbose            = "verbose"
	flagType               = "type"
	flagDescription        = "description"
	flagExpiresIn          = "expires-in"
	flagOperationID        = "operation-id"
	flagReason             = "reason"
	flagPlan               = "plan"
	flagCustomer           = "customer"
	flagAutoTopup          = "auto-topup"
	flagThreshold          = "threshold"
	flagTopupAmount        = "topup-amount"
	flagLimit              = "limit"
	configKeyPlans         = "plans"
	envPrefix              = "CREDITLEDGER"
	defaultDatabaseURL     = "sqlite:///tmp/creditledger.db"
)

type cliContext struct {
	viper   *viper.Viper
	backend *app.Backend
	now     func() time.Time
}

func main() {
	if err := newRootCommand(nil).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditctl: %v\n", err)
		os.Exit(1)
	}
}

// newRootCommand builds the CLI; now overrides the clock when non-nil.
func newRootCommand(now func() time.Time) *cobra.Command {
	cli := &cliContext{viper: viper.New(), now: now}
	cmd := &cobra.Command{
		Use:           "creditctl",
		Short:         "Operate the credit ledger database directly",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cli.open(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			cli.backend.Close()
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagConfig, "", "optional YAML config file carrying the plan catalog")
	flags.String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL URL or SQLite path")
	flags.Int64(flagDefaultFreeCredits, 500, "monthly free grant when no expired one exists")
	flags.Bool(flagVerbose, false, "log ledger operations to stderr")

	cmd.AddCommand(
		newMigrateCommand(cli),
		newBalanceCommand(cli),
		newGrantCommand(cli),
		newConsumeCommand(cli),
		newRevokeCommand(cli),
		newResetCommand(cli),
		newAccountCommand(cli),
		newReferralCommand(cli),
		newSyncFailuresCommand(cli),
	)
	return cmd
}

func (cli *cliContext) open(cmd *cobra.Command) error {
	v := cli.viper
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range []string{flagConfig, flagDatabaseURL, flagDefaultFreeCredits, flagVerbose} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	if configFile := strings.TrimSpace(v.GetString(flagConfig)); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	catalog, err := plancatalog.FromViper(v, configKeyPlans)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if v.GetBool(flagVerbose) {
		if logger, err = zap.NewDevelopment(); err != nil {
			return fmt.Errorf("logger init: %w", err)
		}
	}
	backend, err := app.Open(cmd.Context(), app.BackendConfig{
		DatabaseURL:        strings.TrimSpace(v.GetString(flagDatabaseURL)),
		StoreKind:          app.StoreGorm,
		DefaultFreeCredits: v.GetInt64(flagDefaultFreeCredits),
		Plans:              catalog,
		Now:                cli.now,
	}, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	cli.backend = backend
	return nil
}

func newMigrateCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening the backend already migrated the schema.
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return err
		},
	}
}

func newBalanceCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show usage and balance for the current cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			service := cli.backend.Service
			cycleStart := ledger.CycleStart(service.Now())
			account, err := cli.backend.Store.GetAccount(ctx, userID)
			if err == nil {
				cycleStart = ledger.AccountCycleStart(account, service.Now())
			} else if !errors.Is(err, ledger.ErrAccountNotFound) {
				return err
			}
			usage, err := service.CalculateUsageAndBalance(ctx, userID, cycleStart)
			if err != nil {
				return err
			}
			grants, err := service.ActiveGrants(ctx, userID, service.Now())
			if err != nil {
				return err
			}
			type grantView struct {
				OperationID string     `json:"operation_id"`
				Type        string     `json:"type"`
				Principal   int64      `json:"principal"`
				Balance     int64      `json:"balance"`
				ExpiresAt   *time.Time `json:"expires_at,omitempty"`
				Description string     `json:"description,omitempty"`
			}
			views := make([]grantView, 0, len(grants))
			for _, grant := range grants {
				views = append(views, grantView{
					OperationID: grant.OperationID.String(),
					Type:        grant.Type.String(),
					Principal:   grant.Principal,
					Balance:     grant.Balance,
					ExpiresAt:   grant.ExpiresAt,
					Description: grant.Description,
				})
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"user_id":          userID.String(),
				"cycle_start":      cycleStart,
				"usage_this_cycle": usage.UsageThisCycle,
				"total_remaining":  usage.Balance.TotalRemaining,
				"total_debt":       usage.Balance.TotalDebt,
				"net_balance":      usage.Balance.NetBalance,
				"grants":           views,
			})
		},
	}
}

func newGrantCommand(cli *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant <user-id> <amount>",
		Short: "Issue a credit grant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			rawType, _ := cmd.Flags().GetString(flagType)
			grantType, err := ledger.ParseGrantType(rawType)
			if err != nil {
				return err
			}
			rawOperationID, _ := cmd.Flags().GetString(flagOperationID)
			if strings.TrimSpace(rawOperationID) == "" {
				rawOperationID = ids.NewAdminOperationID()
			}
			operationID, err := ledger.NewOperationID(rawOperationID)
			if err != nil {
				return err
			}
			description, _ := cmd.Flags().GetString(flagDescription)
			expiresIn, _ := cmd.Flags().GetDuration(flagExpiresIn)
			var expiresAt *time.Time
			if expiresIn > 0 {
				expiry := cli.backend.Service.Now().Add(expiresIn)
				expiresAt = &expiry
			}
			err = cli.backend.Service.ProcessAndGrantCredit(cmd.Context(), ledger.GrantRequest{
				UserID:      userID,
				OperationID: operationID,
				Type:        grantType,
				Amount:      amount,
				Description: description,
				ExpiresAt:   expiresAt,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "granted %d %s credits to %s (operation %s)\n", amount, grantType, userID, operationID)
			return err
		},
	}
	cmd.Flags().String(flagType, ledger.GrantTypeAdmin.String(), "grant type (free, referral, admin, purchase)")
	cmd.Flags().String(flagDescription, "", "grant description")
	cmd.Flags().Duration(flagExpiresIn, 0, "expire the grant after this duration; zero never expires")
	cmd.Flags().String(flagOperationID, "", "idempotency key; generated when empty")
	return cmd
}

func newConsumeCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "consume <user-id> <amount>",
		Short: "Consume credits",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			result, err := cli.backend.Service.ConsumeCredits(cmd.Context(), userID, amount)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "consumed %d credits (%d purchased)\n", result.Consumed, result.FromPurchased)
			return err
		},
	}
}

func newRevokeCommand(cli *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <operation-id>",
		Short: "Revoke a grant by operation id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operationID, err := ledger.NewOperationID(args[0])
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString(flagReason)
			if strings.TrimSpace(reason) == "" {
				return fmt.Errorf("%s is required", flagReason)
			}
			if err := cli.backend.Service.RevokeGrant(cmd.Context(), operationID, reason); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", operationID)
			return err
		},
	}
	cmd.Flags().String(flagReason, "", "revocation reason (required)")
	return cmd
}

func newResetCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <user-id>",
		Short: "Run the monthly quota reset for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			nextReset, err := cli.backend.Service.TriggerMonthlyResetAndGrant(cmd.Context(), userID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "next quota reset %s\n", nextReset.UTC().Format(time.RFC3339))
			return err
		},
	}
}

func newAccountCommand(cli *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account <user-id>",
		Short: "Create or update a billing account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			account, err := cli.backend.Store.GetAccount(ctx, userID)
			if errors.Is(err, ledger.ErrAccountNotFound) {
				account = ledger.Account{UserID: userID}
			} else if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed(flagPlan) {
				account.PlanID, _ = flags.GetString(flagPlan)
			}
			if flags.Changed(flagCustomer) {
				account.StripeCustomerID, _ = flags.GetString(flagCustomer)
			}
			if flags.Changed(flagAutoTopup) {
				account.AutoTopup.Enabled, _ = flags.GetBool(flagAutoTopup)
				if account.AutoTopup.Enabled {
					account.AutoTopup.BlockedReason = ""
				}
			}
			if flags.Changed(flagThreshold) {
				account.AutoTopup.Threshold, _ = flags.GetInt64(flagThreshold)
			}
			if flags.Changed(flagTopupAmount) {
				account.AutoTopup.Amount, _ = flags.GetInt64(flagTopupAmount)
			}
			if err := cli.backend.Gorm.SaveAccount(ctx, account); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"user_id":            userID.String(),
				"plan_id":            account.PlanID,
				"stripe_customer_id": account.StripeCustomerID,
				"auto_topup":         account.AutoTopup.Enabled,
				"threshold":          account.AutoTopup.Threshold,
				"topup_amount":       account.AutoTopup.Amount,
			})
		},
	}
	cmd.Flags().String(flagPlan, "", "billing plan id")
	cmd.Flags().String(flagCustomer, "", "Stripe customer id")
	cmd.Flags().Bool(flagAutoTopup, false, "enable auto top-up")
	cmd.Flags().Int64(flagThreshold, 0, "auto top-up balance threshold")
	cmd.Flags().Int64(flagTopupAmount, 0, "auto top-up purchase size in credits")
	return cmd
}

func newReferralCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "referral <referrer-id> <referred-id> <credits>",
		Short: "Record a referral bonus counted in every monthly reset",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			referrerID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			referredID, err := ledger.NewUserID(args[1])
			if err != nil {
				return err
			}
			credits, err := parseAmount(args[2])
			if err != nil {
				return err
			}
			if err := cli.backend.Gorm.AddReferral(cmd.Context(), referrerID, referredID, credits); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "recorded referral %s -> %s (%d credits)\n", referrerID, referredID, credits)
			return err
		},
	}
}

func newSyncFailuresCommand(cli *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync-failures",
		Short: "List grants that could not be recorded after payment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt(flagLimit)
			failures, err := cli.backend.Gorm.SyncFailures(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(failures) == 0 {
				_, err = fmt.Fprintln(out, "no sync failures")
				return err
			}
			for _, failure := range failures {
				if _, err := fmt.Fprintf(out, "%s\t%s\tretries=%d\t%s\t%s\n",
					failure.ID, failure.Provider, failure.RetryCount,
					failure.LastAttemptAt.UTC().Format(time.RFC3339), failure.LastError); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Int(flagLimit, 50, "maximum rows to list")
	return cmd
}

func parseAmount(raw string) (int64, error) {
	amount, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || amount <= 0 {
		return 0, fmt.Errorf("%w: %q", ledger.ErrInvalidAmount, raw)
	}
	return amount, nil
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
