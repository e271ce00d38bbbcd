package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/app"
	"github.com/MarkoPoloResearchLab/creditledger/internal/autotopup"
	"github.com/MarkoPoloResearchLab/creditledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditledger/internal/payments/stripeprocessor"
	"github.com/MarkoPoloResearchLab/creditledger/internal/plancatalog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagConfig              = "config"
	flagDatabaseURL         = "database-url"
	flagStore               = "store"
	flagListenAddr          = "listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagRequestTimeout      = "request-timeout"
	flagStripeSecretKey     = "stripe-secret-key"
	flagChargeTimeout       = "charge-timeout"
	flagDefaultFreeCredits  = "default-free-credits"
	flagMinimumTopupCredits = "minimum-topup-credits"
	configKeyPlans          = "plans"
	envPrefix               = "CREDITLEDGER"
	defaultDatabaseURL      = "sqlite:///tmp/creditledger.db"
)

type runtimeConfig struct {
	Backend    app.BackendConfig
	HTTP       httpapi.Config
	StripeKey  string
	AutoTopup  autotopup.Config
	configFile string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger admin HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagConfig, "", "optional YAML config file carrying the plan catalog")
	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL URL or SQLite path")
	cmd.Flags().String(flagStore, app.StoreGorm, "store implementation (gorm or pgx)")
	cmd.Flags().String(flagListenAddr, ":8080", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().Duration(flagRequestTimeout, 10*time.Second, "per-request ledger timeout")
	cmd.Flags().String(flagStripeSecretKey, "", "Stripe secret key; auto top-up is disabled when empty")
	cmd.Flags().Duration(flagChargeTimeout, autotopup.DefaultChargeTimeout, "auto top-up charge timeout")
	cmd.Flags().Int64(flagDefaultFreeCredits, 500, "monthly free grant when no expired one exists")
	cmd.Flags().Int64(flagMinimumTopupCredits, autotopup.DefaultMinimumCredits, "smallest auto top-up purchase")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{flagConfig, flagDatabaseURL, flagStore, flagListenAddr, flagAllowedOrigins, flagRequestTimeout, flagStripeSecretKey, flagChargeTimeout, flagDefaultFreeCredits, flagMinimumTopupCredits} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.configFile = strings.TrimSpace(v.GetString(flagConfig))
	if cfg.configFile != "" {
		v.SetConfigFile(cfg.configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfg.configFile, err)
		}
	}

	catalog, err := plancatalog.FromViper(v, configKeyPlans)
	if err != nil {
		return err
	}

	cfg.Backend = app.BackendConfig{
		DatabaseURL:        strings.TrimSpace(v.GetString(flagDatabaseURL)),
		StoreKind:          strings.TrimSpace(v.GetString(flagStore)),
		DefaultFreeCredits: v.GetInt64(flagDefaultFreeCredits),
		Plans:              catalog,
	}
	if cfg.Backend.DatabaseURL == "" {
		return fmt.Errorf("%s is required", flagDatabaseURL)
	}
	cfg.HTTP = httpapi.Config{
		ListenAddr:     strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins: httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		RequestTimeout: v.GetDuration(flagRequestTimeout),
	}
	cfg.StripeKey = strings.TrimSpace(v.GetString(flagStripeSecretKey))
	cfg.AutoTopup = autotopup.Config{
		MinimumCredits: v.GetInt64(flagMinimumTopupCredits),
		ChargeTimeout:  v.GetDuration(flagChargeTimeout),
	}
	return cfg.HTTP.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	backend, err := app.Open(ctx, cfg.Backend, logger, registry)
	if err != nil {
		return err
	}
	defer backend.Close()

	options := []httpapi.Option{
		httpapi.WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
	}
	if cfg.StripeKey != "" {
		processor, err := stripeprocessor.New(cfg.StripeKey, logger)
		if err != nil {
			return fmt.Errorf("stripe processor init: %w", err)
		}
		controller, err := autotopup.NewController(backend.Store, backend.Service, processor, logger, cfg.AutoTopup,
			autotopup.WithOutcomeRecorder(backend.Metrics))
		if err != nil {
			return fmt.Errorf("auto top-up init: %w", err)
		}
		options = append(options, httpapi.WithTopupTrigger(controller))
	} else {
		logger.Warn("stripe secret key not set; auto top-up disabled")
	}

	server, err := httpapi.NewServer(cfg.HTTP, backend.Service, backend.Store, logger, options...)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}
	logger.Info("credit ledger starting",
		zap.String("store", cfg.Backend.StoreKind),
		zap.Strings("plans", plansOf(cfg.Backend)),
	)
	return server.Run(ctx)
}

func plansOf(cfg app.BackendConfig) []string {
	catalog, ok := cfg.Plans.(*plancatalog.Catalog)
	if !ok {
		return nil
	}
	return catalog.PlanIDs()
}
