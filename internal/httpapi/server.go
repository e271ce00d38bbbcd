// Package httpapi exposes the credit ledger to internal callers over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/autotopup"
	"github.com/MarkoPoloResearchLab/creditledger/internal/ids"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/cockroachdb/errors"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

const (
	pathParamUserID      = "userID"
	pathParamOperationID = "operationID"

	codeInvalidRequest   = "invalid_request"
	codeNotFound         = "not_found"
	codeNoActiveGrants   = "no_active_grants"
	codeNegativeBalance  = "negative_balance"
	codeConflict         = "conflict"
	codePaymentFailed    = "payment_failed"
	codePaymentUnknown   = "payment_outcome_unknown"
	codeTimeout          = "timeout"
	codeInternal         = "internal_error"
	codeQuotaUnavailable = "quota_unavailable"
	codeTopupDisabled    = "auto_topup_unavailable"
)

// LedgerService is the subset of *ledger.Service served over HTTP.
type LedgerService interface {
	CalculateUsageAndBalance(ctx context.Context, userID ledger.UserID, cycleStart time.Time) (ledger.UsageAndBalance, error)
	CheckQuota(ctx context.Context, userID ledger.UserID) (ledger.QuotaStatus, error)
	ConsumeCredits(ctx context.Context, userID ledger.UserID, amount int64) (ledger.ConsumptionResult, error)
	ProcessAndGrantCredit(ctx context.Context, request ledger.GrantRequest) error
	TriggerMonthlyResetAndGrant(ctx context.Context, userID ledger.UserID) (time.Time, error)
	RevokeGrant(ctx context.Context, operationID ledger.OperationID, reason string) error
	Now() time.Time
}

// AccountReader loads billing accounts.
type AccountReader interface {
	GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error)
}

// TopupTrigger runs the auto top-up state machine.
type TopupTrigger interface {
	CheckAndTrigger(ctx context.Context, userID ledger.UserID) (autotopup.Outcome, error)
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler serves handler at /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(server *Server) {
		server.metrics = handler
	}
}

// WithTopupTrigger enables auto top-up routes and post-consumption checks.
func WithTopupTrigger(trigger TopupTrigger) Option {
	return func(server *Server) {
		server.topups = trigger
	}
}

// WithOperationIDGenerator replaces the generator used for grants posted without an id.
func WithOperationIDGenerator(generate func() string) Option {
	return func(server *Server) {
		if generate != nil {
			server.newOperationID = generate
		}
	}
}

// Server routes admin requests to the ledger.
type Server struct {
	cfg            Config
	ledger         LedgerService
	accounts       AccountReader
	topups         TopupTrigger
	metrics        http.Handler
	logger         *zap.Logger
	newOperationID func() string
	background     conc.WaitGroup
}

// NewServer validates configuration and wires handlers.
func NewServer(cfg Config, ledgerService LedgerService, accounts AccountReader, logger *zap.Logger, options ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledgerService == nil || accounts == nil {
		return nil, errors.Mark(errors.New("http server requires ledger and accounts"), ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{
		cfg:            cfg,
		ledger:         ledgerService,
		accounts:       accounts,
		logger:         logger,
		newOperationID: ids.NewOperationID,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	return server, nil
}

// Run serves until ctx is cancelled, then drains requests and background top-ups.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		server.WaitBackground()
		return nil
	case err := <-errCh:
		server.WaitBackground()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// WaitBackground blocks until every background auto top-up run has finished.
func (server *Server) WaitBackground() {
	server.background.Wait()
}

// Handler builds the gin router.
func (server *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: server.cfg.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Origin", "Accept"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if server.metrics != nil {
		router.GET("/metrics", gin.WrapH(server.metrics))
	}

	api := router.Group("/api/v1")
	api.GET("/users/:userID/balance", server.handleBalance)
	api.GET("/users/:userID/quota", server.handleQuota)
	api.POST("/users/:userID/consume", server.handleConsume)
	api.POST("/users/:userID/grants", server.handleGrant)
	api.POST("/users/:userID/monthly-reset", server.handleMonthlyReset)
	api.POST("/users/:userID/auto-topup", server.handleAutoTopup)
	api.DELETE("/grants/:operationID", server.handleRevoke)
	return router
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, ok := server.userID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	cycleStart := ledger.CycleStart(server.ledger.Now())
	account, err := server.accounts.GetAccount(requestCtx, userID)
	switch {
	case err == nil:
		cycleStart = ledger.AccountCycleStart(account, server.ledger.Now())
	case !errors.Is(err, ledger.ErrAccountNotFound):
		server.writeError(ctx, "balance lookup failed", err)
		return
	}
	usage, err := server.ledger.CalculateUsageAndBalance(requestCtx, userID, cycleStart)
	if err != nil {
		server.writeError(ctx, "balance lookup failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":          userID.String(),
		"cycle_start":      cycleStart,
		"usage_this_cycle": usage.UsageThisCycle,
		"balance":          newBalancePayload(usage.Balance),
	})
}

func (server *Server) handleQuota(ctx *gin.Context) {
	userID, ok := server.userID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	status, err := server.ledger.CheckQuota(requestCtx, userID)
	if err != nil {
		server.logger.Error("quota check failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(codeQuotaUnavailable, "quota information is unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"credits_used":        status.CreditsUsed,
		"quota":               status.Quota,
		"cycle_end":           status.CycleEnd,
		"subscription_active": status.SubscriptionActive,
	})
}

func (server *Server) handleConsume(ctx *gin.Context) {
	userID, ok := server.userID(ctx)
	if !ok {
		return
	}
	var request consumeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, "expected JSON body with a positive amount"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	result, err := server.ledger.ConsumeCredits(requestCtx, userID, request.Amount)
	if err != nil {
		server.writeError(ctx, "consume failed", err)
		return
	}
	server.triggerTopupInBackground(ctx.Request.Context(), userID)
	ctx.JSON(http.StatusOK, gin.H{
		"consumed":       result.Consumed,
		"from_purchased": result.FromPurchased,
	})
}

func (server *Server) handleGrant(ctx *gin.Context) {
	userID, ok := server.userID(ctx)
	if !ok {
		return
	}
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, "expected JSON body with amount and type"))
		return
	}
	grantType, err := ledger.ParseGrantType(request.Type)
	if err != nil {
		server.writeError(ctx, "grant rejected", err)
		return
	}
	rawOperationID := strings.TrimSpace(request.OperationID)
	if rawOperationID == "" {
		rawOperationID = server.newOperationID()
	}
	operationID, err := ledger.NewOperationID(rawOperationID)
	if err != nil {
		server.writeError(ctx, "grant rejected", err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	err = server.ledger.ProcessAndGrantCredit(requestCtx, ledger.GrantRequest{
		UserID:      userID,
		OperationID: operationID,
		Type:        grantType,
		Amount:      request.Amount,
		Description: request.Description,
		ExpiresAt:   request.ExpiresAt,
	})
	if err != nil {
		server.writeError(ctx, "grant failed", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"operation_id": operationID.String()})
}

func (server *Server) handleMonthlyReset(ctx *gin.Context) {
	userID, ok := server.userID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	nextReset, err := server.ledger.TriggerMonthlyResetAndGrant(requestCtx, userID)
	if err != nil {
		server.writeError(ctx, "monthly reset failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"next_quota_reset": nextReset})
}

func (server *Server) handleAutoTopup(ctx *gin.Context) {
	userID, ok := server.userID(ctx)
	if !ok {
		return
	}
	if server.topups == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(codeTopupDisabled, "auto top-up is not configured"))
		return
	}
	outcome, err := server.topups.CheckAndTrigger(ctx.Request.Context(), userID)
	if err != nil {
		server.writeError(ctx, "auto top-up failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

func (server *Server) handleRevoke(ctx *gin.Context) {
	operationID, err := ledger.NewOperationID(ctx.Param(pathParamOperationID))
	if err != nil {
		server.writeError(ctx, "revoke rejected", err)
		return
	}
	var request revokeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, "expected JSON body with a reason"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	if err := server.ledger.RevokeGrant(requestCtx, operationID, request.Reason); err != nil {
		server.writeError(ctx, "revoke failed", err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (server *Server) triggerTopupInBackground(parent context.Context, userID ledger.UserID) {
	if server.topups == nil {
		return
	}
	server.background.Go(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), server.cfg.TopupTimeout)
		defer cancel()
		outcome, err := server.topups.CheckAndTrigger(ctx, userID)
		if err != nil {
			server.logger.Warn("background auto top-up failed",
				zap.String("user_id", userID.String()),
				zap.String("outcome", string(outcome)),
				zap.Error(err),
			)
		}
	})
}

func (server *Server) userID(ctx *gin.Context) (ledger.UserID, bool) {
	userID, err := ledger.NewUserID(ctx.Param(pathParamUserID))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, "user id is required"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func (server *Server) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
}

func (server *Server) writeError(ctx *gin.Context, message string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		server.logger.Error(message, zap.Error(err))
	} else {
		server.logger.Info(message, zap.String("code", code), zap.Error(err))
	}
	detail := http.StatusText(status)
	if hints := errors.FlattenHints(err); hints != "" {
		detail = hints
	} else if status < http.StatusInternalServerError {
		detail = err.Error()
	}
	ctx.JSON(status, errorResponse(code, detail))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, ledger.ErrGrantNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, ledger.ErrNoActiveGrants):
		return http.StatusConflict, codeNoActiveGrants
	case errors.Is(err, ledger.ErrRevokeNegativeBalance):
		return http.StatusConflict, codeNegativeBalance
	case errors.Is(err, ledger.ErrSerializationConflict), errors.Is(err, ledger.ErrDuplicateOperationID):
		return http.StatusConflict, codeConflict
	case errors.Is(err, ledger.ErrPayment):
		return http.StatusPaymentRequired, codePaymentFailed
	case errors.Is(err, ledger.ErrPaymentOutcomeUnknown):
		return http.StatusBadGateway, codePaymentUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codeTimeout
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type consumeRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

type grantRequest struct {
	Amount      int64      `json:"amount" binding:"required,gt=0"`
	Type        string     `json:"type" binding:"required"`
	Description string     `json:"description"`
	ExpiresAt   *time.Time `json:"expires_at"`
	OperationID string     `json:"operation_id"`
}

type revokeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type balancePayload struct {
	TotalRemaining int64            `json:"total_remaining"`
	TotalDebt      int64            `json:"total_debt"`
	NetBalance     int64            `json:"net_balance"`
	Breakdown      map[string]int64 `json:"breakdown"`
	Principals     map[string]int64 `json:"principals"`
}

func newBalancePayload(balance ledger.CreditBalance) balancePayload {
	return balancePayload{
		TotalRemaining: balance.TotalRemaining,
		TotalDebt:      balance.TotalDebt,
		NetBalance:     balance.NetBalance,
		Breakdown:      byGrantType(balance.Breakdown),
		Principals:     byGrantType(balance.Principals),
	}
}

func byGrantType(values map[ledger.GrantType]int64) map[string]int64 {
	result := make(map[string]int64, len(values))
	for grantType, value := range values {
		result[grantType.String()] = value
	}
	return result
}
