// Package observability turns ledger operation records into structured logs and metrics.
package observability

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"go.uber.org/zap"
)

// ZapOperationLogger writes ledger.OperationLog entries through zap.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger returns a logger; a nil zap logger discards everything.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount),
		zap.Int("attempts", entry.Attempts),
	}
	if operationID := entry.OperationID.String(); operationID != "" {
		fields = append(fields, zap.String("operation_id", operationID))
	}
	if entry.GrantType != "" {
		fields = append(fields, zap.String("grant_type", entry.GrantType.String()))
	}
	if entry.FromPurchased > 0 {
		fields = append(fields, zap.Int64("from_purchased", entry.FromPurchased))
	}
	if entry.DebtCreated > 0 {
		fields = append(fields, zap.Int64("debt_created", entry.DebtCreated))
	}
	if entry.DebtCleared > 0 {
		fields = append(fields, zap.Int64("debt_cleared", entry.DebtCleared))
	}
	if entry.Error != nil {
		operationLogger.logger.Error("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
