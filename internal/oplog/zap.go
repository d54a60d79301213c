package oplog

import (
	"context"

	"github.com/changeroom/billingcore/pkg/billing"
	"go.uber.org/zap"
)

// ZapLogger adapts a zap logger to the billing.OperationLogger interface.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps logger for use as an operation logger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

func (adapter *ZapLogger) LogOperation(_ context.Context, entry billing.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID),
		zap.String("request_id", entry.RequestID),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("billing operation failed", fields...)
		return
	}
	adapter.logger.Info("billing operation", fields...)
}
