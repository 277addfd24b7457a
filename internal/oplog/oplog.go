// Package oplog adapts a zap logger to the ledger's operation callback.
package oplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/socialflowhq/creditledger/pkg/ledger"
)

// Logger emits one structured line per state-changing ledger operation.
type Logger struct {
	logger *zap.Logger
}

// New wraps a zap logger. A nil logger yields a no-op recorder.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (recorder *Logger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.UserID.String() != "" {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if !entry.EntryID.IsZero() {
		fields = append(fields, zap.String("entry_id", entry.EntryID.String()))
	}
	if entry.Kind != "" {
		fields = append(fields, zap.String("kind", entry.Kind.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Reference.String() != "" {
		fields = append(fields, zap.String("reference", entry.Reference.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		recorder.logger.Warn("ledger operation failed", fields...)
		return
	}
	recorder.logger.Info("ledger operation", fields...)
}
