package ledger

import (
	"context"

	"go.uber.org/zap"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	UserID         UserID
	Amount         Credits
	Reason         Reason
	IdempotencyKey IdempotencyKey
	Balance        Credits
	Fallback       bool
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.operationLogger = logger
	}
}

// WithLogger sets the zap logger used for fallback and audit warnings.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// ZapOperationLogger writes operation logs through zap.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.Int64("balance", entry.Balance.Int64()),
		zap.String("status", entry.Status),
		zap.Bool("fallback", entry.Fallback),
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason.String()))
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	switch entry.Status {
	case operationStatusError:
		operationLogger.logger.Error("credit operation failed", append(fields, zap.Error(entry.Error))...)
	case operationStatusRejected:
		operationLogger.logger.Info("credit operation rejected", append(fields, zap.Error(entry.Error))...)
	default:
		operationLogger.logger.Info("credit operation", fields...)
	}
}
