package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const lockKeyPrefix = "credits:"

// Service contains the domain logic over a primary Store and an optional fallback Store.
type Service struct {
	store           Store
	fallback        Store
	nowFn           func() int64
	pricing         Pricing
	catalog         Catalog
	locker          Locker
	publisher       TransactionPublisher
	operationLogger OperationLogger
	logger          *zap.Logger
	newID           func() string
}

// WithFallbackStore sets the store used when the primary store reports ErrStoreUnavailable.
func WithFallbackStore(fallback Store) ServiceOption {
	return func(service *Service) {
		service.fallback = fallback
	}
}

// WithPricing overrides the default starting balance and feature costs.
func WithPricing(pricing Pricing) ServiceOption {
	return func(service *Service) {
		service.pricing = pricing
	}
}

// WithCatalog overrides the default credit pack catalog.
func WithCatalog(catalog Catalog) ServiceOption {
	return func(service *Service) {
		service.catalog = catalog
	}
}

// WithLocker serializes mutations per user.
func WithLocker(locker Locker) ServiceOption {
	return func(service *Service) {
		service.locker = locker
	}
}

// WithTransactionPublisher forwards every recorded transaction to publisher.
func WithTransactionPublisher(publisher TransactionPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:   store,
		nowFn:   now,
		pricing: DefaultPricing(),
		catalog: DefaultCatalog(),
		logger:  zap.NewNop(),
		newID:   uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if err := service.pricing.Validate(); err != nil {
		return nil, err
	}
	if service.catalog.IsZero() {
		return nil, fmt.Errorf("%w: catalog is empty", ErrInvalidServiceConfig)
	}
	return service, nil
}

// GetBalance returns the current balance, creating the account with the starting balance
// on first use.
func (service *Service) GetBalance(ctx context.Context, userID UserID) (Credits, error) {
	if userID.IsZero() {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	var account Account
	_, err := service.runOnStore(ctx, operationBalance, userID, func(ctx context.Context, store Store) error {
		loaded, err := store.GetOrCreateAccount(ctx, userID, service.pricing.StartingBalance, service.nowFn())
		if err != nil {
			return err
		}
		account = loaded
		return nil
	})
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// AddCredits increments the balance by amount and appends a +amount transaction.
func (service *Service) AddCredits(ctx context.Context, userID UserID, amount Credits, reason Reason, metadata Metadata) (Credits, error) {
	return service.apply(ctx, balanceChange{
		operation: operationAdd,
		userID:    userID,
		amount:    amount,
		reason:    reason,
		metadata:  metadata,
	})
}

// DeductCredits decrements the balance by amount when it covers the amount and appends a
// -amount transaction. Otherwise it returns ErrInsufficientCredits and records nothing.
func (service *Service) DeductCredits(ctx context.Context, userID UserID, amount Credits, reason Reason, metadata Metadata) (Credits, error) {
	return service.apply(ctx, balanceChange{
		operation: operationDeduct,
		userID:    userID,
		amount:    amount,
		reason:    reason,
		metadata:  metadata,
		debit:     true,
	})
}

type balanceChange struct {
	operation      string
	userID         UserID
	amount         Credits
	reason         Reason
	metadata       Metadata
	idempotencyKey IdempotencyKey
	debit          bool
}

func (change balanceChange) validate() error {
	if change.userID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if change.amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if change.reason == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	if _, err := change.metadata.JSON(); err != nil {
		return err
	}
	return nil
}

func (change balanceChange) delta() int64 {
	if change.debit {
		return -change.amount.Int64()
	}
	return change.amount.Int64()
}

func (service *Service) apply(ctx context.Context, change balanceChange) (Credits, error) {
	var (
		account  Account
		fellBack bool
	)
	operationError := change.validate()
	if operationError == nil {
		operationError = service.withUserLock(ctx, change.userID, func() error {
			transaction := Transaction{
				TransactionID:  service.newID(),
				UserID:         change.userID,
				Delta:          change.delta(),
				Reason:         change.reason,
				Metadata:       change.metadata.Clone(),
				IdempotencyKey: change.idempotencyKey,
				CreatedUnixUTC: service.nowFn(),
			}
			var replayed bool
			serving, err := service.runOnStore(ctx, change.operation, change.userID, func(ctx context.Context, store Store) error {
				replayed = false
				if _, err := store.GetOrCreateAccount(ctx, change.userID, service.pricing.StartingBalance, transaction.CreatedUnixUTC); err != nil {
					return err
				}
				var (
					updated Account
					err     error
				)
				switch {
				case change.debit:
					updated, err = store.DeductBalance(ctx, change.userID, change.amount, transaction.CreatedUnixUTC)
				case change.idempotencyKey.IsZero():
					updated, err = store.AddBalance(ctx, change.userID, change.amount, transaction.CreatedUnixUTC)
				default:
					updated, err = store.AddBalanceOnce(ctx, transaction)
					if errors.Is(err, ErrDuplicateIdempotencyKey) {
						replayed = true
						updated, err = store.GetOrCreateAccount(ctx, change.userID, service.pricing.StartingBalance, transaction.CreatedUnixUTC)
						if err != nil {
							return pinnedError{err: err}
						}
					}
				}
				if err != nil {
					return err
				}
				account = updated
				return nil
			})
			fellBack = serving.fallback
			if err != nil {
				return err
			}
			switch {
			case replayed:
				// the original call already recorded and published it
			case change.idempotencyKey.IsZero():
				service.recordTransaction(serving.ctx, serving.store, transaction)
			default:
				service.publishTransaction(serving.ctx, transaction)
			}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:      change.operation,
		UserID:         change.userID,
		Amount:         change.amount,
		Reason:         change.reason,
		IdempotencyKey: change.idempotencyKey,
		Balance:        account.Balance,
		Fallback:       fellBack,
		Error:          operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return account.Balance, nil
}

// storeRun reports which store served an operation and the context it ran under.
type storeRun struct {
	ctx      context.Context
	store    Store
	fallback bool
}

// pinnedError marks a failure raised after the primary store already accepted the change.
// Such steps are never repeated on the fallback store.
type pinnedError struct {
	err error
}

func (pinned pinnedError) Error() string {
	return pinned.err.Error()
}

func (pinned pinnedError) Unwrap() error {
	return pinned.err
}

// runOnStore executes steps against the primary store. When the primary reports
// ErrStoreUnavailable and a fallback is configured, the steps run again on the fallback.
// A primary that ran past the caller's deadline still falls back, on a context that keeps
// the caller's values without its deadline. Cancellation by the caller stops the operation.
func (service *Service) runOnStore(ctx context.Context, operation string, userID UserID, steps func(ctx context.Context, store Store) error) (storeRun, error) {
	err := steps(ctx, service.store)
	if !service.shouldFallback(ctx, err) {
		return storeRun{ctx: ctx, store: service.store}, unpin(err)
	}
	service.logger.Warn("primary credit store failed, serving from fallback store",
		zap.String("operation", operation),
		zap.String("user_id", userID.String()),
		zap.Error(err),
	)
	fallbackCtx := ctx
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		fallbackCtx = context.WithoutCancel(ctx)
	}
	err = steps(fallbackCtx, service.fallback)
	return storeRun{ctx: fallbackCtx, store: service.fallback, fallback: true}, unpin(err)
}

func (service *Service) shouldFallback(ctx context.Context, err error) bool {
	if err == nil || service.fallback == nil {
		return false
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return false
	}
	var pinned pinnedError
	if errors.As(err, &pinned) {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable)
}

func unpin(err error) error {
	var pinned pinnedError
	if errors.As(err, &pinned) {
		return pinned.err
	}
	return err
}

// recordTransaction appends the audit record. The record is advisory: a failure is logged
// and the balance change stands.
func (service *Service) recordTransaction(ctx context.Context, store Store, transaction Transaction) {
	if err := store.InsertTransaction(ctx, transaction); err != nil {
		service.logger.Warn("credit transaction not recorded",
			zap.String("transaction_id", transaction.TransactionID),
			zap.String("user_id", transaction.UserID.String()),
			zap.Int64("delta", transaction.Delta),
			zap.String("reason", transaction.Reason.String()),
			zap.Error(err),
		)
		return
	}
	service.publishTransaction(ctx, transaction)
}

func (service *Service) publishTransaction(ctx context.Context, transaction Transaction) {
	if service.publisher == nil {
		return
	}
	if err := service.publisher.PublishTransaction(ctx, transaction); err != nil {
		service.logger.Warn("credit transaction not published",
			zap.String("transaction_id", transaction.TransactionID),
			zap.String("user_id", transaction.UserID.String()),
			zap.Error(err),
		)
	}
}

func (service *Service) withUserLock(ctx context.Context, userID UserID, fn func() error) error {
	if service.locker == nil {
		return fn()
	}
	unlock, err := service.locker.Lock(ctx, lockKeyPrefix+userID.String())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		service.logger.Warn("credit lock unavailable, continuing without it",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		return fn()
	}
	defer unlock()
	return fn()
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.operationLogger == nil {
		return
	}
	if entry.Status == "" {
		switch {
		case entry.Error == nil:
			entry.Status = operationStatusOK
		case errors.Is(entry.Error, ErrInsufficientCredits), IsInvalidArgument(entry.Error):
			entry.Status = operationStatusRejected
		default:
			entry.Status = operationStatusError
		}
	}
	service.operationLogger.LogOperation(ctx, entry)
}
