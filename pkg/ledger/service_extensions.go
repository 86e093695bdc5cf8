package ledger

import (
	"context"
	"fmt"
)

// AddCreditsOnce behaves like AddCredits but applies at most once per idempotency key.
// A replayed key returns the current balance without changing it.
func (service *Service) AddCreditsOnce(ctx context.Context, userID UserID, amount Credits, reason Reason, metadata Metadata, idempotencyKey IdempotencyKey) (Credits, error) {
	if idempotencyKey.IsZero() {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return service.apply(ctx, balanceChange{
		operation:      operationAdd,
		userID:         userID,
		amount:         amount,
		reason:         reason,
		metadata:       metadata,
		idempotencyKey: idempotencyKey,
	})
}

// ChargeForPersonalizedLooks deducts the per-look cost for at least one look.
func (service *Service) ChargeForPersonalizedLooks(ctx context.Context, userID UserID, lookCount int) (Credits, error) {
	if lookCount < 1 {
		lookCount = 1
	}
	cost, err := service.pricing.PersonalizedLooksCost(lookCount)
	if err != nil {
		return 0, err
	}
	return service.DeductCredits(ctx, userID, cost, ReasonPersonalizedLooks, Metadata{metadataKeyLookCount: lookCount})
}

// ChargeForRemix deducts the fixed remix cost.
func (service *Service) ChargeForRemix(ctx context.Context, userID UserID) (Credits, error) {
	return service.DeductCredits(ctx, userID, service.pricing.RemixCost, ReasonRemix, nil)
}

// PurchaseCreditPack credits the user with the pack's credits.
func (service *Service) PurchaseCreditPack(ctx context.Context, userID UserID, packID string) (Purchase, error) {
	return service.purchase(ctx, userID, packID, IdempotencyKey{})
}

// PurchaseCreditPackOnce is PurchaseCreditPack keyed by idempotencyKey.
func (service *Service) PurchaseCreditPackOnce(ctx context.Context, userID UserID, packID string, idempotencyKey IdempotencyKey) (Purchase, error) {
	if idempotencyKey.IsZero() {
		return Purchase{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return service.purchase(ctx, userID, packID, idempotencyKey)
}

func (service *Service) purchase(ctx context.Context, userID UserID, packID string, idempotencyKey IdempotencyKey) (Purchase, error) {
	pack, err := service.catalog.Lookup(packID)
	if err != nil {
		return Purchase{}, err
	}
	balance, err := service.apply(ctx, balanceChange{
		operation:      operationAdd,
		userID:         userID,
		amount:         pack.Credits,
		reason:         ReasonPackPurchase,
		metadata:       Metadata{metadataKeyPackID: pack.ID},
		idempotencyKey: idempotencyKey,
	})
	if err != nil {
		return Purchase{}, err
	}
	return Purchase{Balance: balance, Pack: pack}, nil
}

// CreditPacks returns the static catalog.
func (service *Service) CreditPacks() []CreditPack {
	return service.catalog.Packs()
}

// Pricing returns the configured starting balance and costs.
func (service *Service) Pricing() Pricing {
	return service.pricing
}

// ListTransactions lists the newest transactions of a user.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	limit = clampListLimit(limit)
	var transactions []Transaction
	_, err := service.runOnStore(ctx, operationListTransactions, userID, func(ctx context.Context, store Store) error {
		listed, err := store.ListTransactions(ctx, userID, limit)
		if err != nil {
			return err
		}
		transactions = listed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

func clampListLimit(limit int) int {
	if limit <= 0 {
		return defaultListTransactionsLimit
	}
	if limit > maxListTransactionsLimit {
		return maxListTransactionsLimit
	}
	return limit
}
