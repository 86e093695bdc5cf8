package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nper79/clothing-sub001/pkg/ledger"
)

func TestGetOrCreateAccountKeepsExistingBalance(test *testing.T) {
	test.Parallel()
	store := New()
	userID := mustUserID(test, "user-1")

	created, err := store.GetOrCreateAccount(context.Background(), userID, 5, 10)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if created.Balance != 5 || created.UpdatedUnixUTC != 10 {
		test.Fatalf("unexpected account: %+v", created)
	}
	if _, err := store.AddBalance(context.Background(), userID, 3, 11); err != nil {
		test.Fatalf("add: %v", err)
	}
	loaded, err := store.GetOrCreateAccount(context.Background(), userID, 5, 12)
	if err != nil {
		test.Fatalf("reload: %v", err)
	}
	if loaded.Balance != 8 {
		test.Fatalf("expected balance 8, got %d", loaded.Balance)
	}
}

func TestDeductBalanceRejectsOverdraft(test *testing.T) {
	test.Parallel()
	store := New()
	userID := mustUserID(test, "user-2")
	if _, err := store.GetOrCreateAccount(context.Background(), userID, 4, 1); err != nil {
		test.Fatalf("create: %v", err)
	}

	_, err := store.DeductBalance(context.Background(), userID, 5, 2)
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if errors.Is(err, ledger.ErrStoreUnavailable) {
		test.Fatalf("business rejection must not look like a store failure: %v", err)
	}
	account, err := store.DeductBalance(context.Background(), userID, 4, 3)
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	if account.Balance != 0 {
		test.Fatalf("expected balance 0, got %d", account.Balance)
	}
}

func TestMutationsRequireAccount(test *testing.T) {
	test.Parallel()
	store := New()
	userID := mustUserID(test, "missing")
	if _, err := store.AddBalance(context.Background(), userID, 1, 1); !errors.Is(err, ledger.ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount from add, got %v", err)
	}
	if _, err := store.DeductBalance(context.Background(), userID, 1, 1); !errors.Is(err, ledger.ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount from deduct, got %v", err)
	}
}

func TestAddBalanceOnceRejectsReplay(test *testing.T) {
	test.Parallel()
	store := New()
	userID := mustUserID(test, "user-3")
	if _, err := store.GetOrCreateAccount(context.Background(), userID, 0, 1); err != nil {
		test.Fatalf("create: %v", err)
	}
	key, err := ledger.NewIdempotencyKey("purchase-1")
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	transaction := ledger.Transaction{
		TransactionID:  "tx-1",
		UserID:         userID,
		Delta:          15,
		Reason:         ledger.ReasonPackPurchase,
		IdempotencyKey: key,
		CreatedUnixUTC: 2,
	}
	account, err := store.AddBalanceOnce(context.Background(), transaction)
	if err != nil {
		test.Fatalf("first add: %v", err)
	}
	if account.Balance != 15 {
		test.Fatalf("expected balance 15, got %d", account.Balance)
	}
	transaction.TransactionID = "tx-2"
	if _, err := store.AddBalanceOnce(context.Background(), transaction); !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	reloaded, err := store.GetOrCreateAccount(context.Background(), userID, 0, 3)
	if err != nil {
		test.Fatalf("reload: %v", err)
	}
	if reloaded.Balance != 15 {
		test.Fatalf("replay changed balance to %d", reloaded.Balance)
	}
	transactions, err := store.ListTransactions(context.Background(), userID, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(transactions) != 1 {
		test.Fatalf("expected one transaction, got %d", len(transactions))
	}
}

func TestAddBalanceRejectsOverflow(test *testing.T) {
	test.Parallel()
	store := New()
	userID := mustUserID(test, "user-6")
	if _, err := store.GetOrCreateAccount(context.Background(), userID, 5, 1); err != nil {
		test.Fatalf("create: %v", err)
	}

	_, err := store.AddBalance(context.Background(), userID, ledger.MaxCredits, 2)
	if !errors.Is(err, ledger.ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if errors.Is(err, ledger.ErrStoreUnavailable) {
		test.Fatalf("overflow must not look like a store failure: %v", err)
	}
	key, err := ledger.NewIdempotencyKey("huge-purchase")
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	transaction := ledger.Transaction{
		TransactionID:  "tx-huge",
		UserID:         userID,
		Delta:          ledger.MaxCredits.Int64(),
		Reason:         ledger.ReasonPackPurchase,
		IdempotencyKey: key,
		CreatedUnixUTC: 3,
	}
	if _, err := store.AddBalanceOnce(context.Background(), transaction); !errors.Is(err, ledger.ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount from keyed add, got %v", err)
	}
	transaction.Delta = 1
	account, err := store.AddBalanceOnce(context.Background(), transaction)
	if err != nil {
		test.Fatalf("a rejected key must stay usable: %v", err)
	}
	if account.Balance != 6 {
		test.Fatalf("expected balance 6, got %d", account.Balance)
	}
}

func TestServiceKeepsBalanceOnOverflowingGrant(test *testing.T) {
	test.Parallel()
	service, err := ledger.NewService(New(), func() int64 { return 1_700_000_000 })
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	userID := mustUserID(test, "user-7")

	if _, err := service.AddCredits(context.Background(), userID, ledger.MaxCredits, ledger.ReasonGrant, nil); !errors.Is(err, ledger.ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	balance, err := service.GetBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 5 {
		test.Fatalf("expected balance 5, got %d", balance)
	}
}

func TestListTransactionsNewestFirstWithLimit(test *testing.T) {
	test.Parallel()
	store := New()
	userID := mustUserID(test, "user-4")
	for index := int64(1); index <= 3; index++ {
		err := store.InsertTransaction(context.Background(), ledger.Transaction{
			TransactionID:  "tx",
			UserID:         userID,
			Delta:          -index,
			Reason:         ledger.ReasonRemix,
			Metadata:       ledger.Metadata{"index": index},
			CreatedUnixUTC: index,
		})
		if err != nil {
			test.Fatalf("insert %d: %v", index, err)
		}
	}

	listed, err := store.ListTransactions(context.Background(), userID, 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		test.Fatalf("expected 2 transactions, got %d", len(listed))
	}
	if listed[0].CreatedUnixUTC != 3 || listed[1].CreatedUnixUTC != 2 {
		test.Fatalf("unexpected order: %+v", listed)
	}
	listed[0].Metadata["index"] = "mutated"
	again, err := store.ListTransactions(context.Background(), userID, 1)
	if err != nil {
		test.Fatalf("list again: %v", err)
	}
	if again[0].Metadata["index"] != int64(3) {
		test.Fatalf("stored metadata was aliased: %+v", again[0].Metadata)
	}
}

func TestConcurrentDeductionsNeverOverdraw(test *testing.T) {
	test.Parallel()
	store := New()
	userID := mustUserID(test, "user-5")
	if _, err := store.GetOrCreateAccount(context.Background(), userID, 10, 1); err != nil {
		test.Fatalf("create: %v", err)
	}

	var (
		waitGroup sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for index := 0; index < 25; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if _, err := store.DeductBalance(context.Background(), userID, 1, 2); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	waitGroup.Wait()

	if succeeded != 10 {
		test.Fatalf("expected 10 successful deductions, got %d", succeeded)
	}
	account, err := store.GetOrCreateAccount(context.Background(), userID, 10, 3)
	if err != nil {
		test.Fatalf("reload: %v", err)
	}
	if account.Balance != 0 {
		test.Fatalf("expected balance 0, got %d", account.Balance)
	}
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}
