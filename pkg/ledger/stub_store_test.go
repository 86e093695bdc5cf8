package ledger

import (
	"context"
	"sync"
	"testing"
)

// stubStore is an in-memory Store with per-method error injection.
type stubStore struct {
	mu           sync.Mutex
	accounts     map[string]Account
	transactions []Transaction
	idempotency  map[string]struct{}
	calls        int
	accountReads int

	// hangUntilDone blocks GetOrCreateAccount until the caller's context ends.
	hangUntilDone bool
	// getAccountFailAfter lets that many account reads succeed before getAccountError applies.
	getAccountFailAfter int

	getAccountError error
	addBalanceError error
	deductError     error
	addOnceError    error
	insertError     error
	listError       error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:    make(map[string]Account),
		idempotency: make(map[string]struct{}),
	}
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, userID UserID, startingBalance Credits, atUnixUTC int64) (Account, error) {
	if store.hangUntilDone {
		<-ctx.Done()
		return Account{}, WrapStoreError("account", "lookup", ctx.Err())
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.calls++
	store.accountReads++
	if store.getAccountError != nil && store.accountReads > store.getAccountFailAfter {
		return Account{}, store.getAccountError
	}
	account, ok := store.accounts[userID.String()]
	if !ok {
		account = Account{UserID: userID, Balance: startingBalance, UpdatedUnixUTC: atUnixUTC}
		store.accounts[userID.String()] = account
	}
	return account, nil
}

func (store *stubStore) AddBalance(_ context.Context, userID UserID, amount Credits, atUnixUTC int64) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.calls++
	if store.addBalanceError != nil {
		return Account{}, store.addBalanceError
	}
	account, ok := store.accounts[userID.String()]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	account.Balance += amount
	account.UpdatedUnixUTC = atUnixUTC
	store.accounts[userID.String()] = account
	return account, nil
}

func (store *stubStore) DeductBalance(_ context.Context, userID UserID, amount Credits, atUnixUTC int64) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.calls++
	if store.deductError != nil {
		return Account{}, store.deductError
	}
	account, ok := store.accounts[userID.String()]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	if account.Balance < amount {
		return Account{}, ErrInsufficientCredits
	}
	account.Balance -= amount
	account.UpdatedUnixUTC = atUnixUTC
	store.accounts[userID.String()] = account
	return account, nil
}

func (store *stubStore) AddBalanceOnce(_ context.Context, transaction Transaction) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.calls++
	if store.addOnceError != nil {
		return Account{}, store.addOnceError
	}
	account, ok := store.accounts[transaction.UserID.String()]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	key := transaction.UserID.String() + "/" + transaction.IdempotencyKey.String()
	if _, seen := store.idempotency[key]; seen {
		return Account{}, ErrDuplicateIdempotencyKey
	}
	store.idempotency[key] = struct{}{}
	account.Balance += Credits(transaction.Delta)
	store.accounts[transaction.UserID.String()] = account
	store.transactions = append(store.transactions, transaction)
	return account, nil
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.calls++
	if store.insertError != nil {
		return store.insertError
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) ListTransactions(_ context.Context, userID UserID, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.calls++
	if store.listError != nil {
		return nil, store.listError
	}
	listed := make([]Transaction, 0, len(store.transactions))
	for index := len(store.transactions) - 1; index >= 0 && len(listed) < limit; index-- {
		if store.transactions[index].UserID == userID {
			listed = append(listed, store.transactions[index])
		}
	}
	return listed, nil
}

func (store *stubStore) balanceOf(test *testing.T, userID UserID) Credits {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[userID.String()]
	if !ok {
		test.Fatalf("no account for %s", userID)
	}
	return account.Balance
}

func (store *stubStore) callCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.calls
}

func (store *stubStore) transactionsOf(userID UserID) []Transaction {
	store.mu.Lock()
	defer store.mu.Unlock()
	var matched []Transaction
	for _, transaction := range store.transactions {
		if transaction.UserID == userID {
			matched = append(matched, transaction)
		}
	}
	return matched
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

type recorderPublisher struct {
	mu           sync.Mutex
	transactions []Transaction
	err          error
}

func (publisher *recorderPublisher) PublishTransaction(_ context.Context, transaction Transaction) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	publisher.transactions = append(publisher.transactions, transaction)
	return publisher.err
}

type recorderLocker struct {
	mu       sync.Mutex
	keys     []string
	released int
	err      error
}

func (locker *recorderLocker) Lock(_ context.Context, key string) (func(), error) {
	locker.mu.Lock()
	defer locker.mu.Unlock()
	if locker.err != nil {
		return nil, locker.err
	}
	locker.keys = append(locker.keys, key)
	return func() {
		locker.mu.Lock()
		defer locker.mu.Unlock()
		locker.released++
	}, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	clock := func() int64 { return 1_700_000_000 }
	service, err := NewService(store, clock, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}
