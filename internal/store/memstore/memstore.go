package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/nper79/clothing-sub001/pkg/ledger"
)

const (
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectTransaction = "transaction"
	errorCodeAdd            = "add"
	errorCodeDeduct         = "deduct"
	errorCodeDuplicate      = "duplicate"
	errorCodeLookup         = "lookup"
)

// Store implements ledger.Store in process memory. State is lost on restart and is not
// shared between processes.
type Store struct {
	mu           sync.Mutex
	accounts     map[string]ledger.Account
	transactions map[string][]ledger.Transaction
	idempotency  map[string]struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		accounts:     make(map[string]ledger.Account),
		transactions: make(map[string][]ledger.Transaction),
		idempotency:  make(map[string]struct{}),
	}
}

func (store *Store) GetOrCreateAccount(_ context.Context, userID ledger.UserID, startingBalance ledger.Credits, atUnixUTC int64) (ledger.Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.getOrCreateLocked(userID, startingBalance, atUnixUTC), nil
}

func (store *Store) AddBalance(_ context.Context, userID ledger.UserID, amount ledger.Credits, atUnixUTC int64) (ledger.Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[userID.String()]
	if !ok {
		return ledger.Account{}, ledger.WrapError(errorOperationStore, errorSubjectAccount, errorCodeLookup, ledger.ErrUnknownAccount)
	}
	balance, err := account.Balance.Add(amount)
	if err != nil {
		return ledger.Account{}, ledger.WrapError(errorOperationStore, errorSubjectAccount, errorCodeAdd, err)
	}
	account.Balance = balance
	account.UpdatedUnixUTC = atUnixUTC
	store.accounts[userID.String()] = account
	return account, nil
}

func (store *Store) DeductBalance(_ context.Context, userID ledger.UserID, amount ledger.Credits, atUnixUTC int64) (ledger.Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[userID.String()]
	if !ok {
		return ledger.Account{}, ledger.WrapError(errorOperationStore, errorSubjectAccount, errorCodeLookup, ledger.ErrUnknownAccount)
	}
	if account.Balance < amount {
		return ledger.Account{}, ledger.WrapError(errorOperationStore, errorSubjectAccount, errorCodeDeduct, ledger.ErrInsufficientCredits)
	}
	account.Balance -= amount
	account.UpdatedUnixUTC = atUnixUTC
	store.accounts[userID.String()] = account
	return account, nil
}

func (store *Store) AddBalanceOnce(_ context.Context, transaction ledger.Transaction) (ledger.Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[transaction.UserID.String()]
	if !ok {
		return ledger.Account{}, ledger.WrapError(errorOperationStore, errorSubjectAccount, errorCodeLookup, ledger.ErrUnknownAccount)
	}
	var key string
	if !transaction.IdempotencyKey.IsZero() {
		key = idempotencyIndexKey(transaction.UserID, transaction.IdempotencyKey)
		if _, seen := store.idempotency[key]; seen {
			return ledger.Account{}, ledger.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
		}
	}
	balance, err := account.Balance.Add(ledger.Credits(transaction.Delta))
	if err != nil {
		return ledger.Account{}, ledger.WrapError(errorOperationStore, errorSubjectAccount, errorCodeAdd, err)
	}
	if key != "" {
		store.idempotency[key] = struct{}{}
	}
	account.Balance = balance
	account.UpdatedUnixUTC = transaction.CreatedUnixUTC
	store.accounts[transaction.UserID.String()] = account
	store.appendLocked(transaction)
	return account, nil
}

func (store *Store) InsertTransaction(_ context.Context, transaction ledger.Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if !transaction.IdempotencyKey.IsZero() {
		key := idempotencyIndexKey(transaction.UserID, transaction.IdempotencyKey)
		if _, seen := store.idempotency[key]; seen {
			return ledger.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
		}
		store.idempotency[key] = struct{}{}
	}
	store.appendLocked(transaction)
	return nil
}

// ListTransactions returns the newest transactions first.
func (store *Store) ListTransactions(_ context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	stored := store.transactions[userID.String()]
	listed := make([]ledger.Transaction, 0, len(stored))
	for index := len(stored) - 1; index >= 0; index-- {
		listed = append(listed, cloneTransaction(stored[index]))
	}
	sort.SliceStable(listed, func(left, right int) bool {
		return listed[left].CreatedUnixUTC > listed[right].CreatedUnixUTC
	})
	if limit > 0 && len(listed) > limit {
		listed = listed[:limit]
	}
	return listed, nil
}

func (store *Store) getOrCreateLocked(userID ledger.UserID, startingBalance ledger.Credits, atUnixUTC int64) ledger.Account {
	account, ok := store.accounts[userID.String()]
	if ok {
		return account
	}
	account = ledger.Account{
		UserID:         userID,
		Balance:        startingBalance,
		UpdatedUnixUTC: atUnixUTC,
	}
	store.accounts[userID.String()] = account
	return account
}

func (store *Store) appendLocked(transaction ledger.Transaction) {
	userKey := transaction.UserID.String()
	store.transactions[userKey] = append(store.transactions[userKey], cloneTransaction(transaction))
}

func cloneTransaction(transaction ledger.Transaction) ledger.Transaction {
	transaction.Metadata = transaction.Metadata.Clone()
	return transaction
}

func idempotencyIndexKey(userID ledger.UserID, key ledger.IdempotencyKey) string {
	return userID.String() + "\x00" + key.String()
}
